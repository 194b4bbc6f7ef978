// Package breakpoint pauses a DevTools target at a source location and hands
// a live value from the paused frame to a callback.
package breakpoint

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds each on-frame evaluation.
const DefaultTimeout = 500 * time.Millisecond

// Registration describes where to pause and what to extract. Exactly one of
// URL and URLRegex should be set. LineNumber is zero-based, as in CDP.
type Registration struct {
	URL          string `yaml:"url"`
	URLRegex     string `yaml:"url_regex"`
	LineNumber   int    `yaml:"line"`
	ColumnNumber *int   `yaml:"column"`
	Condition    string `yaml:"condition"`

	// Expression is evaluated against the top frame on every pause.
	Expression string `yaml:"expression"`
	MaxDepth   int    `yaml:"max_depth"`

	Timeout          time.Duration `yaml:"timeout"`
	AllowSideEffects bool          `yaml:"allow_side_effects"`

	// AllowPending accepts a location that matches no loaded script yet.
	AllowPending bool `yaml:"allow_pending"`
}

// Location renders the URL pattern and line for messages.
func (r Registration) Location() string {
	pattern := r.URL
	if r.URLRegex != "" {
		pattern = "/" + r.URLRegex + "/"
	}
	return fmt.Sprintf("%s:%d", pattern, r.LineNumber)
}

// ResolvedLocation is a script position the breakpoint was bound to.
type ResolvedLocation struct {
	ScriptID     string
	LineNumber   int
	ColumnNumber int
}

// Info describes an installed breakpoint.
type Info struct {
	ID           string
	Registration Registration
	Locations    []ResolvedLocation
	HitCount     int
	CreatedAt    time.Time
}

// State is the position of a Handle in its pause cycle.
type State int

// Pause-cycle states. A cycle moves from Installed through Paused,
// Evaluating, Resolving and Invoking, and back to Installed once resumed.
const (
	StateUninstalled State = iota
	StateInstalled
	StatePaused
	StateEvaluating
	StateResolving
	StateInvoking
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalled:
		return "installed"
	case StatePaused:
		return "paused"
	case StateEvaluating:
		return "evaluating"
	case StateResolving:
		return "resolving"
	case StateInvoking:
		return "invoking"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// InstallationError reports a breakpoint location that could not be bound to
// exactly one script.
type InstallationError struct {
	Location string
	Reason   string
	Scripts  []string
	Err      error
}

func (e *InstallationError) Error() string {
	msg := fmt.Sprintf("install breakpoint at %s: %s", e.Location, e.Reason)
	if len(e.Scripts) > 0 {
		msg += " (scripts " + strings.Join(e.Scripts, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InstallationError) Unwrap() error {
	return e.Err
}
