package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/spf13/cobra"

	"github.com/aivorynet/devtools-bridge/pkg/agent"
	"github.com/aivorynet/devtools-bridge/pkg/breakpoint"
	"github.com/aivorynet/devtools-bridge/pkg/capture"
)

var (
	hookURL         string
	hookURLRegex    string
	hookLine        int
	hookColumn      int
	hookCondition   string
	hookExpr        string
	hookDepth       int
	hookSideEffects bool
	hookPending     bool
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Pause at a source location and print a value from each pause as JSON lines",
	Long: `Install a breakpoint and, every time the target pauses there, evaluate an
expression in the paused frame and print its value as one JSON line. The
target is resumed after each line. Runs until interrupted.

Breakpoints listed in the config file are installed as well.`,
	Example: `  devtools-bridge hook --url-regex 'conversations\.js$' --line 2220 --expr msg`,
	Args:    cobra.NoArgs,
	RunE:    runHook,
}

func init() {
	hookCmd.Flags().StringVar(&hookURL, "url", "", "Script URL")
	hookCmd.Flags().StringVar(&hookURLRegex, "url-regex", "", "Regular expression matching the script URL")
	hookCmd.Flags().IntVar(&hookLine, "line", 0, "Zero-based line number")
	hookCmd.Flags().IntVar(&hookColumn, "column", -1, "Zero-based column number")
	hookCmd.Flags().StringVar(&hookCondition, "condition", "", "Breakpoint condition")
	hookCmd.Flags().StringVar(&hookExpr, "expr", "", "Expression evaluated in the paused frame")
	hookCmd.Flags().IntVar(&hookDepth, "depth", 0, "Depth limit of printed values (default from config)")
	hookCmd.Flags().BoolVar(&hookSideEffects, "allow-side-effects", false, "Allow the expression to have side effects")
	hookCmd.Flags().BoolVar(&hookPending, "allow-pending", false, "Accept a location that matches no loaded script yet")
	hookCmd.MarkFlagsMutuallyExclusive("url", "url-regex")
}

// hookRecord is one line of hook output.
type hookRecord struct {
	Time  time.Time     `json:"time"`
	Value capture.Value `json:"value"`
}

// lineWriter serializes records from concurrent pause cycles.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &lineWriter{enc: enc}
}

func (w *lineWriter) callback(ctx context.Context, _ proto.Client, value capture.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(hookRecord{Time: time.Now().UTC(), Value: value})
}

func hookRegistration() (breakpoint.Registration, bool) {
	if hookURL == "" && hookURLRegex == "" {
		return breakpoint.Registration{}, false
	}
	reg := breakpoint.Registration{
		URL:              hookURL,
		URLRegex:         hookURLRegex,
		LineNumber:       hookLine,
		Condition:        hookCondition,
		Expression:       hookExpr,
		MaxDepth:         hookDepth,
		AllowSideEffects: hookSideEffects,
		AllowPending:     hookPending,
	}
	if hookColumn >= 0 {
		column := hookColumn
		reg.ColumnNumber = &column
	}
	return reg, true
}

func runHook(cmd *cobra.Command, args []string) error {
	if reg, ok := hookRegistration(); ok {
		config.Breakpoints = append(config.Breakpoints, reg)
	}
	if len(config.Breakpoints) == 0 {
		return errors.New("no breakpoints: pass --url or --url-regex, or list breakpoints in --config")
	}

	w := newLineWriter(cmd.OutOrStdout())
	return agent.New(config).Run(cmd.Context(), w.callback)
}
