package transport

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Target describes an inspectable target of the endpoint.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// IsPageURL reports whether u already addresses a single page target, in
// which case no attach step is needed.
func IsPageURL(u string) bool {
	return (strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")) &&
		strings.Contains(u, "/devtools/page/")
}

// ResolveEndpoint normalizes "9222", "host:9222", "http://host:9222" and
// similar forms into a websocket debugger URL.
func ResolveEndpoint(endpoint string) (string, error) {
	if IsPageURL(endpoint) || strings.Contains(endpoint, "/devtools/browser/") {
		return endpoint, nil
	}
	u, err := launcher.ResolveURL(endpoint)
	if err != nil {
		return "", fmt.Errorf("resolve endpoint %q: %w", endpoint, err)
	}
	return u, nil
}

// Targets lists the page targets known to the browser-level connection.
func Targets(ctx context.Context, conn *Connection) ([]Target, error) {
	res, err := proto.TargetGetTargets{}.Call(Bind(ctx, conn))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	targets := make([]Target, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if string(info.Type) != "page" {
			continue
		}
		targets = append(targets, Target{
			ID:    string(info.TargetID),
			Type:  string(info.Type),
			Title: info.Title,
			URL:   info.URL,
		})
	}
	return targets, nil
}

// SelectTarget returns the first target whose URL matches pattern. An empty
// pattern matches any target.
func SelectTarget(targets []Target, pattern string) (Target, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return Target{}, fmt.Errorf("target pattern %q: %w", pattern, err)
		}
	}

	for _, t := range targets {
		if re == nil || re.MatchString(t.URL) {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("no page target matches %q (%d candidates)", pattern, len(targets))
}

// Attach connects to endpoint and opens a session on the page target whose
// URL matches pattern. If endpoint is already a page URL the connection's
// own target is used and pattern is ignored.
func Attach(ctx context.Context, endpoint, pattern string, opts ...Option) (*Connection, *Session, error) {
	u, err := ResolveEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	conn, err := Dial(ctx, u, opts...)
	if err != nil {
		return nil, nil, err
	}

	if IsPageURL(u) {
		return conn, conn.Session(""), nil
	}

	targets, err := Targets(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	target, err := SelectTarget(targets, pattern)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	res, err := proto.TargetAttachToTarget{
		TargetID: proto.TargetTargetID(target.ID),
		Flatten:  true,
	}.Call(Bind(ctx, conn))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("attach to %s: %w", target.URL, err)
	}

	conn.logger.Info("Attached to target",
		zap.String("target", target.ID),
		zap.String("url", target.URL),
		zap.String("session", string(res.SessionID)))

	return conn, conn.Session(string(res.SessionID)), nil
}
