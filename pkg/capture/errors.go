package capture

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/aivorynet/devtools-bridge/pkg/transport"
)

// TargetEvaluationError is an exception raised inside the target while
// evaluating an expression.
type TargetEvaluationError struct {
	Expression   string
	Text         string
	Description  string
	URL          string
	LineNumber   int
	ColumnNumber int
}

func (e *TargetEvaluationError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Text
	}
	return fmt.Sprintf("target evaluation failed at %d:%d: %s", e.LineNumber, e.ColumnNumber, msg)
}

// NewTargetEvaluationError converts CDP exception details.
func NewTargetEvaluationError(expression string, details *proto.RuntimeExceptionDetails) *TargetEvaluationError {
	e := &TargetEvaluationError{
		Expression:   expression,
		Text:         details.Text,
		URL:          details.URL,
		LineNumber:   details.LineNumber,
		ColumnNumber: details.ColumnNumber,
	}
	if details.Exception != nil {
		e.Description = details.Exception.Description
		if e.Description == "" && !details.Exception.Value.Nil() {
			e.Description = details.Exception.Value.Str()
		}
	}
	return e
}

// NewGroup returns a fresh object group name. Every handle produced while
// evaluating under the group is released together by ReleaseGroup.
func NewGroup() string {
	return "devtools-bridge-" + uuid.NewString()
}

// ReleaseGroup invalidates every handle of the group.
func ReleaseGroup(ctx context.Context, client proto.Client, group string) error {
	if err := (proto.RuntimeReleaseObjectGroup{ObjectGroup: group}).Call(transport.Bind(ctx, client)); err != nil {
		return fmt.Errorf("release object group: %w", err)
	}
	return nil
}
