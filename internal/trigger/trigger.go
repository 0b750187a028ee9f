// Package trigger defines how a matured task starts a build on an external
// system, and provides the NATS and Docker implementations.
package trigger

import (
	"context"
	"fmt"
	"strings"

	"github.com/t77yq/buildsched/internal/model"
)

// Outcome is the answer of the build system to a trigger request
type Outcome int

const (
	// Accepted means the build was queued
	Accepted Outcome = iota
	// NotFound means the target does not exist
	NotFound
	// Rejected means the target exists but refused the build
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case NotFound:
		return "not_found"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler
func (o Outcome) MarshalText() ([]byte, error) {
	switch o {
	case Accepted, NotFound, Rejected:
		return []byte(o.String()), nil
	default:
		return nil, fmt.Errorf("unknown outcome %d", int(o))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler
func (o *Outcome) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "accepted":
		*o = Accepted
	case "not_found":
		*o = NotFound
	case "rejected":
		*o = Rejected
	default:
		return fmt.Errorf("unknown outcome %q", string(text))
	}
	return nil
}

// Request is what the scheduler hands to a Trigger
type Request struct {
	TaskID     string                 `json:"task_id"`
	TargetID   string                 `json:"target_id"`
	Parameters map[string]string      `json:"parameters"`
	Values     []model.ParameterValue `json:"values"`
	Cause      string                 `json:"cause"`
}

// NewRequest builds the trigger request for a task
func NewRequest(task model.Task) Request {
	params := make(map[string]string, len(task.Parameters))
	for k, v := range task.Parameters {
		params[k] = v
	}
	return Request{
		TaskID:     task.ID,
		TargetID:   task.TargetID,
		Parameters: params,
		Values:     task.ParameterValues(),
		Cause:      task.Cause(),
	}
}

// Trigger starts a build. An error means the outcome is unknown, for
// example because the build system could not be reached.
type Trigger interface {
	Trigger(ctx context.Context, req Request) (Outcome, error)
}

// Func adapts a function to the Trigger interface
type Func func(ctx context.Context, req Request) (Outcome, error)

func (f Func) Trigger(ctx context.Context, req Request) (Outcome, error) {
	return f(ctx, req)
}
