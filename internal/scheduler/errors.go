package scheduler

import (
	"errors"
	"fmt"

	"github.com/t77yq/buildsched/internal/model"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown
	ErrTaskNotFound = fmt.Errorf("task %w", model.ErrNotFound)

	// ErrRuleNotFound is returned when a rule id is unknown
	ErrRuleNotFound = fmt.Errorf("rule %w", model.ErrNotFound)

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrNotStarted is returned by mutations made before the stored snapshot
	// was loaded
	ErrNotStarted = fmt.Errorf("%w: scheduler not started", model.ErrStateConflict)
)
