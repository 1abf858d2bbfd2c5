package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrModelCallBudget is returned once a session has used up its model calls.
var ErrModelCallBudget = errors.New("model call budget exhausted")

// ModelLimiter enforces a maximum number of model calls per session, across
// every phase and every retry.
type ModelLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewModelLimiter creates a new limiter with a max number of calls.
// If max == 0, unlimited calls are allowed.
func NewModelLimiter(max int) *ModelLimiter {
	return &ModelLimiter{max: max}
}

// Acquire accounts for one model call and fails once the budget is spent.
// A nil limiter is unlimited.
func (ml *ModelLimiter) Acquire() error {
	if ml == nil {
		return nil
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.max > 0 && ml.count >= ml.max {
		return fmt.Errorf("%w: %d calls", ErrModelCallBudget, ml.max)
	}
	ml.count++

	return nil
}

// Count returns the number of calls made so far.
func (ml *ModelLimiter) Count() int {
	if ml == nil {
		return 0
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	return ml.count
}

// Remaining returns how many calls are left, or -1 when unlimited.
func (ml *ModelLimiter) Remaining() int {
	if ml == nil || ml.max == 0 {
		return -1
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	return ml.max - ml.count
}
