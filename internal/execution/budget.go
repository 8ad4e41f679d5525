package execution

import (
	"context"
	"fmt"
	"sync"
)

// BudgetExceededError aborts an attempt whose worker consumed more
// operations than the task's resource budget.
type BudgetExceededError struct {
	TaskID   string
	Budget   int
	Consumed int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("task %q exceeded resource budget: consumed %d of %d operations", e.TaskID, e.Consumed, e.Budget)
}

// meter counts operations for one attempt and cancels the attempt the moment
// the budget is overrun.
type meter struct {
	taskID string
	budget int
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	consumed int
	tripped  bool
}

func newMeter(taskID string, budget int, cancel context.CancelCauseFunc) *meter {
	return &meter{taskID: taskID, budget: budget, cancel: cancel}
}

// Report adds n operations. Non-positive counts are ignored.
func (m *meter) Report(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumed += n
	if m.consumed > m.budget && !m.tripped {
		m.tripped = true
		m.cancel(m.exceeded())
	}
}

// settle folds the worker's final tally into the meter. Every attempt counts
// at least one operation. It returns the total and a BudgetExceededError when
// the budget was overrun.
func (m *meter) settle(reported int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumed = max(m.consumed, reported, 1)
	if m.consumed > m.budget {
		m.tripped = true
		return m.consumed, m.exceeded()
	}
	return m.consumed, nil
}

func (m *meter) exceeded() *BudgetExceededError {
	return &BudgetExceededError{TaskID: m.taskID, Budget: m.budget, Consumed: m.consumed}
}
