package verifier

import "errors"

// ErrBudgetExceeded is returned when the instruction budget is exhausted.
var ErrBudgetExceeded = errors.New("instruction budget exceeded")

// Meter tracks the number of instructions processed by one run.
type Meter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
}

// NewMeter creates a meter allowing limit instructions.
func NewMeter(limit uint64) *Meter {
	return &Meter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume charges cost instructions.
// Returns ErrBudgetExceeded if insufficient budget remains.
func (m *Meter) Consume(cost uint64) error {
	if m.remaining < cost {
		m.consumed += m.remaining
		m.remaining = 0
		return ErrBudgetExceeded
	}
	m.remaining -= cost
	m.consumed += cost
	return nil
}

// Consumed returns the instructions processed so far.
func (m *Meter) Consumed() uint64 {
	return m.consumed
}

// Limit returns the budget.
func (m *Meter) Limit() uint64 {
	return m.limit
}
