// Package allocation decides how a day's excess minutes are distributed
// across a user's outstanding debts: oldest debt first, greedy, partial
// fill. Deductions are a materialized result of Plan over (debts, excess),
// which is what lets correct-monthly rebuild them from scratch.
package allocation

import (
	"context"
	"time"

	"hourbank.org/internal/ledger"
)

// Plan distributes excess minutes across active debts, oldest first with id
// as tie-break. It is a pure function: no clock, no storage, no rng. Excess
// left over once the debts are exhausted is dropped, never carried forward.
func Plan(debts []ledger.Debt, excess int) []ledger.AllocationLine {
	if excess <= 0 {
		return nil
	}
	ordered := make([]ledger.Debt, len(debts))
	copy(ordered, debts)
	ledger.SortForAllocation(ordered)

	var lines []ledger.AllocationLine
	pool := excess
	for _, d := range ordered {
		if pool == 0 {
			break
		}
		if !d.Deductible() || d.RemainingMinutes <= 0 {
			continue
		}
		take := pool
		if d.RemainingMinutes < take {
			take = d.RemainingMinutes
		}
		lines = append(lines, ledger.AllocationLine{DebtID: d.ID, Minutes: take})
		pool -= take
	}
	return lines
}

// Allocator executes allocation plans through the ledger's mutation
// primitives.
type Allocator struct {
	Ledger ledger.Service
}

// Apply plans pool minutes over the user's active debts and applies each
// line as a deduction referencing the day's time record. pool is the amount
// still to allocate (net of prior deductions); excessForDay is the day's
// total excess, recorded on each deduction for audit context.
// Returns the minutes actually applied; pool minus applied is unallocated.
func (a Allocator) Apply(ctx context.Context, userID, timeRecordID string, day time.Time, pool, excessForDay int) (int, []ledger.AllocationLine, error) {
	if pool <= 0 {
		return 0, nil, nil
	}
	debts, err := a.Ledger.ListActiveDebts(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	lines := Plan(debts, pool)
	applied := 0
	for _, line := range lines {
		if _, err := a.Ledger.ApplyDeduction(ctx, line.DebtID, timeRecordID, day, line.Minutes, excessForDay); err != nil {
			return applied, lines, err
		}
		applied += line.Minutes
	}
	return applied, lines, nil
}
