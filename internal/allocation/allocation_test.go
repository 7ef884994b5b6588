package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hourbank.org/internal/auth"
	"hourbank.org/internal/ledger"
)

func d(t *testing.T, s string) time.Time {
	t.Helper()
	day, err := time.Parse(time.DateOnly, s)
	require.NoError(t, err)
	return day
}

func activeDebt(id, date string, remaining int) ledger.Debt {
	day, _ := time.Parse(time.DateOnly, date)
	return ledger.Debt{
		ID: id, Date: day,
		MinutesOwed: remaining, RemainingMinutes: remaining,
		Status: ledger.StatusActive,
	}
}

func TestPlanOldestFirst(t *testing.T) {
	debts := []ledger.Debt{
		activeDebt("d2", "2024-01-20", 60),
		activeDebt("d1", "2024-01-05", 120),
	}

	lines := Plan(debts, 150)
	require.Len(t, lines, 2)
	assert.Equal(t, ledger.AllocationLine{DebtID: "d1", Minutes: 120}, lines[0])
	assert.Equal(t, ledger.AllocationLine{DebtID: "d2", Minutes: 30}, lines[1])
}

func TestPlanPartialFill(t *testing.T) {
	debts := []ledger.Debt{activeDebt("d1", "2024-01-05", 120)}

	lines := Plan(debts, 45)
	require.Len(t, lines, 1)
	assert.Equal(t, 45, lines[0].Minutes)
}

func TestPlanDropsLeftover(t *testing.T) {
	debts := []ledger.Debt{activeDebt("d1", "2024-01-05", 30)}

	lines := Plan(debts, 500)
	require.Len(t, lines, 1)
	assert.Equal(t, 30, lines[0].Minutes)
}

func TestPlanTieBreakByID(t *testing.T) {
	debts := []ledger.Debt{
		activeDebt("zz", "2024-01-05", 10),
		activeDebt("aa", "2024-01-05", 10),
	}

	lines := Plan(debts, 15)
	require.Len(t, lines, 2)
	assert.Equal(t, "aa", lines[0].DebtID)
	assert.Equal(t, "zz", lines[1].DebtID)
}

func TestPlanSkipsNonDeductible(t *testing.T) {
	cancelled := activeDebt("d1", "2024-01-05", 50)
	cancelled.Status = ledger.StatusCancelled
	paid := activeDebt("d2", "2024-01-06", 0)
	paid.Status = ledger.StatusFullyPaid
	debts := []ledger.Debt{cancelled, paid, activeDebt("d3", "2024-01-07", 40)}

	lines := Plan(debts, 100)
	require.Len(t, lines, 1)
	assert.Equal(t, "d3", lines[0].DebtID)
}

func TestPlanZeroExcess(t *testing.T) {
	assert.Nil(t, Plan([]ledger.Debt{activeDebt("d1", "2024-01-05", 50)}, 0))
	assert.Nil(t, Plan([]ledger.Debt{activeDebt("d1", "2024-01-05", 50)}, -10))
}

func TestPlanDoesNotMutateInput(t *testing.T) {
	debts := []ledger.Debt{
		activeDebt("d2", "2024-01-20", 60),
		activeDebt("d1", "2024-01-05", 120),
	}
	Plan(debts, 150)
	assert.Equal(t, "d2", debts[0].ID, "input order must be preserved")
}

func TestAllocatorApply(t *testing.T) {
	ctx := auth.ContextWithScope(context.Background(), auth.Scope{TenantID: "t1", ActorID: "a1"})
	svc := ledger.NewInMemory(nil)

	first, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 120})
	require.NoError(t, err)
	second, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-20"), MinutesOwed: 60})
	require.NoError(t, err)

	alloc := Allocator{Ledger: svc}
	applied, lines, err := alloc.Apply(ctx, "u1", "tr1", d(t, "2024-02-01"), 150, 150)
	require.NoError(t, err)
	assert.Equal(t, 150, applied)
	require.Len(t, lines, 2)
	assert.Equal(t, first.ID, lines[0].DebtID)
	assert.Equal(t, second.ID, lines[1].DebtID)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 30, bal)
}
