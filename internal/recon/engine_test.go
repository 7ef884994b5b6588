package recon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hourbank.org/internal/auth"
	"hourbank.org/internal/ledger"
	"hourbank.org/internal/timesource"
)

const tenant = "t1"

func adminCtx() context.Context {
	return auth.ContextWithScope(context.Background(), auth.Scope{
		TenantID: tenant, ActorID: "recon-admin", Roles: []string{auth.RoleAdmin},
	})
}

func d(t *testing.T, s string) time.Time {
	t.Helper()
	day, err := time.Parse(time.DateOnly, s)
	require.NoError(t, err)
	return day
}

func newEngine(svc ledger.Service, ts timesource.Source) *Engine {
	return &Engine{Ledger: svc, Time: ts, Threshold: 480, Workers: 2}
}

func febRange(t *testing.T) Range {
	return Range{From: d(t, "2024-02-01"), To: d(t, "2024-02-29")}
}

func TestPreviousMonth(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	rng := PreviousMonth(now)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), rng.From)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), rng.To)

	// January wraps into the previous year.
	rng = PreviousMonth(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), rng.From)
	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), rng.To)
}

func TestReviewTopsUpMissedDays(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	debt, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 120})
	require.NoError(t, err)

	ts := timesource.NewMemory()
	ts.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 600})
	ts.Add(tenant, timesource.Record{ID: "tr2", UserID: "u1", Date: d(t, "2024-02-02"), Minutes: 480}) // no excess

	report, err := newEngine(svc, ts).Review(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.UsersAnalyzed)
	assert.Equal(t, 1, report.DaysWithGap)
	assert.Equal(t, 120, report.MinutesApplied)
	assert.Empty(t, report.Flags)
	assert.Empty(t, report.Errors)

	got, err := svc.GetDebt(ctx, debt.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFullyPaid, got.Status)
}

func TestReviewSecondRunIsNoop(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	_, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 300})
	require.NoError(t, err)

	ts := timesource.NewMemory()
	ts.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 540})

	eng := newEngine(svc, ts)
	first, err := eng.Review(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, 60, first.MinutesApplied)

	second, err := eng.Review(ctx, febRange(t))
	require.NoError(t, err)
	assert.Zero(t, second.MinutesApplied)
	assert.Zero(t, second.DaysWithGap)
}

func TestReviewFlagsDebtsExhausted(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	_, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 30})
	require.NoError(t, err)

	ts := timesource.NewMemory()
	ts.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 600})

	report, err := newEngine(svc, ts).Review(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, 30, report.MinutesApplied)
	require.Len(t, report.Flags, 1)
	assert.Equal(t, "debts_exhausted", report.Flags[0].Note)
	assert.Equal(t, 120, report.Flags[0].ExpectedExcess)
	assert.Equal(t, 30, report.Flags[0].AlreadyDeducted)
}

func TestReviewFlagsOverDeduction(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	debt, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 200})
	require.NoError(t, err)

	// Deduct against a day the time source will later report as shorter.
	_, err = svc.ApplyDeduction(ctx, debt.ID, "tr1", d(t, "2024-02-01"), 100, 100)
	require.NoError(t, err)

	ts := timesource.NewMemory()
	ts.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 500}) // excess 20 < 100

	report, err := newEngine(svc, ts).Review(ctx, febRange(t))
	require.NoError(t, err)
	assert.Zero(t, report.MinutesApplied, "over-deduction is never auto-fixed")
	require.Len(t, report.Flags, 1)
	assert.Equal(t, "over_deducted", report.Flags[0].Note)

	got, err := svc.GetDebt(ctx, debt.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.RemainingMinutes, "review must not touch existing deductions")
}

func TestReviewRequiresScope(t *testing.T) {
	eng := newEngine(ledger.NewInMemory(nil), timesource.NewMemory())
	_, err := eng.Review(context.Background(), febRange(t))
	assert.ErrorIs(t, err, ledger.ErrMissingScope)

	_, err = eng.Correct(context.Background(), febRange(t))
	assert.ErrorIs(t, err, ledger.ErrMissingScope)
}

func TestCorrectRebuildsAfterRetroactiveChange(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	debt, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 120})
	require.NoError(t, err)

	ts := timesource.NewMemory()
	ts.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 600})

	eng := newEngine(svc, ts)
	_, err = eng.Review(ctx, febRange(t))
	require.NoError(t, err)

	// A retroactive timesheet fix shrinks the day; correct must converge to it.
	ts2 := timesource.NewMemory()
	ts2.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 510})
	eng.Time = ts2

	report, err := eng.Correct(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.UsersProcessed)
	assert.Equal(t, 120, report.ReversedMinutes)
	assert.Equal(t, 30, report.AppliedMinutes)

	got, err := svc.GetDebt(ctx, debt.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, got.Status)
	assert.Equal(t, 90, got.RemainingMinutes)
}

func TestCorrectIdempotent(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	_, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 120})
	require.NoError(t, err)

	ts := timesource.NewMemory()
	ts.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 540})

	eng := newEngine(svc, ts)
	first, err := eng.Correct(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, 60, first.AppliedMinutes)

	second, err := eng.Correct(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, first.AppliedMinutes, second.AppliedMinutes)
	assert.Equal(t, 60, second.ReversedMinutes)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 60, bal)
}

func TestCorrectRevisitsFullyPaidUsers(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	debt, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 60})
	require.NoError(t, err)

	ts := timesource.NewMemory()
	ts.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 540})

	eng := newEngine(svc, ts)
	_, err = eng.Review(ctx, febRange(t))
	require.NoError(t, err)

	got, err := svc.GetDebt(ctx, debt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFullyPaid, got.Status)

	// The day shrinks below the threshold; the fully paid debt must reopen
	// even though the user no longer shows up as an active debtor.
	ts2 := timesource.NewMemory()
	ts2.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 480})
	eng.Time = ts2

	report, err := eng.Correct(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.UsersProcessed)
	assert.Equal(t, 60, report.ReversedMinutes)
	assert.Zero(t, report.AppliedMinutes)

	got, err = svc.GetDebt(ctx, debt.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, got.Status)
	assert.Equal(t, 60, got.RemainingMinutes)
}

func TestCorrectLeavesFrozenDeductionsInPlace(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	disputed, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-10"), MinutesOwed: 60})
	require.NoError(t, err)

	ts := timesource.NewMemory()
	ts.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 520}) // excess 40

	eng := newEngine(svc, ts)
	_, err = eng.Review(ctx, febRange(t))
	require.NoError(t, err)

	// A dispute cancels the partly paid debt; its 40 deducted minutes freeze.
	reason, err := ledger.NewReason("dispute")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, disputed.ID, reason)
	require.NoError(t, err)

	active, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 100})
	require.NoError(t, err)

	// The timesheet grows retroactively; only the headroom beyond the frozen
	// 40 minutes may go to the remaining active debt.
	ts2 := timesource.NewMemory()
	ts2.Add(tenant, timesource.Record{ID: "tr1", UserID: "u1", Date: d(t, "2024-02-01"), Minutes: 580}) // excess 100
	eng.Time = ts2

	report, err := eng.Correct(ctx, febRange(t))
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.UsersProcessed)
	assert.Zero(t, report.ReversedMinutes, "frozen deduction must not be reversed")
	assert.Equal(t, 60, report.AppliedMinutes)

	got, err := svc.GetDebt(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.RemainingMinutes)

	frozen, err := svc.GetDebt(ctx, disputed.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, frozen.Status)
	assert.Equal(t, 20, frozen.RemainingMinutes)

	// Re-running converges to the same state.
	second, err := eng.Correct(ctx, febRange(t))
	require.NoError(t, err)
	assert.Empty(t, second.Errors)
	assert.Equal(t, 60, second.ReversedMinutes)
	assert.Equal(t, 60, second.AppliedMinutes)
}

func TestBatchContinuesPastUserErrors(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	_, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u1", Date: d(t, "2024-01-05"), MinutesOwed: 60})
	require.NoError(t, err)
	_, err = svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: "u2", Date: d(t, "2024-01-05"), MinutesOwed: 60})
	require.NoError(t, err)

	ts := &failingSource{
		inner:   timesource.NewMemory(),
		failFor: "u1",
	}
	ts.inner.Add(tenant, timesource.Record{ID: "tr2", UserID: "u2", Date: d(t, "2024-02-01"), Minutes: 540})

	report, err := newEngine(svc, ts).Review(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, 2, report.UsersAnalyzed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "u1", report.Errors[0].UserID)
	assert.Equal(t, 60, report.MinutesApplied, "other users still processed")
}

func TestMultiUserParallelRun(t *testing.T) {
	ctx := adminCtx()
	svc := ledger.NewInMemory(nil)
	ts := timesource.NewMemory()
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	for _, u := range users {
		_, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{DebtorID: u, Date: d(t, "2024-01-05"), MinutesOwed: 60})
		require.NoError(t, err)
		ts.Add(tenant, timesource.Record{ID: "tr-" + u, UserID: u, Date: d(t, "2024-02-01"), Minutes: 540})
	}

	report, err := newEngine(svc, ts).Review(ctx, febRange(t))
	require.NoError(t, err)
	assert.Equal(t, len(users), report.UsersAnalyzed)
	assert.Equal(t, 60*len(users), report.MinutesApplied)
	assert.Empty(t, report.Errors)
}

type failingSource struct {
	inner   *timesource.Memory
	failFor string
}

func (f *failingSource) WorkedRange(ctx context.Context, tenantID, userID string, from, to time.Time) ([]timesource.Record, error) {
	if userID == f.failFor {
		return nil, assert.AnError
	}
	return f.inner.WorkedRange(ctx, tenantID, userID, from, to)
}
