// Package recon re-derives what each day's excess work should have paid off
// and aligns the recorded deductions with it. Review tops up gaps without
// deleting anything; Correct treats deductions as a rebuildable cache and
// regenerates them wholesale for the range.
package recon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hourbank.org/internal/allocation"
	"hourbank.org/internal/auth"
	"hourbank.org/internal/ledger"
	"hourbank.org/internal/obs"
	"hourbank.org/internal/stream"
	"hourbank.org/internal/timesource"
)

const defaultWorkers = 4

// Range is an inclusive day range, UTC midnight bounds.
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PreviousMonth returns the calendar month before now, the default range for
// both entry points.
func PreviousMonth(now time.Time) Range {
	now = now.UTC()
	firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastOfPrev := firstOfThis.AddDate(0, 0, -1)
	firstOfPrev := time.Date(lastOfPrev.Year(), lastOfPrev.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Range{From: firstOfPrev, To: lastOfPrev}
}

func (r Range) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && !r.To.Before(r.From)
}

// Flag marks a user-day reconciliation could not settle automatically.
type Flag struct {
	UserID          string    `json:"user_id"`
	Date            time.Time `json:"date"`
	ExpectedExcess  int       `json:"expected_excess"`
	AlreadyDeducted int       `json:"already_deducted"`
	Note            string    `json:"note"` // debts_exhausted | over_deducted
}

// UserError records a per-user failure; the batch continues for other users.
type UserError struct {
	UserID string `json:"user_id"`
	Err    string `json:"error"`
}

// ReviewReport is the non-destructive entry point's result.
type ReviewReport struct {
	Range             Range       `json:"range"`
	UsersAnalyzed     int         `json:"users_analyzed"`
	DaysWithGap       int         `json:"days_with_gap"`
	MinutesApplied    int         `json:"minutes_applied"`
	DeductionsCreated int         `json:"deductions_created"`
	Flags             []Flag      `json:"flags,omitempty"`
	Errors            []UserError `json:"errors,omitempty"`
	StartedAt         time.Time   `json:"started_at"`
	FinishedAt        time.Time   `json:"finished_at"`
}

// CorrectionReport is the destructive-but-idempotent entry point's result.
type CorrectionReport struct {
	Range              Range       `json:"range"`
	UsersProcessed     int         `json:"users_processed"`
	ReversedDeductions int         `json:"reversed_deductions"`
	ReversedMinutes    int         `json:"reversed_minutes"`
	DeductionsCreated  int         `json:"deductions_created"`
	AppliedMinutes     int         `json:"applied_minutes"`
	UnallocatedMinutes int         `json:"unallocated_minutes"`
	Errors             []UserError `json:"errors,omitempty"`
	StartedAt          time.Time   `json:"started_at"`
	FinishedAt         time.Time   `json:"finished_at"`
}

// Engine orchestrates full-period re-derivation over the ledger and the
// time source. Users are processed in parallel up to Workers; each user is
// handled by exactly one goroutine, preserving oldest-first ordering.
type Engine struct {
	Ledger    ledger.Service
	Time      timesource.Source
	Threshold int // dailyThresholdMinutes
	Workers   int
	Stream    *stream.Stream // optional live event fan-out
}

func (e *Engine) publish(evt stream.DeductionEvent) {
	if e.Stream != nil {
		evt.Timestamp = time.Now().UTC()
		e.Stream.Publish(evt)
	}
}

func (e *Engine) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return defaultWorkers
}

// Review computes expected excess per user-day, compares it with recorded
// deductions and tops up positive gaps. Nothing is deleted. Gaps that cannot
// be closed and negative gaps are flagged for manual review.
func (e *Engine) Review(ctx context.Context, rng Range) (ReviewReport, error) {
	if _, ok := auth.ScopeFromContext(ctx); !ok {
		return ReviewReport{}, ledger.ErrMissingScope
	}
	if !rng.valid() {
		rng = PreviousMonth(time.Now())
	}
	rng.From, rng.To = ledger.Day(rng.From), ledger.Day(rng.To)

	report := ReviewReport{Range: rng, StartedAt: time.Now().UTC()}

	users, err := e.Ledger.DebtorsWithActiveDebts(ctx)
	if err != nil {
		obs.ObserveReconRun("review", "aborted", 0, 0)
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			res, err := e.reviewUser(gctx, rng, userID)
			mu.Lock()
			defer mu.Unlock()
			report.UsersAnalyzed++
			if err != nil {
				if isAbort(gctx, err) {
					return err
				}
				report.Errors = append(report.Errors, UserError{UserID: userID, Err: err.Error()})
				return nil
			}
			report.DaysWithGap += res.DaysWithGap
			report.MinutesApplied += res.MinutesApplied
			report.DeductionsCreated += res.DeductionsCreated
			report.Flags = append(report.Flags, res.Flags...)
			return nil
		})
	}
	err = g.Wait()
	report.FinishedAt = time.Now().UTC()
	sortFlags(report.Flags)

	outcome := "ok"
	if err != nil {
		outcome = "aborted"
	}
	obs.ObserveReconRun("review", outcome, report.MinutesApplied, len(report.Flags))
	return report, err
}

type userReview struct {
	DaysWithGap       int
	MinutesApplied    int
	DeductionsCreated int
	Flags             []Flag
}

func (e *Engine) reviewUser(ctx context.Context, rng Range, userID string) (userReview, error) {
	scope, _ := auth.ScopeFromContext(ctx)
	recs, err := e.Time.WorkedRange(ctx, scope.TenantID, userID, rng.From, rng.To)
	if err != nil {
		return userReview{}, err
	}

	alloc := allocation.Allocator{Ledger: e.Ledger}
	var res userReview
	for _, rec := range recs {
		expected := rec.Minutes - e.Threshold
		if expected < 0 {
			expected = 0
		}
		already, err := e.Ledger.DeductedOnDay(ctx, userID, rec.Date)
		if err != nil {
			return res, err
		}
		gap := expected - already
		if gap == 0 {
			continue
		}
		if gap < 0 {
			// Over-deduction is a data inconsistency; never auto-fixed.
			res.Flags = append(res.Flags, Flag{
				UserID: userID, Date: rec.Date,
				ExpectedExcess: expected, AlreadyDeducted: already,
				Note: "over_deducted",
			})
			continue
		}
		res.DaysWithGap++
		applied, lines, err := alloc.Apply(ctx, userID, rec.ID, rec.Date, gap, expected)
		if err != nil {
			return res, err
		}
		res.MinutesApplied += applied
		res.DeductionsCreated += len(lines)
		for _, line := range lines {
			e.publish(stream.DeductionEvent{
				TenantID: scope.TenantID, UserID: userID, DebtID: line.DebtID,
				Date: rec.Date, Minutes: line.Minutes, Source: "review",
			})
		}
		if applied < gap {
			res.Flags = append(res.Flags, Flag{
				UserID: userID, Date: rec.Date,
				ExpectedExcess: expected, AlreadyDeducted: already + applied,
				Note: "debts_exhausted",
			})
		}
	}
	return res, nil
}

// Correct soft-deletes every deduction the range produced, restores the
// affected balances and reallocates from scratch, one atomic unit per user.
// Running it twice with no new time data yields identical state.
func (e *Engine) Correct(ctx context.Context, rng Range) (CorrectionReport, error) {
	if _, ok := auth.ScopeFromContext(ctx); !ok {
		return CorrectionReport{}, ledger.ErrMissingScope
	}
	if !rng.valid() {
		rng = PreviousMonth(time.Now())
	}
	rng.From, rng.To = ledger.Day(rng.From), ledger.Day(rng.To)

	report := CorrectionReport{Range: rng, StartedAt: time.Now().UTC()}

	users, err := e.correctionUsers(ctx, rng)
	if err != nil {
		obs.ObserveReconRun("correct", "aborted", 0, 0)
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			res, err := e.correctUser(gctx, rng, userID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isAbort(gctx, err) {
					return err
				}
				report.Errors = append(report.Errors, UserError{UserID: userID, Err: err.Error()})
				return nil
			}
			report.UsersProcessed++
			report.ReversedDeductions += res.ReversedDeductions
			report.ReversedMinutes += res.ReversedMinutes
			report.DeductionsCreated += res.DeductionsCreated
			report.AppliedMinutes += res.AppliedMinutes
			report.UnallocatedMinutes += res.UnallocatedMinutes
			return nil
		})
	}
	err = g.Wait()
	report.FinishedAt = time.Now().UTC()

	outcome := "ok"
	if err != nil {
		outcome = "aborted"
	}
	obs.ObserveReconRun("correct", outcome, report.AppliedMinutes, 0)
	return report, err
}

func (e *Engine) correctUser(ctx context.Context, rng Range, userID string) (ledger.RebuildResult, error) {
	scope, _ := auth.ScopeFromContext(ctx)
	recs, err := e.Time.WorkedRange(ctx, scope.TenantID, userID, rng.From, rng.To)
	if err != nil {
		return ledger.RebuildResult{}, err
	}
	var days []ledger.DayExcess
	for _, rec := range recs {
		excess := rec.Minutes - e.Threshold
		if excess <= 0 {
			continue
		}
		days = append(days, ledger.DayExcess{
			TimeRecordID:  rec.ID,
			Date:          rec.Date,
			ExcessMinutes: excess,
		})
	}
	res, err := e.Ledger.RebuildUserDeductions(ctx, userID, rng.From, rng.To, days, allocation.Plan)
	if err == nil && res.AppliedMinutes > 0 {
		e.publish(stream.DeductionEvent{
			TenantID: scope.TenantID, UserID: userID,
			Date: rng.To, Minutes: res.AppliedMinutes, Source: "correct",
		})
	}
	return res, err
}

// correctionUsers is the union of users with active debts and users with
// live deductions in range (reversal can reopen fully paid debts).
func (e *Engine) correctionUsers(ctx context.Context, rng Range) ([]string, error) {
	active, err := e.Ledger.DebtorsWithActiveDebts(ctx)
	if err != nil {
		return nil, err
	}
	deducted, err := e.Ledger.UsersWithDeductions(ctx, rng.From, rng.To)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(active)+len(deducted))
	var users []string
	for _, u := range append(active, deducted...) {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// isAbort distinguishes a whole-batch abort (cancellation, missing scope)
// from an isolated per-user failure.
func isAbort(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ledger.ErrMissingScope)
}

func sortFlags(flags []Flag) {
	sort.Slice(flags, func(i, j int) bool {
		if flags[i].UserID != flags[j].UserID {
			return flags[i].UserID < flags[j].UserID
		}
		return flags[i].Date.Before(flags[j].Date)
	})
}
