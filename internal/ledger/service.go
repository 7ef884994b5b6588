package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"hourbank.org/internal/audit"
	"hourbank.org/internal/auth"
	"hourbank.org/internal/obs"
)

// Service defines the hour-debt ledger operations. The ledger exclusively
// owns Debt and Deduction writes; every call requires a tenant/actor scope
// on the context.
type Service interface {
	CreateDebt(ctx context.Context, in CreateDebtInput) (Debt, error)
	GetDebt(ctx context.Context, id string) (Debt, error)
	GetBalance(ctx context.Context, userID string) (int, error)
	GetHistory(ctx context.Context, userID string) ([]DebtWithDeductions, error)
	ListActiveDebts(ctx context.Context, userID string) ([]Debt, error)
	ListDeductions(ctx context.Context, debtID string) ([]Deduction, error)
	DeductedOnDay(ctx context.Context, userID string, day time.Time) (int, error)
	DebtorsWithActiveDebts(ctx context.Context) ([]string, error)

	// UsersWithDeductions lists users that have live deductions dated within
	// [from, to]. Correction must revisit these even when their debts are
	// already fully paid, since reversal can reopen them.
	UsersWithDeductions(ctx context.Context, from, to time.Time) ([]string, error)

	// ApplyDeduction atomically decrements the debt's remaining minutes,
	// inserts a deduction row and writes an audit entry.
	ApplyDeduction(ctx context.Context, debtID, timeRecordID string, day time.Time, minutes, excessForDay int) (Deduction, error)

	AdminUpdate(ctx context.Context, debtID string, upd AdminUpdate, reason Reason) (Debt, error)
	Cancel(ctx context.Context, debtID string, reason Reason) (Debt, error)
	SoftDelete(ctx context.Context, debtID string) error

	// RebuildUserDeductions reverses all live deductions for the user dated
	// in [from,to] (restoring remaining minutes, FULLY_PAID back to ACTIVE)
	// and re-derives them from the given day excesses using plan. The whole
	// re-derivation is one atomic unit per user. Cancelled debts are frozen:
	// their deductions are neither reversed nor recreated, and the minutes
	// they hold still occupy part of each day's excess, so re-derivation
	// only allocates the remaining headroom.
	RebuildUserDeductions(ctx context.Context, userID string, from, to time.Time, days []DayExcess, plan PlanFunc) (RebuildResult, error)

	AuditTrail(ctx context.Context, debtID string) ([]audit.Entry, error)
}

// InMemory implements Service with in-process concurrency safety.
// The durable implementation lives in store/pg; this one backs tests and
// the smoke binary.
type InMemory struct {
	mu         sync.Mutex
	debts      map[string]*Debt
	deductions []*Deduction
	rec        audit.Recorder
	now        func() time.Time
}

// NewInMemory creates a fresh ledger writing audit entries to rec.
func NewInMemory(rec audit.Recorder) *InMemory {
	if rec == nil {
		rec = audit.NewMemoryRecorder()
	}
	return &InMemory{
		debts: make(map[string]*Debt),
		rec:   rec,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var _ Service = (*InMemory)(nil)

func requireScope(ctx context.Context) (auth.Scope, error) {
	scope, ok := auth.ScopeFromContext(ctx)
	if !ok {
		return auth.Scope{}, ErrMissingScope
	}
	return scope, nil
}

func (s *InMemory) CreateDebt(ctx context.Context, in CreateDebtInput) (Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return Debt{}, err
	}
	if in.DebtorID == "" {
		return Debt{}, validationf("debtor_id is required")
	}
	if in.MinutesOwed <= 0 {
		return Debt{}, validationf("minutes_owed must be > 0")
	}
	day := Day(in.Date)
	if day.After(Day(s.now())) {
		return Debt{}, validationf("date must not be in the future")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := &Debt{
		ID:               newID(),
		TenantID:         scope.TenantID,
		DebtorID:         in.DebtorID,
		Date:             day,
		MinutesOwed:      in.MinutesOwed,
		RemainingMinutes: in.MinutesOwed,
		Reason:           in.Reason,
		Status:           StatusActive,
		CreatedBy:        scope.ActorID,
		CreatedAt:        s.now(),
	}
	s.debts[d.ID] = d

	entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.create", "debt", d.ID, in.Reason)
	entry.After = audit.Snapshot(d)
	_ = s.rec.Append(ctx, entry)

	return *d, nil
}

func (s *InMemory) GetDebt(ctx context.Context, id string) (Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return Debt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.findLocked(scope.TenantID, id)
	if err != nil {
		return Debt{}, err
	}
	return *d, nil
}

func (s *InMemory) GetBalance(ctx context.Context, userID string) (int, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, d := range s.debts {
		if d.TenantID == scope.TenantID && d.DebtorID == userID && d.Deductible() {
			total += d.RemainingMinutes
		}
	}
	return total, nil
}

func (s *InMemory) GetHistory(ctx context.Context, userID string) ([]DebtWithDeductions, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []DebtWithDeductions
	for _, d := range s.debts {
		if d.TenantID != scope.TenantID || d.DebtorID != userID || d.DeletedAt != nil {
			continue
		}
		row := DebtWithDeductions{Debt: *d}
		for _, ded := range s.deductions {
			if ded.DebtID == d.ID && ded.DeletedAt == nil {
				row.Deductions = append(row.Deductions, *ded)
			}
		}
		sort.Slice(row.Deductions, func(i, j int) bool {
			return row.Deductions[i].Date.Before(row.Deductions[j].Date)
		})
		res = append(res, row)
	}
	sortDebtRows(res)
	return res, nil
}

func (s *InMemory) ListActiveDebts(ctx context.Context, userID string) ([]Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeDebtsLocked(scope.TenantID, userID), nil
}

func (s *InMemory) ListDeductions(ctx context.Context, debtID string) ([]Deduction, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findLocked(scope.TenantID, debtID); err != nil {
		return nil, err
	}
	var res []Deduction
	for _, ded := range s.deductions {
		if ded.DebtID == debtID && ded.DeletedAt == nil {
			res = append(res, *ded)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}

func (s *InMemory) DeductedOnDay(ctx context.Context, userID string, day time.Time) (int, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deductedOnDayLocked(scope.TenantID, userID, Day(day)), nil
}

func (s *InMemory) DebtorsWithActiveDebts(ctx context.Context) ([]string, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	var res []string
	for _, d := range s.debts {
		if d.TenantID != scope.TenantID || !d.Deductible() {
			continue
		}
		if _, ok := seen[d.DebtorID]; ok {
			continue
		}
		seen[d.DebtorID] = struct{}{}
		res = append(res, d.DebtorID)
	}
	sort.Strings(res)
	return res, nil
}

func (s *InMemory) UsersWithDeductions(ctx context.Context, from, to time.Time) ([]string, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	from, to = Day(from), Day(to)
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	var res []string
	for _, ded := range s.deductions {
		if ded.TenantID != scope.TenantID || ded.DeletedAt != nil {
			continue
		}
		if ded.Date.Before(from) || ded.Date.After(to) {
			continue
		}
		if _, ok := seen[ded.UserID]; ok {
			continue
		}
		seen[ded.UserID] = struct{}{}
		res = append(res, ded.UserID)
	}
	sort.Strings(res)
	return res, nil
}

func (s *InMemory) ApplyDeduction(ctx context.Context, debtID, timeRecordID string, day time.Time, minutes, excessForDay int) (Deduction, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return Deduction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.findLocked(scope.TenantID, debtID)
	if err != nil {
		return Deduction{}, err
	}
	ded, err := s.applyLocked(ctx, scope, d, timeRecordID, Day(day), minutes, excessForDay)
	if err != nil {
		return Deduction{}, err
	}
	return *ded, nil
}

// applyLocked performs the deduction mutation. Caller holds the lock and has
// resolved the debt within the scope's tenant.
func (s *InMemory) applyLocked(ctx context.Context, scope auth.Scope, d *Debt, timeRecordID string, day time.Time, minutes, excessForDay int) (*Deduction, error) {
	if minutes <= 0 {
		return nil, validationf("minutes must be > 0")
	}
	if d.Status != StatusActive {
		return nil, &InvalidStateError{Op: "applyDeduction", Status: d.Status}
	}
	if minutes > d.RemainingMinutes {
		err := invariantf("deduction %d exceeds remaining %d on debt %s", minutes, d.RemainingMinutes, d.ID)
		obs.LogError(err.Error(), map[string]any{"debt_id": d.ID, "tenant_id": d.TenantID})
		return nil, err
	}
	already := s.deductedOnDayLocked(d.TenantID, d.DebtorID, day)
	if already+minutes > excessForDay {
		err := invariantf("deductions for %s would exceed day excess %d (already %d, adding %d)",
			day.Format(time.DateOnly), excessForDay, already, minutes)
		obs.LogError(err.Error(), map[string]any{"debt_id": d.ID, "user_id": d.DebtorID})
		return nil, err
	}

	before := audit.Snapshot(d)
	d.RemainingMinutes -= minutes
	if d.RemainingMinutes == 0 {
		d.Status = StatusFullyPaid
	}

	ded := &Deduction{
		ID:              newID(),
		TenantID:        d.TenantID,
		DebtID:          d.ID,
		UserID:          d.DebtorID,
		TimeRecordID:    timeRecordID,
		Date:            day,
		MinutesDeducted: minutes,
		ExcessMinutes:   excessForDay,
		AppliedAt:       s.now(),
	}
	s.deductions = append(s.deductions, ded)
	obs.ObserveDeduction()

	entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.deduction.apply", "debt", d.ID, "")
	entry.Before = before
	entry.After = audit.Snapshot(d)
	_ = s.rec.Append(ctx, entry)

	return ded, nil
}

func (s *InMemory) AdminUpdate(ctx context.Context, debtID string, upd AdminUpdate, reason Reason) (Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return Debt{}, err
	}
	if reason.IsZero() {
		return Debt{}, validationf("reason is required")
	}
	if upd.MinutesOwed == nil && upd.RemainingMinutes == nil {
		return Debt{}, validationf("nothing to update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.findLocked(scope.TenantID, debtID)
	if err != nil {
		return Debt{}, err
	}
	if d.Status == StatusCancelled {
		return Debt{}, &InvalidStateError{Op: "adminUpdate", Status: d.Status}
	}

	owed := d.MinutesOwed
	remaining := d.RemainingMinutes
	if upd.MinutesOwed != nil {
		owed = *upd.MinutesOwed
	}
	if upd.RemainingMinutes != nil {
		remaining = *upd.RemainingMinutes
	}
	if owed <= 0 {
		return Debt{}, validationf("minutes_owed must be > 0")
	}
	if remaining < 0 || remaining > owed {
		return Debt{}, validationf("remaining_minutes must be within [0, minutes_owed]")
	}

	before := audit.Snapshot(d)
	d.MinutesOwed = owed
	d.RemainingMinutes = remaining
	if d.RemainingMinutes == 0 {
		d.Status = StatusFullyPaid
	} else {
		d.Status = StatusActive
	}
	now := s.now()
	d.UpdatedBy = scope.ActorID
	d.UpdatedAt = &now

	entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.admin_update", "debt", d.ID, reason.String())
	entry.Before = before
	entry.After = audit.Snapshot(d)
	_ = s.rec.Append(ctx, entry)

	return *d, nil
}

func (s *InMemory) Cancel(ctx context.Context, debtID string, reason Reason) (Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return Debt{}, err
	}
	if reason.IsZero() {
		return Debt{}, validationf("reason is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.findLocked(scope.TenantID, debtID)
	if err != nil {
		return Debt{}, err
	}
	if d.Status != StatusActive {
		return Debt{}, &InvalidStateError{Op: "cancel", Status: d.Status}
	}

	before := audit.Snapshot(d)
	// Cancellation freezes remaining_minutes at its current value.
	d.Status = StatusCancelled
	now := s.now()
	d.UpdatedBy = scope.ActorID
	d.UpdatedAt = &now

	entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.cancel", "debt", d.ID, reason.String())
	entry.Before = before
	entry.After = audit.Snapshot(d)
	_ = s.rec.Append(ctx, entry)

	return *d, nil
}

func (s *InMemory) SoftDelete(ctx context.Context, debtID string) error {
	scope, err := requireScope(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.findLocked(scope.TenantID, debtID)
	if err != nil {
		return err
	}

	before := audit.Snapshot(d)
	now := s.now()
	d.DeletedBy = scope.ActorID
	d.DeletedAt = &now

	entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.soft_delete", "debt", d.ID, "")
	entry.Before = before
	entry.After = audit.Snapshot(d)
	_ = s.rec.Append(ctx, entry)

	return nil
}

func (s *InMemory) RebuildUserDeductions(ctx context.Context, userID string, from, to time.Time, days []DayExcess, plan PlanFunc) (RebuildResult, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return RebuildResult{}, err
	}
	if plan == nil {
		return RebuildResult{}, validationf("plan function is required")
	}
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return RebuildResult{}, validationf("range end before start")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := RebuildResult{UserID: userID}
	now := s.now()

	// The rebuild runs against staged copies first; live debts, deductions
	// and the audit trail change only once every step has validated, so a
	// failed rebuild leaves no partial state behind.
	staged := map[string]*Debt{}
	for id, d := range s.debts {
		if d.TenantID == scope.TenantID && d.DebtorID == userID && d.DeletedAt == nil {
			cp := *d
			staged[id] = &cp
		}
	}

	// Reverse: mark live deductions in range for soft deletion and restore
	// balances. Deductions on cancelled or deleted debts stay frozen.
	reversed := map[string]*Deduction{}
	touched := map[string]json.RawMessage{}
	for _, ded := range s.deductions {
		if ded.TenantID != scope.TenantID || ded.UserID != userID || ded.DeletedAt != nil {
			continue
		}
		if ded.Date.Before(from) || ded.Date.After(to) {
			continue
		}
		d, ok := staged[ded.DebtID]
		if !ok || d.Status == StatusCancelled {
			continue
		}
		if _, seen := touched[d.ID]; !seen {
			touched[d.ID] = audit.Snapshot(d)
		}
		reversed[ded.ID] = ded
		d.RemainingMinutes += ded.MinutesDeducted
		if d.RemainingMinutes > d.MinutesOwed {
			err := invariantf("reversal overflows minutes_owed on debt %s", d.ID)
			obs.LogError(err.Error(), map[string]any{"debt_id": d.ID})
			return RebuildResult{}, err
		}
		if d.Status == StatusFullyPaid {
			d.Status = StatusActive
		}
		res.ReversedDeductions++
		res.ReversedMinutes += ded.MinutesDeducted
	}

	var entries []audit.Entry
	for debtID, before := range touched {
		entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.deductions.reverse", "debt", debtID, "")
		entry.Before = before
		entry.After = audit.Snapshot(staged[debtID])
		entries = append(entries, entry)
	}

	// Minutes frozen on cancelled debts still occupy part of the day's
	// excess; only the remaining headroom is reallocatable.
	frozenOn := func(day time.Time) int {
		total := 0
		for _, ded := range s.deductions {
			if ded.TenantID != scope.TenantID || ded.UserID != userID || ded.DeletedAt != nil {
				continue
			}
			if _, ok := reversed[ded.ID]; ok {
				continue
			}
			if ded.Date.Equal(day) {
				total += ded.MinutesDeducted
			}
		}
		return total
	}

	// Reapply from scratch, oldest day first.
	ordered := make([]DayExcess, len(days))
	copy(ordered, days)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Date.Before(ordered[j].Date) })
	var created []*Deduction
	for _, day := range ordered {
		if day.ExcessMinutes <= 0 {
			continue
		}
		date := Day(day.Date)
		pool := day.ExcessMinutes - frozenOn(date)
		if pool <= 0 {
			continue
		}
		var actives []Debt
		for _, d := range staged {
			if d.Deductible() {
				actives = append(actives, *d)
			}
		}
		SortForAllocation(actives)
		lines := plan(actives, pool)
		allocated := 0
		for _, line := range lines {
			d, ok := staged[line.DebtID]
			if !ok {
				return RebuildResult{}, ErrNotFound
			}
			if line.Minutes <= 0 {
				return RebuildResult{}, validationf("minutes must be > 0")
			}
			if d.Status != StatusActive {
				return RebuildResult{}, &InvalidStateError{Op: "applyDeduction", Status: d.Status}
			}
			if line.Minutes > d.RemainingMinutes {
				err := invariantf("deduction %d exceeds remaining %d on debt %s", line.Minutes, d.RemainingMinutes, d.ID)
				obs.LogError(err.Error(), map[string]any{"debt_id": d.ID, "tenant_id": d.TenantID})
				return RebuildResult{}, err
			}
			if allocated+line.Minutes > pool {
				err := invariantf("deductions for %s would exceed day excess %d (already %d, adding %d)",
					date.Format(time.DateOnly), day.ExcessMinutes, day.ExcessMinutes-pool+allocated, line.Minutes)
				obs.LogError(err.Error(), map[string]any{"debt_id": d.ID, "user_id": userID})
				return RebuildResult{}, err
			}
			before := audit.Snapshot(d)
			d.RemainingMinutes -= line.Minutes
			if d.RemainingMinutes == 0 {
				d.Status = StatusFullyPaid
			}
			created = append(created, &Deduction{
				ID:              newID(),
				TenantID:        scope.TenantID,
				DebtID:          d.ID,
				UserID:          userID,
				TimeRecordID:    day.TimeRecordID,
				Date:            date,
				MinutesDeducted: line.Minutes,
				ExcessMinutes:   day.ExcessMinutes,
				AppliedAt:       now,
			})
			entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.deduction.apply", "debt", d.ID, "")
			entry.Before = before
			entry.After = audit.Snapshot(d)
			entries = append(entries, entry)
			allocated += line.Minutes
			res.DeductionsCreated++
		}
		res.AppliedMinutes += allocated
		res.UnallocatedMinutes += pool - allocated
	}

	// Commit the staged state.
	for _, ded := range reversed {
		ded.DeletedAt = &now
	}
	for id, d := range staged {
		*s.debts[id] = *d
	}
	s.deductions = append(s.deductions, created...)
	for range created {
		obs.ObserveDeduction()
	}
	for _, entry := range entries {
		_ = s.rec.Append(ctx, entry)
	}

	return res, nil
}

func (s *InMemory) AuditTrail(ctx context.Context, debtID string) ([]audit.Entry, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	return s.rec.ListByEntity(ctx, scope.TenantID, debtID)
}

// --- helpers ---

func (s *InMemory) findLocked(tenantID, id string) (*Debt, error) {
	d, ok := s.debts[id]
	if !ok || d.TenantID != tenantID || d.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *InMemory) activeDebtsLocked(tenantID, userID string) []Debt {
	var res []Debt
	for _, d := range s.debts {
		if d.TenantID == tenantID && d.DebtorID == userID && d.Deductible() {
			res = append(res, *d)
		}
	}
	SortForAllocation(res)
	return res
}

func (s *InMemory) deductedOnDayLocked(tenantID, userID string, day time.Time) int {
	total := 0
	for _, ded := range s.deductions {
		if ded.TenantID == tenantID && ded.UserID == userID && ded.DeletedAt == nil && ded.Date.Equal(day) {
			total += ded.MinutesDeducted
		}
	}
	return total
}

// SortForAllocation orders debts oldest-first, id ascending for determinism.
func SortForAllocation(debts []Debt) {
	sort.Slice(debts, func(i, j int) bool {
		if !debts[i].Date.Equal(debts[j].Date) {
			return debts[i].Date.Before(debts[j].Date)
		}
		return debts[i].ID < debts[j].ID
	})
}

func sortDebtRows(rows []DebtWithDeductions) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].ID < rows[j].ID
	})
}
