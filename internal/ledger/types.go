package ledger

import (
	"time"

	"hourbank.org/internal/ids"
)

// Status is the lifecycle state of a Debt.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFullyPaid Status = "FULLY_PAID"
	StatusCancelled Status = "CANCELLED"
)

// Debt is one instance of time owed by a user to the organization.
// Balances are whole minutes. No floats.
type Debt struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	DebtorID         string     `json:"debtor_id"`
	Date             time.Time  `json:"date"` // day incurred, UTC midnight
	MinutesOwed      int        `json:"minutes_owed"`
	RemainingMinutes int        `json:"remaining_minutes"`
	Reason           string     `json:"reason,omitempty"`
	Status           Status     `json:"status"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedBy        string     `json:"updated_by,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
	DeletedBy        string     `json:"deleted_by,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// Deductible reports whether the debt may still receive deductions.
func (d Debt) Deductible() bool {
	return d.Status == StatusActive && d.DeletedAt == nil
}

// Deduction is one allocation of a day's excess minutes against one debt.
// Deductions are derived data: created only by the allocation pass, reversed
// and regenerated wholesale by correct-monthly, never edited in place.
type Deduction struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	DebtID          string     `json:"debt_id"`
	UserID          string     `json:"user_id"`
	TimeRecordID    string     `json:"time_record_id"`
	Date            time.Time  `json:"date"` // day the excess was worked
	MinutesDeducted int        `json:"minutes_deducted"`
	ExcessMinutes   int        `json:"excess_minutes"` // total excess available that day
	AppliedAt       time.Time  `json:"applied_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// DebtWithDeductions is a history row: a debt plus its live deductions.
type DebtWithDeductions struct {
	Debt
	Deductions []Deduction `json:"deductions"`
}

// CreateDebtInput carries the fields accepted at debt creation.
// Reason is optional here; privileged edits require one (see Reason).
type CreateDebtInput struct {
	DebtorID    string    `json:"debtor_id"`
	Date        time.Time `json:"date"`
	MinutesOwed int       `json:"minutes_owed"`
	Reason      string    `json:"reason,omitempty"`
}

// AdminUpdate is a privileged correction of a debt's balances.
// Nil fields are left untouched.
type AdminUpdate struct {
	MinutesOwed      *int `json:"minutes_owed,omitempty"`
	RemainingMinutes *int `json:"remaining_minutes,omitempty"`
}

// AllocationLine is one planned deduction: this many minutes against this debt.
type AllocationLine struct {
	DebtID  string `json:"debt_id"`
	Minutes int    `json:"minutes"`
}

// PlanFunc distributes an excess pool across ordered active debts.
// Implementations must be pure; the ledger calls them inside transactions.
type PlanFunc func(debts []Debt, excess int) []AllocationLine

// DayExcess is the expected excess for one user-day, derived from the time
// source by the reconciliation engine.
type DayExcess struct {
	TimeRecordID  string    `json:"time_record_id"`
	Date          time.Time `json:"date"`
	ExcessMinutes int       `json:"excess_minutes"`
}

// RebuildResult summarizes one user's correct-monthly re-derivation.
type RebuildResult struct {
	UserID             string `json:"user_id"`
	ReversedDeductions int    `json:"reversed_deductions"`
	ReversedMinutes    int    `json:"reversed_minutes"`
	DeductionsCreated  int    `json:"deductions_created"`
	AppliedMinutes     int    `json:"applied_minutes"`
	UnallocatedMinutes int    `json:"unallocated_minutes"`
}

// Day truncates t to UTC midnight. Debt and deduction dates are stored at
// day granularity.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func newID() string {
	return ids.New()
}
