// Package pg is the durable ledger: PostgreSQL with row-level locking on
// the debts a mutation touches. Balance update, deduction insert and audit
// write share one transaction; serialization conflicts are retried a
// bounded number of times before surfacing as ErrConcurrencyConflict.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"hourbank.org/internal/audit"
	"hourbank.org/internal/auth"
	"hourbank.org/internal/ids"
	"hourbank.org/internal/ledger"
	"hourbank.org/internal/obs"
)

const defaultRetries = 3

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	db      *sql.DB
	retries int
	now     func() time.Time
}

var _ ledger.Service = (*Store)(nil)

// Open connects to PostgreSQL with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing database handle (used by tests).
func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		retries: defaultRetries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- transaction plumbing ---

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isLockConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isLockConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	obs.LogError("ledger transaction retries exhausted", map[string]any{"err": lastErr.Error()})
	return ledger.ErrConcurrencyConflict
}

// isLockConflict matches serialization failures and deadlocks, the retryable
// subset of storage errors.
func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func requireScope(ctx context.Context) (auth.Scope, error) {
	scope, ok := auth.ScopeFromContext(ctx)
	if !ok {
		return auth.Scope{}, ledger.ErrMissingScope
	}
	return scope, nil
}

// --- scanning ---

const debtColumns = `id, tenant_id, debtor_id, date, minutes_owed, remaining_minutes,
	coalesce(reason,''), status, created_by, created_at,
	coalesce(updated_by,''), updated_at, coalesce(deleted_by,''), deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDebt(row rowScanner) (ledger.Debt, error) {
	var (
		d         ledger.Debt
		status    string
		updatedAt sql.NullTime
		deletedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.TenantID, &d.DebtorID, &d.Date, &d.MinutesOwed, &d.RemainingMinutes,
		&d.Reason, &status, &d.CreatedBy, &d.CreatedAt,
		&d.UpdatedBy, &updatedAt, &d.DeletedBy, &deletedAt)
	if err != nil {
		return ledger.Debt{}, err
	}
	d.Status = ledger.Status(status)
	d.Date = ledger.Day(d.Date)
	if updatedAt.Valid {
		t := updatedAt.Time
		d.UpdatedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		d.DeletedAt = &t
	}
	return d, nil
}

const deductionColumns = `id, tenant_id, debt_id, user_id, time_record_id, date,
	minutes_deducted, excess_minutes, applied_at, deleted_at`

func scanDeduction(row rowScanner) (ledger.Deduction, error) {
	var (
		ded       ledger.Deduction
		deletedAt sql.NullTime
	)
	err := row.Scan(&ded.ID, &ded.TenantID, &ded.DebtID, &ded.UserID, &ded.TimeRecordID, &ded.Date,
		&ded.MinutesDeducted, &ded.ExcessMinutes, &ded.AppliedAt, &deletedAt)
	if err != nil {
		return ledger.Deduction{}, err
	}
	ded.Date = ledger.Day(ded.Date)
	if deletedAt.Valid {
		t := deletedAt.Time
		ded.DeletedAt = &t
	}
	return ded, nil
}

// --- reads ---

func (s *Store) GetDebt(ctx context.Context, id string) (ledger.Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return ledger.Debt{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`select `+debtColumns+` from debts where id=$1 and tenant_id=$2 and deleted_at is null`,
		id, scope.TenantID)
	d, err := scanDebt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Debt{}, ledger.ErrNotFound
	}
	return d, err
}

func (s *Store) GetBalance(ctx context.Context, userID string) (int, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	err = s.db.QueryRowContext(ctx, `
		select coalesce(sum(remaining_minutes),0) from debts
		where tenant_id=$1 and debtor_id=$2 and status=$3 and deleted_at is null
	`, scope.TenantID, userID, string(ledger.StatusActive)).Scan(&total)
	return total, err
}

func (s *Store) GetHistory(ctx context.Context, userID string) ([]ledger.DebtWithDeductions, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	query, args, err := psql.Select(debtColumns).
		From("debts").
		Where(sq.Eq{"tenant_id": scope.TenantID, "debtor_id": userID, "deleted_at": nil}).
		OrderBy("date asc", "id asc").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.DebtWithDeductions
	index := map[string]int{}
	var debtIDs []string
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, err
		}
		index[d.ID] = len(res)
		debtIDs = append(debtIDs, d.ID)
		res = append(res, ledger.DebtWithDeductions{Debt: d})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(debtIDs) == 0 {
		return res, nil
	}

	query, args, err = psql.Select(deductionColumns).
		From("deductions").
		Where(sq.Eq{"debt_id": debtIDs, "deleted_at": nil}).
		OrderBy("date asc", "id asc").
		ToSql()
	if err != nil {
		return nil, err
	}
	dedRows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer dedRows.Close()
	for dedRows.Next() {
		ded, err := scanDeduction(dedRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[ded.DebtID]; ok {
			res[i].Deductions = append(res[i].Deductions, ded)
		}
	}
	return res, dedRows.Err()
}

func (s *Store) ListActiveDebts(ctx context.Context, userID string) ([]ledger.Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+debtColumns+` from debts
		where tenant_id=$1 and debtor_id=$2 and status=$3 and deleted_at is null
		order by date asc, id asc
	`, scope.TenantID, userID, string(ledger.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ledger.Debt
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s *Store) ListDeductions(ctx context.Context, debtID string) ([]ledger.Deduction, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetDebt(ctx, debtID); err != nil {
		return nil, err
	}
	query, args, err := psql.Select(deductionColumns).
		From("deductions").
		Where(sq.Eq{"tenant_id": scope.TenantID, "debt_id": debtID, "deleted_at": nil}).
		OrderBy("date asc", "id asc").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ledger.Deduction
	for rows.Next() {
		ded, err := scanDeduction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ded)
	}
	return res, rows.Err()
}

func (s *Store) DeductedOnDay(ctx context.Context, userID string, day time.Time) (int, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	err = s.db.QueryRowContext(ctx, `
		select coalesce(sum(minutes_deducted),0) from deductions
		where tenant_id=$1 and user_id=$2 and date=$3 and deleted_at is null
	`, scope.TenantID, userID, ledger.Day(day)).Scan(&total)
	return total, err
}

func (s *Store) DebtorsWithActiveDebts(ctx context.Context) ([]string, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct debtor_id from debts
		where tenant_id=$1 and status=$2 and deleted_at is null
		order by debtor_id asc
	`, scope.TenantID, string(ledger.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (s *Store) UsersWithDeductions(ctx context.Context, from, to time.Time) ([]string, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct user_id from deductions
		where tenant_id=$1 and date between $2 and $3 and deleted_at is null
		order by user_id asc
	`, scope.TenantID, ledger.Day(from), ledger.Day(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (s *Store) AuditTrail(ctx context.Context, debtID string) ([]audit.Entry, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	query, args, err := psql.Select("id", "tenant_id", "actor_id", "operation", "entity_kind",
		"entity_id", "coalesce(reason,'')", "before_state", "after_state", "created_at").
		From("audit_entries").
		Where(sq.Eq{"tenant_id": scope.TenantID, "entity_id": debtID}).
		OrderBy("created_at asc", "id asc").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			before []byte
			after  []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Operation, &e.EntityKind,
			&e.EntityID, &e.Reason, &before, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Before = json.RawMessage(before)
		e.After = json.RawMessage(after)
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- mutations ---

func (s *Store) CreateDebt(ctx context.Context, in ledger.CreateDebtInput) (ledger.Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return ledger.Debt{}, err
	}
	if in.DebtorID == "" {
		return ledger.Debt{}, &ledger.ValidationError{Msg: "debtor_id is required"}
	}
	if in.MinutesOwed <= 0 {
		return ledger.Debt{}, &ledger.ValidationError{Msg: "minutes_owed must be > 0"}
	}
	day := ledger.Day(in.Date)
	if day.After(ledger.Day(s.now())) {
		return ledger.Debt{}, &ledger.ValidationError{Msg: "date must not be in the future"}
	}

	d := ledger.Debt{
		ID:               ids.New(),
		TenantID:         scope.TenantID,
		DebtorID:         in.DebtorID,
		Date:             day,
		MinutesOwed:      in.MinutesOwed,
		RemainingMinutes: in.MinutesOwed,
		Reason:           in.Reason,
		Status:           ledger.StatusActive,
		CreatedBy:        scope.ActorID,
		CreatedAt:        s.now(),
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into debts(id, tenant_id, debtor_id, date, minutes_owed, remaining_minutes,
				reason, status, created_by, created_at)
			values ($1,$2,$3,$4,$5,$6,nullif($7,''),$8,$9,$10)
		`, d.ID, d.TenantID, d.DebtorID, d.Date, d.MinutesOwed, d.RemainingMinutes,
			d.Reason, string(d.Status), d.CreatedBy, d.CreatedAt); err != nil {
			return err
		}
		entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.create", "debt", d.ID, in.Reason)
		entry.After = audit.Snapshot(d)
		return s.insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return ledger.Debt{}, err
	}
	return d, nil
}

func (s *Store) lockDebt(ctx context.Context, tx *sql.Tx, tenantID, id string) (ledger.Debt, error) {
	row := tx.QueryRowContext(ctx,
		`select `+debtColumns+` from debts where id=$1 and tenant_id=$2 and deleted_at is null for update`,
		id, tenantID)
	d, err := scanDebt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Debt{}, ledger.ErrNotFound
	}
	return d, err
}

func (s *Store) ApplyDeduction(ctx context.Context, debtID, timeRecordID string, day time.Time, minutes, excessForDay int) (ledger.Deduction, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return ledger.Deduction{}, err
	}
	if minutes <= 0 {
		return ledger.Deduction{}, &ledger.ValidationError{Msg: "minutes must be > 0"}
	}
	day = ledger.Day(day)

	var ded ledger.Deduction
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.lockDebt(ctx, tx, scope.TenantID, debtID)
		if err != nil {
			return err
		}
		out, err := s.applyInTx(ctx, tx, scope, &d, timeRecordID, day, minutes, excessForDay)
		if err != nil {
			return err
		}
		ded = out
		return nil
	})
	if err != nil {
		return ledger.Deduction{}, err
	}
	return ded, nil
}

// applyInTx performs the deduction against an already-locked debt and keeps
// the caller's copy in sync.
func (s *Store) applyInTx(ctx context.Context, tx *sql.Tx, scope auth.Scope, d *ledger.Debt, timeRecordID string, day time.Time, minutes, excessForDay int) (ledger.Deduction, error) {
	if d.Status != ledger.StatusActive {
		return ledger.Deduction{}, &ledger.InvalidStateError{Op: "applyDeduction", Status: d.Status}
	}
	if minutes > d.RemainingMinutes {
		err := &ledger.InvariantViolation{Msg: "deduction exceeds remaining minutes on debt " + d.ID}
		obs.LogError(err.Error(), map[string]any{"debt_id": d.ID, "tenant_id": d.TenantID})
		return ledger.Deduction{}, err
	}

	var already int
	if err := tx.QueryRowContext(ctx, `
		select coalesce(sum(minutes_deducted),0) from deductions
		where tenant_id=$1 and user_id=$2 and date=$3 and deleted_at is null
	`, d.TenantID, d.DebtorID, day).Scan(&already); err != nil {
		return ledger.Deduction{}, err
	}
	if already+minutes > excessForDay {
		err := &ledger.InvariantViolation{Msg: "deductions would exceed day excess for user " + d.DebtorID}
		obs.LogError(err.Error(), map[string]any{"debt_id": d.ID, "user_id": d.DebtorID})
		return ledger.Deduction{}, err
	}

	before := audit.Snapshot(d)
	d.RemainingMinutes -= minutes
	if d.RemainingMinutes == 0 {
		d.Status = ledger.StatusFullyPaid
	}
	if _, err := tx.ExecContext(ctx, `
		update debts set remaining_minutes=$3, status=$4 where id=$1 and tenant_id=$2
	`, d.ID, d.TenantID, d.RemainingMinutes, string(d.Status)); err != nil {
		return ledger.Deduction{}, err
	}

	ded := ledger.Deduction{
		ID:              ids.New(),
		TenantID:        d.TenantID,
		DebtID:          d.ID,
		UserID:          d.DebtorID,
		TimeRecordID:    timeRecordID,
		Date:            day,
		MinutesDeducted: minutes,
		ExcessMinutes:   excessForDay,
		AppliedAt:       s.now(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into deductions(id, tenant_id, debt_id, user_id, time_record_id, date,
			minutes_deducted, excess_minutes, applied_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ded.ID, ded.TenantID, ded.DebtID, ded.UserID, ded.TimeRecordID, ded.Date,
		ded.MinutesDeducted, ded.ExcessMinutes, ded.AppliedAt); err != nil {
		return ledger.Deduction{}, err
	}
	obs.ObserveDeduction()

	entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.deduction.apply", "debt", d.ID, "")
	entry.Before = before
	entry.After = audit.Snapshot(d)
	if err := s.insertAudit(ctx, tx, entry); err != nil {
		return ledger.Deduction{}, err
	}
	return ded, nil
}

func (s *Store) AdminUpdate(ctx context.Context, debtID string, upd ledger.AdminUpdate, reason ledger.Reason) (ledger.Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return ledger.Debt{}, err
	}
	if reason.IsZero() {
		return ledger.Debt{}, &ledger.ValidationError{Msg: "reason is required"}
	}
	if upd.MinutesOwed == nil && upd.RemainingMinutes == nil {
		return ledger.Debt{}, &ledger.ValidationError{Msg: "nothing to update"}
	}

	var out ledger.Debt
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.lockDebt(ctx, tx, scope.TenantID, debtID)
		if err != nil {
			return err
		}
		if d.Status == ledger.StatusCancelled {
			return &ledger.InvalidStateError{Op: "adminUpdate", Status: d.Status}
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
			return &ledger.ValidationError{Msg: "minutes_owed must be > 0"}
		}
		if remaining < 0 || remaining > owed {
			return &ledger.ValidationError{Msg: "remaining_minutes must be within [0, minutes_owed]"}
		}

		before := audit.Snapshot(d)
		d.MinutesOwed = owed
		d.RemainingMinutes = remaining
		if remaining == 0 {
			d.Status = ledger.StatusFullyPaid
		} else {
			d.Status = ledger.StatusActive
		}
		now := s.now()
		d.UpdatedBy = scope.ActorID
		d.UpdatedAt = &now
		if _, err := tx.ExecContext(ctx, `
			update debts set minutes_owed=$3, remaining_minutes=$4, status=$5, updated_by=$6, updated_at=$7
			where id=$1 and tenant_id=$2
		`, d.ID, d.TenantID, owed, remaining, string(d.Status), scope.ActorID, now); err != nil {
			return err
		}

		entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.admin_update", "debt", d.ID, reason.String())
		entry.Before = before
		entry.After = audit.Snapshot(d)
		if err := s.insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return ledger.Debt{}, err
	}
	return out, nil
}

func (s *Store) Cancel(ctx context.Context, debtID string, reason ledger.Reason) (ledger.Debt, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return ledger.Debt{}, err
	}
	if reason.IsZero() {
		return ledger.Debt{}, &ledger.ValidationError{Msg: "reason is required"}
	}

	var out ledger.Debt
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.lockDebt(ctx, tx, scope.TenantID, debtID)
		if err != nil {
			return err
		}
		if d.Status != ledger.StatusActive {
			return &ledger.InvalidStateError{Op: "cancel", Status: d.Status}
		}

		before := audit.Snapshot(d)
		// Cancellation freezes remaining_minutes at its current value.
		d.Status = ledger.StatusCancelled
		now := s.now()
		d.UpdatedBy = scope.ActorID
		d.UpdatedAt = &now
		if _, err := tx.ExecContext(ctx, `
			update debts set status=$3, updated_by=$4, updated_at=$5 where id=$1 and tenant_id=$2
		`, d.ID, d.TenantID, string(d.Status), scope.ActorID, now); err != nil {
			return err
		}

		entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.cancel", "debt", d.ID, reason.String())
		entry.Before = before
		entry.After = audit.Snapshot(d)
		if err := s.insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return ledger.Debt{}, err
	}
	return out, nil
}

func (s *Store) SoftDelete(ctx context.Context, debtID string) error {
	scope, err := requireScope(ctx)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.lockDebt(ctx, tx, scope.TenantID, debtID)
		if err != nil {
			return err
		}
		before := audit.Snapshot(d)
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			update debts set deleted_by=$3, deleted_at=$4 where id=$1 and tenant_id=$2
		`, d.ID, d.TenantID, scope.ActorID, now); err != nil {
			return err
		}
		d.DeletedBy = scope.ActorID
		d.DeletedAt = &now

		entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.soft_delete", "debt", d.ID, "")
		entry.Before = before
		entry.After = audit.Snapshot(d)
		return s.insertAudit(ctx, tx, entry)
	})
}

func (s *Store) RebuildUserDeductions(ctx context.Context, userID string, from, to time.Time, days []ledger.DayExcess, plan ledger.PlanFunc) (ledger.RebuildResult, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return ledger.RebuildResult{}, err
	}
	if plan == nil {
		return ledger.RebuildResult{}, &ledger.ValidationError{Msg: "plan function is required"}
	}
	from, to = ledger.Day(from), ledger.Day(to)
	if to.Before(from) {
		return ledger.RebuildResult{}, &ledger.ValidationError{Msg: "range end before start"}
	}

	res := ledger.RebuildResult{UserID: userID}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res = ledger.RebuildResult{UserID: userID}

		// Lock every live debt of the user up front; id order keeps lock
		// acquisition stable across concurrent rebuilds.
		rows, err := tx.QueryContext(ctx, `
			select `+debtColumns+` from debts
			where tenant_id=$1 and debtor_id=$2 and deleted_at is null
			order by id asc
			for update
		`, scope.TenantID, userID)
		if err != nil {
			return err
		}
		debts := map[string]*ledger.Debt{}
		for rows.Next() {
			d, err := scanDebt(rows)
			if err != nil {
				rows.Close()
				return err
			}
			debts[d.ID] = &d
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// Reverse live deductions in range. Cancelled debts stay frozen.
		dedRows, err := tx.QueryContext(ctx, `
			select `+deductionColumns+` from deductions
			where tenant_id=$1 and user_id=$2 and date between $3 and $4 and deleted_at is null
			order by id asc
		`, scope.TenantID, userID, from, to)
		if err != nil {
			return err
		}
		var reversals []ledger.Deduction
		for dedRows.Next() {
			ded, err := scanDeduction(dedRows)
			if err != nil {
				dedRows.Close()
				return err
			}
			reversals = append(reversals, ded)
		}
		dedRows.Close()
		if err := dedRows.Err(); err != nil {
			return err
		}

		now := s.now()
		touched := map[string]json.RawMessage{}
		for _, ded := range reversals {
			d, ok := debts[ded.DebtID]
			if !ok || d.Status == ledger.StatusCancelled {
				continue
			}
			if _, seen := touched[d.ID]; !seen {
				touched[d.ID] = audit.Snapshot(d)
			}
			if _, err := tx.ExecContext(ctx,
				`update deductions set deleted_at=$2 where id=$1`, ded.ID, now); err != nil {
				return err
			}
			d.RemainingMinutes += ded.MinutesDeducted
			if d.RemainingMinutes > d.MinutesOwed {
				err := &ledger.InvariantViolation{Msg: "reversal overflows minutes_owed on debt " + d.ID}
				obs.LogError(err.Error(), map[string]any{"debt_id": d.ID})
				return err
			}
			if d.Status == ledger.StatusFullyPaid {
				d.Status = ledger.StatusActive
			}
			res.ReversedDeductions++
			res.ReversedMinutes += ded.MinutesDeducted
		}
		for debtID, before := range touched {
			d := debts[debtID]
			if _, err := tx.ExecContext(ctx, `
				update debts set remaining_minutes=$3, status=$4 where id=$1 and tenant_id=$2
			`, d.ID, d.TenantID, d.RemainingMinutes, string(d.Status)); err != nil {
				return err
			}
			entry := audit.NewEntry(scope.TenantID, scope.ActorID, "debt.deductions.reverse", "debt", d.ID, "")
			entry.Before = before
			entry.After = audit.Snapshot(d)
			if err := s.insertAudit(ctx, tx, entry); err != nil {
				return err
			}
		}

		// Reapply from scratch, oldest day first, against the locked set.
		ordered := make([]ledger.DayExcess, len(days))
		copy(ordered, days)
		sortDays(ordered)
		for _, day := range ordered {
			if day.ExcessMinutes <= 0 {
				continue
			}
			date := ledger.Day(day.Date)
			// Minutes frozen on cancelled debts were not reversed above and
			// still occupy part of the day's excess; only the remaining
			// headroom is reallocatable.
			var frozen int
			if err := tx.QueryRowContext(ctx, `
				select coalesce(sum(minutes_deducted),0) from deductions
				where tenant_id=$1 and user_id=$2 and date=$3 and deleted_at is null
			`, scope.TenantID, userID, date).Scan(&frozen); err != nil {
				return err
			}
			pool := day.ExcessMinutes - frozen
			if pool <= 0 {
				continue
			}
			var actives []ledger.Debt
			for _, d := range debts {
				if d.Deductible() {
					actives = append(actives, *d)
				}
			}
			lines := plan(actives, pool)
			allocated := 0
			for _, line := range lines {
				d, ok := debts[line.DebtID]
				if !ok {
					return ledger.ErrNotFound
				}
				if _, err := s.applyInTx(ctx, tx, scope, d, day.TimeRecordID, date, line.Minutes, day.ExcessMinutes); err != nil {
					return err
				}
				allocated += line.Minutes
				res.DeductionsCreated++
			}
			res.AppliedMinutes += allocated
			res.UnallocatedMinutes += pool - allocated
		}
		return nil
	})
	if err != nil {
		return ledger.RebuildResult{}, err
	}
	return res, nil
}

func (s *Store) insertAudit(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	before := entry.Before
	if before == nil {
		before = json.RawMessage("null")
	}
	after := entry.After
	if after == nil {
		after = json.RawMessage("null")
	}
	_, err := tx.ExecContext(ctx, `
		insert into audit_entries(id, tenant_id, actor_id, operation, entity_kind, entity_id,
			reason, before_state, after_state, created_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),$8,$9,$10)
	`, entry.ID, entry.TenantID, entry.ActorID, entry.Operation, entry.EntityKind, entry.EntityID,
		entry.Reason, []byte(before), []byte(after), entry.CreatedAt)
	return err
}

func sortDays(days []ledger.DayExcess) {
	sort.Slice(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
}
