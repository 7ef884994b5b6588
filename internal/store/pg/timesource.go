package pg

import (
	"context"
	"database/sql"
	"time"

	"hourbank.org/internal/ledger"
	"hourbank.org/internal/timesource"
)

// TimeSource reads finalized worked-minutes records from the time_records
// table the external time-tracking subsystem writes into.
type TimeSource struct {
	db *sql.DB
}

var _ timesource.Source = (*TimeSource)(nil)

func NewTimeSource(db *sql.DB) *TimeSource {
	return &TimeSource{db: db}
}

func (s *TimeSource) WorkedRange(ctx context.Context, tenantID, userID string, from, to time.Time) ([]timesource.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, date, minutes from time_records
		where tenant_id=$1 and user_id=$2 and date between $3 and $4 and finalized
		order by date asc
	`, tenantID, userID, ledger.Day(from), ledger.Day(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []timesource.Record
	for rows.Next() {
		var rec timesource.Record
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Date, &rec.Minutes); err != nil {
			return nil, err
		}
		rec.Date = ledger.Day(rec.Date)
		res = append(res, rec)
	}
	return res, rows.Err()
}
