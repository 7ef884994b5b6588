// Package timesource is the contract with the external time-tracking
// subsystem. The reconciliation engine only reads finalized daily records;
// mid-session partials never surface here.
package timesource

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is one finalized day of worked minutes for a user.
type Record struct {
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Date    time.Time `json:"date"`
	Minutes int       `json:"minutes"`
}

// Source provides read-only access to finalized worked-minutes records.
type Source interface {
	// WorkedRange returns finalized records for the user within [from, to],
	// ordered by date ascending.
	WorkedRange(ctx context.Context, tenantID, userID string, from, to time.Time) ([]Record, error)
}

// Memory is an in-process Source for tests and the smoke binary.
type Memory struct {
	mu   sync.RWMutex
	recs map[string][]Record // tenant -> records
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[string][]Record)}
}

// Add registers a finalized record.
func (m *Memory) Add(tenantID string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Date = day(rec.Date)
	m.recs[tenantID] = append(m.recs[tenantID], rec)
}

func (m *Memory) WorkedRange(ctx context.Context, tenantID, userID string, from, to time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from, to = day(from), day(to)
	var res []Record
	for _, rec := range m.recs[tenantID] {
		if rec.UserID != userID {
			continue
		}
		if rec.Date.Before(from) || rec.Date.After(to) {
			continue
		}
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
