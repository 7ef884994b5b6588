// Package stream fan-outs ledger activity to live subscribers (the admin
// view listens over SSE while reconciliation runs).
package stream

import (
	"context"
	"sync"
	"time"
)

// DeductionEvent describes one deduction applied against a debt.
type DeductionEvent struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	DebtID    string    `json:"debt_id,omitempty"`
	Date      time.Time `json:"date"`
	Minutes   int       `json:"minutes"`
	Source    string    `json:"source"` // live | review | correct
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs deduction events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan DeductionEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan DeductionEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan DeductionEvent {
	ch := make(chan DeductionEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt DeductionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
