package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"hourbank.org/internal/ids"
)

// Entry is an immutable record of one ledger mutation: who did what to which
// entity, why, and the before/after state. Created once, never mutated.
type Entry struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	ActorID    string          `json:"actor_id"`
	Operation  string          `json:"operation"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Reason     string          `json:"reason,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Recorder persists audit entries. Implementations must treat entries as
// append-only.
type Recorder interface {
	Append(ctx context.Context, entry Entry) error
	ListByEntity(ctx context.Context, tenantID, entityID string) ([]Entry, error)
}

// NewEntry fills the identity and timestamp fields of an entry.
func NewEntry(tenantID, actorID, operation, entityKind, entityID, reason string) Entry {
	return Entry{
		ID:         ids.New(),
		TenantID:   tenantID,
		ActorID:    actorID,
		Operation:  operation,
		EntityKind: entityKind,
		EntityID:   entityID,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
}

// Snapshot serializes an entity state for the before/after fields.
// Marshal failures collapse to null rather than failing the mutation.
func Snapshot(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// MemoryRecorder keeps entries in process. Used by the in-memory ledger and
// in tests; durable storage lives in store/pg.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Append(ctx context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *MemoryRecorder) ListByEntity(ctx context.Context, tenantID, entityID string) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []Entry
	for _, e := range r.entries {
		if e.TenantID == tenantID && e.EntityID == entityID {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}
