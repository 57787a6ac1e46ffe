package store

import (
	"encoding/json"
	"fmt"
	"time"

	"edge-sync/internal/entity"

	"github.com/google/uuid"
)

// Record is the stored state of one entity.
//
// - Seq is the sequence of the last applied change; writes with a lower or
//   equal sequence are ignored.
// - Deleted records are tombstones. They keep Seq so that a redelivered
//   older event stays a no-op, and are purged after a retention period.
type Record struct {
	Ref       entity.Ref
	Attrs     entity.Attributes
	Assigned  entity.ContainerSet
	Seq       int64
	Deleted   bool
	UpdatedAt time.Time
}

// Live reports whether the record holds current entity state.
func (r Record) Live() bool {
	return !r.Deleted
}

// Purgeable checks whether a tombstone is older than before.
func (r Record) Purgeable(before time.Time) bool {
	return r.Deleted && r.UpdatedAt.Before(before)
}

type recordJSON struct {
	Kind      entity.Kind     `json:"kind"`
	ID        uuid.UUID       `json:"id"`
	Attrs     json.RawMessage `json:"attrs,omitempty"`
	Assigned  string          `json:"assigned,omitempty"`
	Seq       int64           `json:"seq"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func encodeRecord(r Record) ([]byte, error) {
	attrs, err := entity.MarshalAttributes(r.Attrs)
	if err != nil {
		return nil, fmt.Errorf("encode %s attributes: %w", r.Ref, err)
	}
	assigned, err := entity.MarshalContainers(r.Assigned)
	if err != nil {
		return nil, fmt.Errorf("encode %s assignments: %w", r.Ref, err)
	}
	return json.Marshal(recordJSON{
		Kind:      r.Ref.Kind,
		ID:        r.Ref.ID,
		Attrs:     attrs,
		Assigned:  assigned,
		Seq:       r.Seq,
		Deleted:   r.Deleted,
		UpdatedAt: r.UpdatedAt,
	})
}

func decodeRecord(data []byte) (Record, error) {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return buildRecord(raw.Kind, raw.ID, raw.Attrs, raw.Assigned, raw.Seq, raw.Deleted, raw.UpdatedAt)
}

func buildRecord(kind entity.Kind, id uuid.UUID, attrs []byte, assigned string, seq int64, deleted bool, updatedAt time.Time) (Record, error) {
	ref := entity.NewRef(kind, id)
	a, err := entity.UnmarshalAttributes(kind, attrs)
	if err != nil {
		return Record{}, fmt.Errorf("decode %s attributes: %w", ref, err)
	}
	set, err := entity.UnmarshalContainers(assigned)
	if err != nil {
		return Record{}, fmt.Errorf("decode %s assignments: %w", ref, err)
	}
	return Record{
		Ref:       ref,
		Attrs:     a,
		Assigned:  set,
		Seq:       seq,
		Deleted:   deleted,
		UpdatedAt: updatedAt,
	}, nil
}
