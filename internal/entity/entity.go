package entity

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind tags the type of a managed entity.
type Kind string

const (
	KindDashboard Kind = "DASHBOARD"
	KindCustomer  Kind = "CUSTOMER"
	KindAsset     Kind = "ASSET"
)

// Kinds lists every supported kind in apply order: containers first.
var Kinds = []Kind{KindCustomer, KindAsset, KindDashboard}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDashboard, KindCustomer, KindAsset:
		return true
	}
	return false
}

// HasAssignments reports whether entities of this kind carry a relationship set.
func (k Kind) HasAssignments() bool {
	return k == KindDashboard
}

// Ref identifies one entity. Immutable once assigned.
type Ref struct {
	Kind Kind      `json:"entityType"`
	ID   uuid.UUID `json:"id"`
}

func NewRef(kind Kind, id uuid.UUID) Ref {
	return Ref{Kind: kind, ID: id}
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

// SplitID returns the most and least significant halves of id.
func SplitID(id uuid.UUID) (msb, lsb int64) {
	msb = int64(binary.BigEndian.Uint64(id[:8]))
	lsb = int64(binary.BigEndian.Uint64(id[8:]))
	return msb, lsb
}

// JoinID rebuilds an id from its two halves. It is the exact inverse of SplitID.
func JoinID(msb, lsb int64) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], uint64(msb))
	binary.BigEndian.PutUint64(id[8:], uint64(lsb))
	return id
}

// Op is the kind of mutation a change event describes.
type Op string

const (
	OpCreated Op = "CREATED"
	OpUpdated Op = "UPDATED"
	OpDeleted Op = "DELETED"
)

var ErrInvalidEvent = errors.New("invalid change event")

// ChangeEvent is produced once per mutating operation and never mutated afterwards.
//
// Assigned is nil when the event does not carry the relationship set and
// empty when the entity has no assignments.
type ChangeEvent struct {
	Ref      Ref
	Op       Op
	Attrs    Attributes
	Assigned ContainerSet
	Seq      int64
}

// Validate checks the structural invariants of the event.
func (e ChangeEvent) Validate() error {
	if !e.Ref.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Ref.Kind)
	}
	if e.Ref.ID == uuid.Nil {
		return fmt.Errorf("%w: nil id for %s", ErrInvalidEvent, e.Ref.Kind)
	}
	if e.Seq <= 0 {
		return fmt.Errorf("%w: non-positive sequence %d for %s", ErrInvalidEvent, e.Seq, e.Ref)
	}

	switch e.Op {
	case OpCreated, OpUpdated:
		if e.Attrs == nil {
			return fmt.Errorf("%w: %s %s without attributes", ErrInvalidEvent, e.Op, e.Ref)
		}
		if e.Attrs.Kind() != e.Ref.Kind {
			return fmt.Errorf("%w: %s attributes on %s", ErrInvalidEvent, e.Attrs.Kind(), e.Ref)
		}
		if e.Assigned != nil && !e.Ref.Kind.HasAssignments() {
			return fmt.Errorf("%w: %s does not support assignments", ErrInvalidEvent, e.Ref.Kind)
		}
	case OpDeleted:
		if e.Attrs != nil || e.Assigned != nil {
			return fmt.Errorf("%w: delete of %s carries state", ErrInvalidEvent, e.Ref)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidEvent, e.Op)
	}
	return nil
}
