package entity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ContainerInfo is a lightweight reference to a container (a customer)
// together with the display attributes the contained entity keeps.
type ContainerInfo struct {
	ID     uuid.UUID
	Title  string
	Public bool
}

// ContainerSet is the set of containers an entity is assigned to.
// Order is insertion order; ids are unique.
type ContainerSet []ContainerInfo

// EmptyContainers returns a non-nil empty set, meaning "no assignments".
func EmptyContainers() ContainerSet {
	return ContainerSet{}
}

func (s ContainerSet) Contains(id uuid.UUID) bool {
	for _, c := range s {
		if c.ID == id {
			return true
		}
	}
	return false
}

// With returns a copy of s containing c. An existing entry with the same id
// is replaced in place.
func (s ContainerSet) With(c ContainerInfo) ContainerSet {
	out := make(ContainerSet, 0, len(s)+1)
	replaced := false
	for _, existing := range s {
		if existing.ID == c.ID {
			out = append(out, c)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, c)
	}
	return out
}

// Without returns a copy of s without id. The result is never nil.
func (s ContainerSet) Without(id uuid.UUID) ContainerSet {
	out := make(ContainerSet, 0, len(s))
	for _, existing := range s {
		if existing.ID != id {
			out = append(out, existing)
		}
	}
	return out
}

// Clone returns a copy that preserves the nil/empty distinction.
func (s ContainerSet) Clone() ContainerSet {
	if s == nil {
		return nil
	}
	out := make(ContainerSet, len(s))
	copy(out, s)
	return out
}

type containerIDJSON struct {
	EntityType Kind      `json:"entityType"`
	ID         uuid.UUID `json:"id"`
}

type containerInfoJSON struct {
	CustomerID containerIDJSON `json:"customerId"`
	Title      string          `json:"title"`
	Public     bool            `json:"public"`
}

// MarshalContainers serializes a set into its compact wire string.
// A nil set encodes to "" and an empty set to "[]".
func MarshalContainers(s ContainerSet) (string, error) {
	if s == nil {
		return "", nil
	}
	items := make([]containerInfoJSON, 0, len(s))
	for _, c := range s {
		items = append(items, containerInfoJSON{
			CustomerID: containerIDJSON{EntityType: KindCustomer, ID: c.ID},
			Title:      c.Title,
			Public:     c.Public,
		})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalContainers is the inverse of MarshalContainers.
func UnmarshalContainers(raw string) (ContainerSet, error) {
	if raw == "" {
		return nil, nil
	}
	var items []containerInfoJSON
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("unmarshal containers: %w", err)
	}
	out := make(ContainerSet, 0, len(items))
	for _, it := range items {
		out = append(out, ContainerInfo{ID: it.CustomerID.ID, Title: it.Title, Public: it.Public})
	}
	return out, nil
}
