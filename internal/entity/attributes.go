package entity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Attributes is the type-specific attribute snapshot of an entity.
type Attributes interface {
	Kind() Kind
}

type Dashboard struct {
	Title         string `json:"title"`
	Image         string `json:"image,omitempty"`
	Configuration string `json:"configuration,omitempty"`
	MobileOrder   int32  `json:"mobileOrder,omitempty"`
	MobileHide    bool   `json:"mobileHide,omitempty"`
}

func (Dashboard) Kind() Kind { return KindDashboard }

type Customer struct {
	Title   string `json:"title"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	Address string `json:"address,omitempty"`
	Public  bool   `json:"public,omitempty"`
}

func (Customer) Kind() Kind { return KindCustomer }

// Asset may belong to a single customer; a zero CustomerID means unassigned.
type Asset struct {
	Name       string    `json:"name"`
	Type       string    `json:"type,omitempty"`
	Label      string    `json:"label,omitempty"`
	CustomerID uuid.UUID `json:"customerId"`
}

func (Asset) Kind() Kind { return KindAsset }

// MarshalAttributes encodes attributes for storage.
func MarshalAttributes(a Attributes) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// UnmarshalAttributes decodes stored attributes of the given kind.
// Empty data decodes to nil attributes.
func UnmarshalAttributes(kind Kind, data []byte) (Attributes, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch kind {
	case KindDashboard:
		var d Dashboard
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindCustomer:
		var c Customer
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindAsset:
		var a Asset
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, fmt.Errorf("unmarshal attributes: unknown kind %q", kind)
}
