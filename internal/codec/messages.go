package codec

import (
	"edge-sync/internal/entity"

	"github.com/google/uuid"
)

// UpdateMsgType is the operation carried by an update message.
type UpdateMsgType string

const (
	EntityCreated UpdateMsgType = "ENTITY_CREATED"
	EntityUpdated UpdateMsgType = "ENTITY_UPDATED"
	EntityDeleted UpdateMsgType = "ENTITY_DELETED"
)

// Message is one per-type update envelope.
type Message interface {
	EntityKind() entity.Kind
	UpdateType() UpdateMsgType
	EntityID() uuid.UUID
	Sequence() int64
}

// DashboardUpdateMsg is the wire form of a dashboard change.
// AssignedCustomers holds the serialized relationship set; empty means the
// set is not carried.
type DashboardUpdateMsg struct {
	IDMSB             int64         `json:"idMSB"`
	IDLSB             int64         `json:"idLSB"`
	MsgType           UpdateMsgType `json:"msgType"`
	Seq               int64         `json:"seq"`
	Title             string        `json:"title,omitempty"`
	Image             string        `json:"image,omitempty"`
	Configuration     string        `json:"configuration,omitempty"`
	MobileOrder       int32         `json:"mobileOrder,omitempty"`
	MobileHide        bool          `json:"mobileHide,omitempty"`
	AssignedCustomers string        `json:"assignedCustomers,omitempty"`
}

func (m *DashboardUpdateMsg) EntityKind() entity.Kind   { return entity.KindDashboard }
func (m *DashboardUpdateMsg) UpdateType() UpdateMsgType { return m.MsgType }
func (m *DashboardUpdateMsg) EntityID() uuid.UUID       { return entity.JoinID(m.IDMSB, m.IDLSB) }
func (m *DashboardUpdateMsg) Sequence() int64           { return m.Seq }

type CustomerUpdateMsg struct {
	IDMSB   int64         `json:"idMSB"`
	IDLSB   int64         `json:"idLSB"`
	MsgType UpdateMsgType `json:"msgType"`
	Seq     int64         `json:"seq"`
	Title   string        `json:"title,omitempty"`
	Email   string        `json:"email,omitempty"`
	Phone   string        `json:"phone,omitempty"`
	Country string        `json:"country,omitempty"`
	City    string        `json:"city,omitempty"`
	Address string        `json:"address,omitempty"`
	Public  bool          `json:"isPublic,omitempty"`
}

func (m *CustomerUpdateMsg) EntityKind() entity.Kind   { return entity.KindCustomer }
func (m *CustomerUpdateMsg) UpdateType() UpdateMsgType { return m.MsgType }
func (m *CustomerUpdateMsg) EntityID() uuid.UUID       { return entity.JoinID(m.IDMSB, m.IDLSB) }
func (m *CustomerUpdateMsg) Sequence() int64           { return m.Seq }

type AssetUpdateMsg struct {
	IDMSB         int64         `json:"idMSB"`
	IDLSB         int64         `json:"idLSB"`
	MsgType       UpdateMsgType `json:"msgType"`
	Seq           int64         `json:"seq"`
	Name          string        `json:"name,omitempty"`
	Type          string        `json:"type,omitempty"`
	Label         string        `json:"label,omitempty"`
	CustomerIDMSB int64         `json:"customerIdMSB,omitempty"`
	CustomerIDLSB int64         `json:"customerIdLSB,omitempty"`
}

func (m *AssetUpdateMsg) EntityKind() entity.Kind   { return entity.KindAsset }
func (m *AssetUpdateMsg) UpdateType() UpdateMsgType { return m.MsgType }
func (m *AssetUpdateMsg) EntityID() uuid.UUID       { return entity.JoinID(m.IDMSB, m.IDLSB) }
func (m *AssetUpdateMsg) Sequence() int64           { return m.Seq }
