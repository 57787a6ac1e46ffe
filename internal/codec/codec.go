// Package codec converts change events to typed wire envelopes and back.
//
// Each entity kind registers its own encode/decode pair; DELETED envelopes
// carry only the reference and sequence. Ids travel as two int64 halves.
package codec

import (
	"fmt"

	"edge-sync/internal/entity"

	"github.com/google/uuid"
)

type kindCodec struct {
	encode func(ev entity.ChangeEvent, msgType UpdateMsgType) (Message, error)
	decode func(msg Message) (entity.Attributes, entity.ContainerSet, error)
}

var codecs = map[entity.Kind]kindCodec{
	entity.KindDashboard: {encode: encodeDashboard, decode: decodeDashboard},
	entity.KindCustomer:  {encode: encodeCustomer, decode: decodeCustomer},
	entity.KindAsset:     {encode: encodeAsset, decode: decodeAsset},
}

var opToMsgType = map[entity.Op]UpdateMsgType{
	entity.OpCreated: EntityCreated,
	entity.OpUpdated: EntityUpdated,
	entity.OpDeleted: EntityDeleted,
}

var msgTypeToOp = map[UpdateMsgType]entity.Op{
	EntityCreated: entity.OpCreated,
	EntityUpdated: entity.OpUpdated,
	EntityDeleted: entity.OpDeleted,
}

// Encode converts a valid event into its envelope.
func Encode(ev entity.ChangeEvent) (Message, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	c, ok := codecs[ev.Ref.Kind]
	if !ok {
		return nil, fmt.Errorf("encode: no codec for %s", ev.Ref.Kind)
	}
	return c.encode(ev, opToMsgType[ev.Op])
}

// Decode converts an envelope back into a change event. Malformed envelopes
// return an error wrapping ErrDecode.
func Decode(msg Message) (entity.ChangeEvent, error) {
	if msg == nil {
		return entity.ChangeEvent{}, fmt.Errorf("%w: nil message", ErrDecode)
	}
	kind := msg.EntityKind()
	c, ok := codecs[kind]
	if !ok {
		return entity.ChangeEvent{}, fmt.Errorf("%w: no codec for %s", ErrDecode, kind)
	}
	op, ok := msgTypeToOp[msg.UpdateType()]
	if !ok {
		return entity.ChangeEvent{}, fmt.Errorf("%w: unknown msgType %q", ErrDecode, msg.UpdateType())
	}

	ev := entity.ChangeEvent{
		Ref: entity.NewRef(kind, msg.EntityID()),
		Op:  op,
		Seq: msg.Sequence(),
	}
	if op != entity.OpDeleted {
		attrs, assigned, err := c.decode(msg)
		if err != nil {
			return entity.ChangeEvent{}, fmt.Errorf("%w: %s: %v", ErrDecode, ev.Ref, err)
		}
		ev.Attrs = attrs
		ev.Assigned = assigned
	}

	if err := ev.Validate(); err != nil {
		return entity.ChangeEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return ev, nil
}

// EncodeBatch encodes events into a single batch, preserving per-type order.
func EncodeBatch(events []entity.ChangeEvent) (*Batch, error) {
	b := &Batch{}
	for _, ev := range events {
		msg, err := Encode(ev)
		if err != nil {
			return nil, err
		}
		b.Add(msg)
	}
	return b, nil
}

func encodeDashboard(ev entity.ChangeEvent, msgType UpdateMsgType) (Message, error) {
	msb, lsb := entity.SplitID(ev.Ref.ID)
	msg := &DashboardUpdateMsg{IDMSB: msb, IDLSB: lsb, MsgType: msgType, Seq: ev.Seq}
	if ev.Op == entity.OpDeleted {
		return msg, nil
	}

	d, ok := ev.Attrs.(entity.Dashboard)
	if !ok {
		return nil, fmt.Errorf("encode %s: unexpected attributes %T", ev.Ref, ev.Attrs)
	}
	msg.Title = d.Title
	msg.Image = d.Image
	msg.Configuration = d.Configuration
	msg.MobileOrder = d.MobileOrder
	msg.MobileHide = d.MobileHide

	assigned, err := entity.MarshalContainers(ev.Assigned)
	if err != nil {
		return nil, fmt.Errorf("encode assigned customers of %s: %w", ev.Ref, err)
	}
	msg.AssignedCustomers = assigned
	return msg, nil
}

func decodeDashboard(msg Message) (entity.Attributes, entity.ContainerSet, error) {
	m, ok := msg.(*DashboardUpdateMsg)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected %T for dashboard", msg)
	}
	assigned, err := entity.UnmarshalContainers(m.AssignedCustomers)
	if err != nil {
		return nil, nil, err
	}
	return entity.Dashboard{
		Title:         m.Title,
		Image:         m.Image,
		Configuration: m.Configuration,
		MobileOrder:   m.MobileOrder,
		MobileHide:    m.MobileHide,
	}, assigned, nil
}

func encodeCustomer(ev entity.ChangeEvent, msgType UpdateMsgType) (Message, error) {
	msb, lsb := entity.SplitID(ev.Ref.ID)
	msg := &CustomerUpdateMsg{IDMSB: msb, IDLSB: lsb, MsgType: msgType, Seq: ev.Seq}
	if ev.Op == entity.OpDeleted {
		return msg, nil
	}

	c, ok := ev.Attrs.(entity.Customer)
	if !ok {
		return nil, fmt.Errorf("encode %s: unexpected attributes %T", ev.Ref, ev.Attrs)
	}
	msg.Title = c.Title
	msg.Email = c.Email
	msg.Phone = c.Phone
	msg.Country = c.Country
	msg.City = c.City
	msg.Address = c.Address
	msg.Public = c.Public
	return msg, nil
}

func decodeCustomer(msg Message) (entity.Attributes, entity.ContainerSet, error) {
	m, ok := msg.(*CustomerUpdateMsg)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected %T for customer", msg)
	}
	return entity.Customer{
		Title:   m.Title,
		Email:   m.Email,
		Phone:   m.Phone,
		Country: m.Country,
		City:    m.City,
		Address: m.Address,
		Public:  m.Public,
	}, nil, nil
}

func encodeAsset(ev entity.ChangeEvent, msgType UpdateMsgType) (Message, error) {
	msb, lsb := entity.SplitID(ev.Ref.ID)
	msg := &AssetUpdateMsg{IDMSB: msb, IDLSB: lsb, MsgType: msgType, Seq: ev.Seq}
	if ev.Op == entity.OpDeleted {
		return msg, nil
	}

	a, ok := ev.Attrs.(entity.Asset)
	if !ok {
		return nil, fmt.Errorf("encode %s: unexpected attributes %T", ev.Ref, ev.Attrs)
	}
	msg.Name = a.Name
	msg.Type = a.Type
	msg.Label = a.Label
	if a.CustomerID != uuid.Nil {
		msg.CustomerIDMSB, msg.CustomerIDLSB = entity.SplitID(a.CustomerID)
	}
	return msg, nil
}

func decodeAsset(msg Message) (entity.Attributes, entity.ContainerSet, error) {
	m, ok := msg.(*AssetUpdateMsg)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected %T for asset", msg)
	}
	return entity.Asset{
		Name:       m.Name,
		Type:       m.Type,
		Label:      m.Label,
		CustomerID: entity.JoinID(m.CustomerIDMSB, m.CustomerIDLSB),
	}, nil, nil
}
