package codec

import (
	"fmt"
	"testing"

	"edge-sync/internal/entity"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const image = "data:image/png;base64,iVBORw0KGgoA"

func TestEncodeDashboardCreated(t *testing.T) {
	id := uuid.New()
	ev := entity.ChangeEvent{
		Ref: entity.NewRef(entity.KindDashboard, id),
		Op:  entity.OpCreated,
		Attrs: entity.Dashboard{
			Title:       "Edge Test Dashboard",
			Image:       image,
			MobileOrder: 5,
			MobileHide:  true,
		},
		Assigned: entity.EmptyContainers(),
		Seq:      42,
	}

	msg, err := Encode(ev)
	require.NoError(t, err)

	d, ok := msg.(*DashboardUpdateMsg)
	require.True(t, ok)

	msb, lsb := entity.SplitID(id)
	assert.Equal(t, EntityCreated, d.MsgType)
	assert.Equal(t, msb, d.IDMSB)
	assert.Equal(t, lsb, d.IDLSB)
	assert.Equal(t, "Edge Test Dashboard", d.Title)
	assert.Equal(t, image, d.Image)
	assert.Equal(t, int32(5), d.MobileOrder)
	assert.True(t, d.MobileHide)
	assert.Equal(t, "[]", d.AssignedCustomers)
	assert.Equal(t, int64(42), d.Seq)
}

func TestEncodeDeletedCarriesOnlyReference(t *testing.T) {
	id := uuid.New()
	msg, err := Encode(entity.ChangeEvent{
		Ref: entity.NewRef(entity.KindDashboard, id),
		Op:  entity.OpDeleted,
		Seq: 7,
	})
	require.NoError(t, err)

	msb, lsb := entity.SplitID(id)
	assert.Equal(t, &DashboardUpdateMsg{IDMSB: msb, IDLSB: lsb, MsgType: EntityDeleted, Seq: 7}, msg)
}

func TestEncodeRejectsInvalidEvent(t *testing.T) {
	_, err := Encode(entity.ChangeEvent{Ref: entity.NewRef(entity.KindAsset, uuid.New()), Op: entity.OpUpdated, Seq: 1})
	assert.ErrorIs(t, err, entity.ErrInvalidEvent)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"nil", nil},
		{"unknown msgType", &CustomerUpdateMsg{IDLSB: 1, MsgType: "ENTITY_RENAMED", Seq: 1}},
		{"nil id", &CustomerUpdateMsg{MsgType: EntityCreated, Seq: 1}},
		{"missing seq", &AssetUpdateMsg{IDLSB: 1, MsgType: EntityDeleted}},
		{"bad assigned customers", &DashboardUpdateMsg{IDLSB: 1, MsgType: EntityUpdated, Seq: 1, AssignedCustomers: "{"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.msg)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDecodeDeletedIgnoresExtraFields(t *testing.T) {
	ev, err := Decode(&DashboardUpdateMsg{IDLSB: 9, MsgType: EntityDeleted, Seq: 3, Title: "stale"})
	require.NoError(t, err)
	assert.Equal(t, entity.OpDeleted, ev.Op)
	assert.Nil(t, ev.Attrs)
	assert.Nil(t, ev.Assigned)
}

func TestUnmarshalBatch(t *testing.T) {
	t.Run("unknown fields are ignored", func(t *testing.T) {
		raw := `{"batchId":3,"origin":"edge-1","schemaVersion":9,
			"dashboardUpdateMsg":[{"idMSB":1,"idLSB":2,"msgType":"ENTITY_CREATED","seq":5,"title":"t","futureField":{"a":1}}],
			"deviceUpdateMsg":[{"idMSB":1}]}`
		b, err := UnmarshalBatch([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, int64(3), b.ID)
		require.Len(t, b.DashboardUpdateMsgs, 1)
		assert.Equal(t, "t", b.DashboardUpdateMsgs[0].Title)
	})

	t.Run("null entries are dropped", func(t *testing.T) {
		b, err := UnmarshalBatch([]byte(`{"batchId":1,"customerUpdateMsg":[null]}`))
		require.NoError(t, err)
		assert.Equal(t, 0, b.Len())
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := UnmarshalBatch([]byte(`{"batchId":`))
		assert.ErrorIs(t, err, ErrDecode)
	})
}

func TestBatchMessagesOrder(t *testing.T) {
	b := &Batch{}
	d1 := &DashboardUpdateMsg{IDLSB: 1}
	c1 := &CustomerUpdateMsg{IDLSB: 2}
	d2 := &DashboardUpdateMsg{IDLSB: 3}
	a1 := &AssetUpdateMsg{IDLSB: 4}
	for _, m := range []Message{d1, c1, d2, a1} {
		b.Add(m)
	}

	assert.Equal(t, 4, b.Len())
	assert.Equal(t, []Message{c1, a1, d1, d2}, b.Messages())
}

func TestBatchMessagesFollowSendOrder(t *testing.T) {
	b := &Batch{}
	d1 := &DashboardUpdateMsg{IDLSB: 1, Seq: 1}
	c1 := &CustomerUpdateMsg{IDLSB: 2, Seq: 2}
	d2 := &DashboardUpdateMsg{IDLSB: 1, Seq: 3}
	a1 := &AssetUpdateMsg{IDLSB: 4, Seq: 4}
	c2 := &CustomerUpdateMsg{IDLSB: 2, Seq: 5}
	for _, m := range []Message{d1, c1, d2, a1, c2} {
		b.Add(m)
	}

	data, err := MarshalBatch(b)
	require.NoError(t, err)
	wire, err := UnmarshalBatch(data)
	require.NoError(t, err)

	var seqs []int64
	for _, m := range wire.Messages() {
		seqs = append(seqs, m.Sequence())
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
}

func TestBatchMessagesKeepPerTypeOrder(t *testing.T) {
	// relayed changes may carry sequences from several nodes
	b := &Batch{}
	late := &AssetUpdateMsg{IDLSB: 1, Seq: 90}
	early := &AssetUpdateMsg{IDLSB: 1, Seq: 10}
	c1 := &CustomerUpdateMsg{IDLSB: 2, Seq: 50}
	for _, m := range []Message{late, early, c1} {
		b.Add(m)
	}

	assert.Equal(t, []Message{c1, late, early}, b.Messages())
}

func TestBatchWireRoundTrip(t *testing.T) {
	events := []entity.ChangeEvent{
		{Ref: entity.NewRef(entity.KindCustomer, uuid.New()), Op: entity.OpCreated, Attrs: entity.Customer{Title: "Edge Customer"}, Seq: 1},
		{Ref: entity.NewRef(entity.KindDashboard, uuid.New()), Op: entity.OpUpdated, Attrs: entity.Dashboard{Title: "d"}, Assigned: entity.EmptyContainers(), Seq: 2},
		{Ref: entity.NewRef(entity.KindAsset, uuid.New()), Op: entity.OpDeleted, Seq: 3},
	}
	b, err := EncodeBatch(events)
	require.NoError(t, err)
	b.ID = 11
	b.Origin = "cloud"

	data, err := MarshalBatch(b)
	require.NoError(t, err)
	got, err := UnmarshalBatch(data)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	var decoded []entity.ChangeEvent
	for _, m := range got.Messages() {
		ev, err := Decode(m)
		require.NoError(t, err)
		decoded = append(decoded, ev)
	}
	assert.ElementsMatch(t, events, decoded)
}

func TestResponseWire(t *testing.T) {
	r := &Response{BatchID: 4, Success: false, ErrorCode: CodeSyncPending, ErrorMsg: "full sync pending"}
	data, err := MarshalResponse(r)
	require.NoError(t, err)

	got, err := UnmarshalResponse(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = UnmarshalResponse([]byte("nope"))
	assert.ErrorIs(t, err, ErrDecode)
}

func genEvent(kindIdx, opIdx int, msb, lsb, seq int64, title, text string, flag bool, order int32, containers []int64, withSet bool) entity.ChangeEvent {
	if msb == 0 && lsb == 0 {
		lsb = 1
	}
	kind := entity.Kinds[kindIdx]
	ops := []entity.Op{entity.OpCreated, entity.OpUpdated, entity.OpDeleted}
	ev := entity.ChangeEvent{
		Ref: entity.NewRef(kind, entity.JoinID(msb, lsb)),
		Op:  ops[opIdx],
		Seq: seq,
	}
	if ev.Op == entity.OpDeleted {
		return ev
	}

	switch kind {
	case entity.KindDashboard:
		ev.Attrs = entity.Dashboard{Title: title, Image: text, Configuration: text + "{}", MobileOrder: order, MobileHide: flag}
		if withSet {
			set := entity.EmptyContainers()
			for i, c := range containers {
				set = append(set, entity.ContainerInfo{ID: entity.JoinID(c, int64(i)), Title: fmt.Sprintf("%s-%d", title, i), Public: c%2 == 0})
			}
			ev.Assigned = set
		}
	case entity.KindCustomer:
		ev.Attrs = entity.Customer{Title: title, Email: text, City: text, Public: flag}
	case entity.KindAsset:
		customer := uuid.Nil
		if flag {
			customer = entity.JoinID(lsb, msb)
		}
		ev.Attrs = entity.Asset{Name: title, Type: text, Label: text, CustomerID: customer}
	}
	return ev
}

func TestEncodeDecodeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("Decode(Encode(e)) == e for every valid event", prop.ForAll(
		func(kindIdx, opIdx int, msb, lsb, seq int64, title, text string, flag bool, order int32, containers []int64, withSet bool) bool {
			ev := genEvent(kindIdx, opIdx, msb, lsb, seq, title, text, flag, order, containers, withSet)
			if err := ev.Validate(); err != nil {
				return false
			}

			msg, err := Encode(ev)
			if err != nil {
				return false
			}
			got, err := Decode(msg)
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(ev, got)
		},
		gen.IntRange(0, 2),
		gen.IntRange(0, 2),
		gen.Int64(),
		gen.Int64(),
		gen.Int64Range(1, 1<<62),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
		gen.Int32(),
		gen.SliceOf(gen.Int64()),
		gen.Bool(),
	))

	properties.Property("round trip survives the JSON wire", prop.ForAll(
		func(kindIdx, opIdx int, msb, lsb int64, title string) bool {
			ev := genEvent(kindIdx, opIdx, msb, lsb, 1, title, title, true, 1, []int64{msb}, true)
			b, err := EncodeBatch([]entity.ChangeEvent{ev})
			if err != nil {
				return false
			}
			data, err := MarshalBatch(b)
			if err != nil {
				return false
			}
			back, err := UnmarshalBatch(data)
			if err != nil || back.Len() != 1 {
				return false
			}
			got, err := Decode(back.Messages()[0])
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(ev, got)
		},
		gen.IntRange(0, 2),
		gen.IntRange(0, 2),
		gen.Int64(),
		gen.Int64(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
