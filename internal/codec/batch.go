package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode marks a malformed envelope.
var ErrDecode = errors.New("decode error")

// Batch is the unit sent over the link in either direction. It aggregates
// zero or more update messages plus sync metadata.
type Batch struct {
	ID     int64  `json:"batchId"`
	Origin string `json:"origin"`

	// SyncRequest asks the receiver to push a full snapshot back.
	SyncRequest bool `json:"syncRequest,omitempty"`
	// FullSync marks snapshot batches, accepted before the receiver is synced.
	FullSync bool `json:"fullSync,omitempty"`
	// SyncCompleted closes a snapshot.
	SyncCompleted bool `json:"syncCompleted,omitempty"`

	CustomerUpdateMsgs  []*CustomerUpdateMsg  `json:"customerUpdateMsg,omitempty"`
	AssetUpdateMsgs     []*AssetUpdateMsg     `json:"assetUpdateMsg,omitempty"`
	DashboardUpdateMsgs []*DashboardUpdateMsg `json:"dashboardUpdateMsg,omitempty"`
}

// Add appends msg to the list of its type.
func (b *Batch) Add(msg Message) {
	switch m := msg.(type) {
	case *CustomerUpdateMsg:
		b.CustomerUpdateMsgs = append(b.CustomerUpdateMsgs, m)
	case *AssetUpdateMsg:
		b.AssetUpdateMsgs = append(b.AssetUpdateMsgs, m)
	case *DashboardUpdateMsg:
		b.DashboardUpdateMsgs = append(b.DashboardUpdateMsgs, m)
	}
}

// Messages returns every message in apply order. The per-type lists are
// merged by sequence, so a batch drained from one queue comes back in send
// order. On equal sequences customers go first, then assets, then
// dashboards. Each type keeps its insertion order regardless of sequence,
// so changes to one entity are never reordered.
func (b *Batch) Messages() []Message {
	lists := [3][]Message{
		make([]Message, 0, len(b.CustomerUpdateMsgs)),
		make([]Message, 0, len(b.AssetUpdateMsgs)),
		make([]Message, 0, len(b.DashboardUpdateMsgs)),
	}
	for _, m := range b.CustomerUpdateMsgs {
		lists[0] = append(lists[0], m)
	}
	for _, m := range b.AssetUpdateMsgs {
		lists[1] = append(lists[1], m)
	}
	for _, m := range b.DashboardUpdateMsgs {
		lists[2] = append(lists[2], m)
	}

	out := make([]Message, 0, b.Len())
	var next [3]int
	for len(out) < cap(out) {
		pick := -1
		for i := range lists {
			if next[i] == len(lists[i]) {
				continue
			}
			if pick < 0 || lists[i][next[i]].Sequence() < lists[pick][next[pick]].Sequence() {
				pick = i
			}
		}
		out = append(out, lists[pick][next[pick]])
		next[pick]++
	}
	return out
}

func (b *Batch) Len() int {
	return len(b.CustomerUpdateMsgs) + len(b.AssetUpdateMsgs) + len(b.DashboardUpdateMsgs)
}

// ErrorCode classifies a failed response.
type ErrorCode string

const (
	CodeSyncPending ErrorCode = "SYNC_PENDING"
	CodeApplyFailed ErrorCode = "APPLY_FAILED"
	CodeUnknownPeer ErrorCode = "UNKNOWN_PEER"
	CodeDecode      ErrorCode = "DECODE_ERROR"
	CodeUnavailable ErrorCode = "UNAVAILABLE"
)

// Ack reports the outcome of one message of a batch.
type Ack struct {
	IDMSB  int64  `json:"idMSB"`
	IDLSB  int64  `json:"idLSB"`
	Seq    int64  `json:"seq"`
	Status string `json:"status"`
}

// Response acknowledges exactly one batch.
type Response struct {
	BatchID   int64     `json:"batchId"`
	Success   bool      `json:"success"`
	ErrorCode ErrorCode `json:"errorCode,omitempty"`
	ErrorMsg  string    `json:"errorMsg,omitempty"`
	Acks      []Ack     `json:"acks,omitempty"`
}

func MarshalBatch(b *Batch) ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBatch decodes a batch. Unknown fields are ignored.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: batch: %v", ErrDecode, err)
	}
	b.CustomerUpdateMsgs = dropNil(b.CustomerUpdateMsgs)
	b.AssetUpdateMsgs = dropNil(b.AssetUpdateMsgs)
	b.DashboardUpdateMsgs = dropNil(b.DashboardUpdateMsgs)
	return &b, nil
}

// dropNil removes null entries a peer may have sent inside a message list.
func dropNil[T any](msgs []*T) []*T {
	out := msgs[:0]
	for _, m := range msgs {
		if m != nil {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func MarshalResponse(r *Response) ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: response: %v", ErrDecode, err)
	}
	return &r, nil
}
