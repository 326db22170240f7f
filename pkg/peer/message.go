package peer

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/google/uuid"
)

// MessageType identifies a peer message
type MessageType string

const (
	MsgTableUpdate   MessageType = "table_update"
	MsgAck           MessageType = "ack"
	MsgNack          MessageType = "nack"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgResyncRequest MessageType = "resync_request"
	MsgResyncData    MessageType = "resync_data"
	MsgResyncDone    MessageType = "resync_done"
)

// Nack reasons
const (
	ReasonResyncRequired = "resync_required"
	ReasonNotReady       = "not_ready"
	ReasonUnknownType    = "unknown_type"
	ReasonBadSnapshot    = "bad_snapshot"
)

// Message is the single envelope exchanged between the two controllers.
// Every request gets exactly one reply message.
type Message struct {
	ID     string      `json:"id"`
	Type   MessageType `json:"type"`
	Sender string      `json:"sender"`

	// Seq is the journal sequence of a table update, the replication
	// position of a snapshot, or the sequence being acknowledged.
	Seq           uint64              `json:"seq,omitempty"`
	TransactionID types.TransactionID `json:"transaction_id,omitempty"`
	Changes       []tables.Change     `json:"changes,omitempty"`

	Snapshot string         `json:"snapshot,omitempty"`
	Chunk    int            `json:"chunk,omitempty"`
	Chunks   int            `json:"chunks,omitempty"`
	Entries  []tables.Entry `json:"entries,omitempty"`

	// Position is the sender's own journal head, exchanged when a resync
	// completes so updates can flow in both directions.
	Position uint64              `json:"position,omitempty"`
	State    types.DatabaseState `json:"state,omitempty"`
	Reason   string              `json:"reason,omitempty"`

	// Link is how the sender of a heartbeat reply sees the recipient
	Link PeerState `json:"link,omitempty"`
}

func newMessage(t MessageType, sender string) Message {
	return Message{ID: uuid.NewString(), Type: t, Sender: sender}
}

func (m Message) reply(t MessageType, sender string) Message {
	r := newMessage(t, sender)
	r.Seq = m.Seq
	return r
}

func (m Message) nack(sender, reason string) Message {
	r := m.reply(MsgNack, sender)
	r.Reason = reason
	return r
}

func encodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return data, nil
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode peer message: %w", err)
	}
	return m, nil
}

// RefusedError is returned when the peer answers a request with a nack
type RefusedError struct {
	Peer   string
	Reason string
	State  types.DatabaseState
}

func (e *RefusedError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("peer %s refused: %s (state %s)", e.Peer, e.Reason, e.State)
	}
	return fmt.Sprintf("peer %s refused: %s", e.Peer, e.Reason)
}
