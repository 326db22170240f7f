package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var keyAcked = []byte("peer_acked")

// Update is one journaled transaction
type Update struct {
	Seq           uint64              `json:"seq"`
	TransactionID types.TransactionID `json:"transaction_id"`
	Changes       []tables.Change     `json:"changes"`
}

// Journal is the durable, ordered record of updates owed to the peer. It
// reuses raft's log and stable store interfaces: log index is the update
// sequence and the stable store remembers the last sequence the peer
// acknowledged. Acknowledged updates are trimmed.
type Journal struct {
	mu     sync.Mutex
	logs   raft.LogStore
	stable raft.StableStore
	closer io.Closer
}

// NewJournal builds a journal over the given stores
func NewJournal(logs raft.LogStore, stable raft.StableStore) *Journal {
	return &Journal{logs: logs, stable: stable}
}

// OpenJournal opens a bolt backed journal at path
func OpenJournal(path string) (*Journal, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open peer journal: %w", err)
	}
	j := NewJournal(store, store)
	j.closer = store
	return j, nil
}

// Append records an update and returns its sequence
func (j *Journal) Append(txn types.TransactionID, changes []tables.Change) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	last, err := j.lastLocked()
	if err != nil {
		return 0, err
	}
	seq := last + 1
	data, err := json.Marshal(Update{Seq: seq, TransactionID: txn, Changes: changes})
	if err != nil {
		return 0, fmt.Errorf("failed to encode update: %w", err)
	}
	entry := &raft.Log{
		Index:      seq,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: time.Now(),
	}
	if err := j.logs.StoreLog(entry); err != nil {
		return 0, fmt.Errorf("failed to journal update %d: %w", seq, err)
	}
	return seq, nil
}

// Get returns the update at seq
func (j *Journal) Get(seq uint64) (Update, error) {
	var entry raft.Log
	if err := j.logs.GetLog(seq, &entry); err != nil {
		return Update{}, fmt.Errorf("failed to read update %d: %w", seq, err)
	}
	var u Update
	if err := json.Unmarshal(entry.Data, &u); err != nil {
		return Update{}, fmt.Errorf("failed to decode update %d: %w", seq, err)
	}
	return u, nil
}

// Last returns the newest sequence handed out
func (j *Journal) Last() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastLocked()
}

func (j *Journal) lastLocked() (uint64, error) {
	last, err := j.logs.LastIndex()
	if err != nil {
		return 0, fmt.Errorf("failed to read journal head: %w", err)
	}
	acked, err := j.ackedLocked()
	if err != nil {
		return 0, err
	}
	// An empty log after trimming still continues from the acked position
	return max(last, acked), nil
}

// Acked returns the last sequence the peer acknowledged
func (j *Journal) Acked() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ackedLocked()
}

func (j *Journal) ackedLocked() (uint64, error) {
	v, err := j.stable.GetUint64(keyAcked)
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read acked position: %w", err)
	}
	return v, nil
}

// Ack records that the peer holds every update up to seq and trims them
func (j *Journal) Ack(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	acked, err := j.ackedLocked()
	if err != nil {
		return err
	}
	if seq <= acked {
		return nil
	}
	if err := j.stable.SetUint64(keyAcked, seq); err != nil {
		return fmt.Errorf("failed to record ack %d: %w", seq, err)
	}
	first, err := j.logs.FirstIndex()
	if err != nil || first == 0 || first > seq {
		return nil
	}
	if err := j.logs.DeleteRange(first, seq); err != nil {
		return fmt.Errorf("failed to trim journal: %w", err)
	}
	return nil
}

// Pending returns how many updates the peer has not acknowledged
func (j *Journal) Pending() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	last, err := j.lastLocked()
	if err != nil {
		return 0
	}
	acked, err := j.ackedLocked()
	if err != nil || acked >= last {
		return 0
	}
	return last - acked
}

// Close releases the underlying store when the journal opened it
func (j *Journal) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}
