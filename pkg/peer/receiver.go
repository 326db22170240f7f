package peer

import (
	"context"
	"sync"

	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/metrics"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Applier is the local database as the peer link sees it
type Applier interface {
	ApplyPeerUpdate(ctx context.Context, txn types.TransactionID, changes []tables.Change) error
	ReplaceAll(ctx context.Context, entries []tables.Entry) error
	Snapshot(mark func() uint64) ([]tables.Entry, uint64)
	State() types.DatabaseState
	SetState(state types.DatabaseState)
}

type snapshot struct {
	id     string
	seq    uint64
	chunks [][]tables.Entry
}

// receiver answers the requests the peer sends us
type receiver struct {
	self       string
	applier    Applier
	replicator *Replicator
	journal    *Journal
	chunkSize  int
	onGap      func()
	logger     zerolog.Logger

	mu       sync.Mutex
	synced   bool
	expected uint64

	snapMu sync.Mutex
	snap   *snapshot
}

func (rc *receiver) handle(ctx context.Context, msg Message) (Message, error) {
	switch msg.Type {
	case MsgHeartbeat:
		r := msg.reply(MsgHeartbeat, rc.self)
		r.State = rc.applier.State()
		r.Link = rc.replicator.State()
		return r, nil
	case MsgTableUpdate:
		return rc.applyUpdate(ctx, msg), nil
	case MsgResyncRequest:
		return rc.serveResync(msg), nil
	case MsgResyncDone:
		return rc.finishResync(msg), nil
	}
	return msg.nack(rc.self, ReasonUnknownType), nil
}

// applyUpdate installs update msg.Seq if it is the next one expected.
// Older sequences are acknowledged again; a gap means updates were lost
// and only a full resync can repair it.
func (rc *receiver) applyUpdate(ctx context.Context, msg Message) Message {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	logger := rc.logger.With().Uint64("seq", msg.Seq).Logger()
	switch {
	case !rc.synced:
		rc.gap()
		return msg.nack(rc.self, ReasonResyncRequired)
	case msg.Seq < rc.expected:
		logger.Debug().Msg("Duplicate update acknowledged")
		return msg.reply(MsgAck, rc.self)
	case msg.Seq > rc.expected:
		logger.Warn().Uint64("expected", rc.expected).Msg("Update sequence gap")
		rc.synced = false
		rc.gap()
		return msg.nack(rc.self, ReasonResyncRequired)
	}

	if err := rc.applier.ApplyPeerUpdate(ctx, msg.TransactionID, msg.Changes); err != nil {
		txnLogger := log.WithTransactionID(logger, uint64(msg.TransactionID))
		txnLogger.Error().Err(err).Msg("Failed to apply peer update")
		metrics.PeerUpdatesTotal.WithLabelValues("apply_failed").Inc()
		rc.synced = false
		rc.gap()
		return msg.nack(rc.self, ReasonResyncRequired)
	}
	rc.expected++
	return msg.reply(MsgAck, rc.self)
}

func (rc *receiver) gap() {
	if rc.onGap != nil {
		go rc.onGap()
	}
}

// markSynced expects the update after seq next
func (rc *receiver) markSynced(seq uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.synced = true
	rc.expected = seq + 1
}

func (rc *receiver) isSynced() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.synced
}

func (rc *receiver) markUnsynced() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.synced = false
}

// serveResync hands out a consistent snapshot in chunks. The first request
// takes the snapshot; later requests name it and ask for one chunk each.
func (rc *receiver) serveResync(msg Message) Message {
	rc.snapMu.Lock()
	defer rc.snapMu.Unlock()

	if msg.Snapshot == "" {
		if state := rc.applier.State(); state != types.StateReady {
			r := msg.nack(rc.self, ReasonNotReady)
			r.State = state
			return r
		}
		rc.replicator.markSyncing("resync requested")
		entries, seq := rc.applier.Snapshot(func() uint64 {
			last, err := rc.journal.Last()
			if err != nil {
				rc.logger.Error().Err(err).Msg("Failed to read journal head")
			}
			return last
		})
		rc.snap = &snapshot{id: uuid.NewString(), seq: seq, chunks: chunk(entries, rc.chunkSize)}
		metrics.PeerResyncsTotal.WithLabelValues("outbound").Inc()
		rc.logger.Info().Str("snapshot", rc.snap.id).Int("entries", len(entries)).Uint64("seq", seq).
			Msg("Serving resync snapshot")
		return rc.snapshotChunk(msg, 0)
	}

	if rc.snap == nil || rc.snap.id != msg.Snapshot || msg.Chunk < 0 || msg.Chunk >= len(rc.snap.chunks) {
		return msg.nack(rc.self, ReasonBadSnapshot)
	}
	return rc.snapshotChunk(msg, msg.Chunk)
}

func (rc *receiver) snapshotChunk(msg Message, i int) Message {
	r := msg.reply(MsgResyncData, rc.self)
	r.Snapshot = rc.snap.id
	r.Seq = rc.snap.seq
	r.Chunk = i
	r.Chunks = len(rc.snap.chunks)
	r.Entries = rc.snap.chunks[i]
	r.State = rc.applier.State()
	return r
}

// finishResync is the peer reporting it installed our snapshot. Updates
// after the snapshot position flow to it from now on, and its own updates
// are expected after the position it reports.
func (rc *receiver) finishResync(msg Message) Message {
	rc.snapMu.Lock()
	snap := rc.snap
	if snap == nil || snap.id != msg.Snapshot || snap.seq != msg.Seq {
		rc.snapMu.Unlock()
		return msg.nack(rc.self, ReasonBadSnapshot)
	}
	rc.snap = nil
	rc.snapMu.Unlock()

	rc.markSynced(msg.Position)
	if err := rc.replicator.MarkAlive(snap.seq); err != nil {
		rc.logger.Error().Err(err).Msg("Failed to resume replication")
		return msg.nack(rc.self, err.Error())
	}
	return msg.reply(MsgAck, rc.self)
}

func chunk(entries []tables.Entry, size int) [][]tables.Entry {
	if size <= 0 {
		size = len(entries)
	}
	out := [][]tables.Entry{}
	for len(entries) > size {
		out = append(out, entries[:size:size])
		entries = entries[size:]
	}
	return append(out, entries)
}
