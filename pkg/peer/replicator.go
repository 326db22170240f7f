package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/raidcfg/pkg/events"
	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/metrics"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/rs/zerolog"
)

// PeerState is this controller's view of its peer
type PeerState string

const (
	PeerUnknown PeerState = "unknown"
	PeerAlive   PeerState = "alive"
	PeerSyncing PeerState = "syncing"
	PeerLost    PeerState = "lost"
)

// Replicator streams journaled updates to the peer in commit order. An
// update is sent only after every earlier one was acknowledged. While the
// peer is not alive updates accumulate in the journal and are covered by
// the next full resync.
type Replicator struct {
	self       string
	transport  Transport
	journal    *Journal
	ackTimeout time.Duration
	broker     *events.Broker
	logger     zerolog.Logger

	mu        sync.Mutex
	state     PeerState
	lastKnown PeerState
	epoch     uint64 // bumped each time the peer becomes alive
	waiters   map[uint64]chan error

	kick      chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewReplicator creates a replicator that starts with the peer unknown
func NewReplicator(self string, tr Transport, j *Journal, ackTimeout time.Duration, broker *events.Broker) *Replicator {
	return &Replicator{
		self:       self,
		transport:  tr,
		journal:    j,
		ackTimeout: ackTimeout,
		broker:     broker,
		logger:     log.WithComponent("replicator"),
		state:      PeerUnknown,
		lastKnown:  PeerUnknown,
		waiters:    make(map[uint64]chan error),
		kick:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the sender loop
func (r *Replicator) Start() {
	r.startOnce.Do(func() { go r.run() })
}

// Stop ends the sender loop and fails anyone still waiting for an ack
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		started := true
		r.startOnce.Do(func() { started = false })
		if started {
			<-r.doneCh
		}
		r.failWaiters()
	})
}

// Replicate journals a committed transaction and wakes the sender. With
// wait set and the peer alive it blocks until the peer acknowledged the
// update or ackTimeout passed; a timeout marks the peer lost.
func (r *Replicator) Replicate(ctx context.Context, txn types.TransactionID, changes []tables.Change, wait bool) error {
	r.mu.Lock()
	seq, err := r.journal.Append(txn, changes)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var ch chan error
	if wait && r.state == PeerAlive {
		ch = make(chan error, 1)
		r.waiters[seq] = ch
	}
	r.mu.Unlock()

	metrics.PeerJournalLag.Set(float64(r.journal.Pending()))
	r.signal()
	if ch == nil {
		return nil
	}

	timer := time.NewTimer(r.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		r.markLost("ack timeout")
		return peerTimeout(seq)
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, seq)
		r.mu.Unlock()
		return ctx.Err()
	}
}

// State returns the current peer state
func (r *Replicator) State() PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastKnown returns the state the peer was in before the current one
func (r *Replicator) LastKnown() PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKnown
}

// Authoritative reports whether this controller alone holds the
// configuration, which is the case whenever the peer is not alive
func (r *Replicator) Authoritative() bool {
	return r.State() != PeerAlive
}

// MarkAlive records that the peer holds everything up to seq and resumes
// streaming from there
func (r *Replicator) MarkAlive(seq uint64) error {
	if err := r.journal.Ack(seq); err != nil {
		return err
	}
	prev := r.transition(PeerAlive)
	metrics.PeerUp.Set(1)
	metrics.PeerJournalLag.Set(float64(r.journal.Pending()))
	if prev != PeerAlive {
		r.logger.Info().Uint64("seq", seq).Str("from", string(prev)).Msg("Peer joined")
		r.publish(events.EventPeerJoined, "")
	}
	r.signal()
	return nil
}

// resume streams again to a peer that answers after this side dropped it,
// starting after the last acknowledged update. The peer refuses anything
// out of sequence and resyncs, so resuming never applies a gap.
func (r *Replicator) resume() bool {
	r.mu.Lock()
	prev := r.state
	if prev != PeerLost && prev != PeerUnknown {
		r.mu.Unlock()
		return false
	}
	r.setLocked(PeerAlive)
	r.mu.Unlock()

	metrics.PeerUp.Set(1)
	r.logger.Info().Str("from", string(prev)).Msg("Peer answering again, resuming updates")
	r.publish(events.EventPeerJoined, "resumed")
	r.signal()
	return true
}

// markLost drops a peer that stopped answering. Waiters fail with a peer
// timeout; the local configuration stays authoritative.
func (r *Replicator) markLost(reason string) {
	r.markLostIn(0, reason)
}

// markLostIn is markLost for a failure seen while the peer was alive in
// epoch. A failure from an earlier alive period is ignored; 0 matches any.
func (r *Replicator) markLostIn(epoch uint64, reason string) {
	r.mu.Lock()
	if r.state == PeerLost || r.state == PeerUnknown || (epoch != 0 && epoch != r.epoch) {
		r.mu.Unlock()
		return
	}
	prev := r.state
	r.setLocked(PeerLost)
	r.mu.Unlock()

	r.failWaiters()
	metrics.PeerUp.Set(0)
	r.logger.Warn().Str("reason", reason).Str("from", string(prev)).Msg("Peer lost")
	r.publish(events.EventPeerLost, reason)
}

// markSyncing stops streaming until the peer finished a full resync
func (r *Replicator) markSyncing(reason string) {
	r.markSyncingIn(0, reason)
}

func (r *Replicator) markSyncingIn(epoch uint64, reason string) {
	r.mu.Lock()
	if epoch != 0 && epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	prev := r.state
	r.setLocked(PeerSyncing)
	r.mu.Unlock()

	if prev != PeerSyncing {
		r.logger.Info().Str("reason", reason).Str("from", string(prev)).Msg("Peer resynchronizing")
	}
	r.failWaiters()
	metrics.PeerUp.Set(0)
}

func (r *Replicator) transition(to PeerState) PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state
	r.setLocked(to)
	return prev
}

func (r *Replicator) setLocked(to PeerState) {
	if r.state == to {
		return
	}
	r.lastKnown = r.state
	r.state = to
	if to == PeerAlive {
		r.epoch++
	}
}

// aliveEpoch returns the current alive period, or false when the peer is not alive
func (r *Replicator) aliveEpoch() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch, r.state == PeerAlive
}

func (r *Replicator) failWaiters() {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = make(map[uint64]chan error)
	r.mu.Unlock()
	for seq, ch := range waiters {
		ch <- peerTimeout(seq)
	}
}

func (r *Replicator) resolve(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s, ch := range r.waiters {
		if s <= seq {
			ch <- nil
			delete(r.waiters, s)
		}
	}
}

func (r *Replicator) signal() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Replicator) run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.kick:
			r.drain()
		case <-r.stopCh:
			return
		}
	}
}

// drain sends journaled updates one at a time until the journal is empty,
// the peer stops being alive, or the replicator is stopped
func (r *Replicator) drain() {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		epoch, alive := r.aliveEpoch()
		if !alive {
			return
		}

		acked, err := r.journal.Acked()
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to read journal")
			return
		}
		last, err := r.journal.Last()
		if err != nil || acked >= last {
			return
		}
		seq := acked + 1
		u, err := r.journal.Get(seq)
		if err != nil {
			r.logger.Error().Err(err).Uint64("seq", seq).Msg("Journal gap")
			r.markSyncingIn(epoch, "journal gap")
			return
		}

		msg := newMessage(MsgTableUpdate, r.self)
		msg.Seq = seq
		msg.TransactionID = u.TransactionID
		msg.Changes = u.Changes

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), r.ackTimeout)
		resp, err := r.transport.Send(ctx, msg)
		cancel()
		if err != nil {
			metrics.PeerUpdatesTotal.WithLabelValues("failed").Inc()
			r.markLostIn(epoch, err.Error())
			return
		}
		if resp.Type != MsgAck {
			metrics.PeerUpdatesTotal.WithLabelValues("rejected").Inc()
			r.markSyncingIn(epoch, resp.Reason)
			return
		}

		if err := r.journal.Ack(seq); err != nil {
			r.logger.Error().Err(err).Uint64("seq", seq).Msg("Failed to record ack")
		}
		metrics.PeerUpdateLatency.Observe(time.Since(start).Seconds())
		metrics.PeerUpdatesTotal.WithLabelValues("acked").Inc()
		metrics.PeerJournalLag.Set(float64(r.journal.Pending()))
		r.resolve(seq)
	}
}

func (r *Replicator) publish(t events.EventType, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:     t,
		ObjectID: types.InvalidObjectID,
		Message:  msg,
		Metadata: map[string]string{"controller": r.self},
	})
}

func peerTimeout(seq uint64) error {
	return &types.DBError{Kind: types.ErrPeerTimeout, Op: "replicate", ObjectID: types.InvalidObjectID,
		Err: fmt.Errorf("update %d not acknowledged", seq)}
}
