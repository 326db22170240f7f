package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/raidcfg/pkg/events"
	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/metrics"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAckTimeout        = 2 * time.Second
	DefaultHeartbeatInterval = time.Second
	DefaultHeartbeatMisses   = 3
	DefaultChunkSize         = 256

	resyncFetchers = 4
)

// Config configures a Node
type Config struct {
	Self              string
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	ChunkSize         int
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
}

// Node is one controller's end of the peer link. It streams local commits
// to the peer, installs the peer's commits locally, and runs the full
// resync that brings a returning controller back in line.
type Node struct {
	cfg        Config
	transport  Transport
	journal    *Journal
	applier    Applier
	replicator *Replicator
	receiver   *receiver
	monitor    *monitor
	logger     zerolog.Logger

	joinMu    sync.Mutex
	resyncing atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewNode wires a node over tr, journaling to j and applying to a
func NewNode(cfg Config, tr Transport, j *Journal, a Applier, broker *events.Broker) *Node {
	cfg.setDefaults()
	n := &Node{
		cfg:       cfg,
		transport: tr,
		journal:   j,
		applier:   a,
		logger:    log.WithControllerID(cfg.Self).With().Str("component", "peer").Logger(),
		stopCh:    make(chan struct{}),
	}
	n.replicator = NewReplicator(cfg.Self, tr, j, cfg.AckTimeout, broker)
	n.receiver = &receiver{
		self:       cfg.Self,
		applier:    a,
		replicator: n.replicator,
		journal:    j,
		chunkSize:  cfg.ChunkSize,
		onGap:      n.resyncInBackground,
		logger:     n.logger,
	}
	n.monitor = &monitor{
		self:       cfg.Self,
		transport:  tr,
		replicator: n.replicator,
		interval:   cfg.HeartbeatInterval,
		misses:     cfg.HeartbeatMisses,
		localState: a.State,
		onReturn:   n.peerReturned,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	return n
}

// Start serves peer requests and starts replication and heartbeats
func (n *Node) Start() error {
	if err := n.transport.Serve(n.receiver.handle); err != nil {
		return fmt.Errorf("failed to serve peer link: %w", err)
	}
	n.replicator.Start()
	n.monitor.start()
	return nil
}

// Stop halts heartbeats, replication and any resync in progress
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.monitor.stop()
		n.replicator.Stop()
		n.wg.Wait()
	})
}

// Replicate satisfies the database's replicator hook
func (n *Node) Replicate(ctx context.Context, txn types.TransactionID, changes []tables.Change, wait bool) error {
	return n.replicator.Replicate(ctx, txn, changes, wait)
}

// PeerState returns the current and the last known state of the peer
func (n *Node) PeerState() (current, lastKnown PeerState) {
	return n.replicator.State(), n.replicator.LastKnown()
}

// PeerDatabaseState returns the database state the peer last reported
func (n *Node) PeerDatabaseState() types.DatabaseState {
	_, state := n.monitor.peer()
	return state
}

// Authoritative reports whether this controller is the only holder of
// the configuration
func (n *Node) Authoritative() bool {
	return n.replicator.Authoritative()
}

// Journal exposes the replication journal
func (n *Node) Journal() *Journal {
	return n.journal
}

// Rejoin brings the database into service next to the peer. The database
// waits for configuration while it pulls the peer's snapshot. When the
// peer cannot be reached this controller serves alone. When both
// controllers are starting the lower controller id becomes authoritative
// and the other retries until that one is ready. Concurrent calls run one
// after the other.
func (n *Node) Rejoin(ctx context.Context) (authoritative bool, err error) {
	n.joinMu.Lock()
	defer n.joinMu.Unlock()
	return n.rejoin(ctx)
}

func (n *Node) rejoin(ctx context.Context) (bool, error) {
	switch state := n.applier.State(); state {
	case types.StateServiceMode, types.StateCorrupt, types.StateDestroying:
		return false, fmt.Errorf("cannot join peer while database is %s", state)
	}
	n.applier.SetState(types.StateWaitingForConfig)

	for {
		err := n.pullSnapshot(ctx)
		if err == nil {
			n.applier.SetState(types.StateReady)
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		var refused *RefusedError
		switch {
		case errors.Is(err, ErrPeerUnreachable), errors.Is(err, context.DeadlineExceeded):
			n.logger.Warn().Err(err).Msg("Peer unreachable, serving configuration alone")
			n.applier.SetState(types.StateReady)
			return true, nil
		case errors.As(err, &refused) && refused.Reason == ReasonNotReady && n.cfg.Self < refused.Peer:
			n.logger.Info().Str("peer", refused.Peer).Msg("Peer is also starting, taking authority")
			n.applier.SetState(types.StateReady)
			return true, nil
		}

		n.logger.Info().Err(err).Msg("Resync did not complete, retrying")
		select {
		case <-time.After(n.cfg.HeartbeatInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		case <-n.stopCh:
			return false, errors.New("peer node stopped")
		}
	}
}

// pullSnapshot pulls a full snapshot from the peer and installs it all at once.
// Chunks after the first are fetched concurrently; nothing is applied
// unless every chunk arrived.
func (n *Node) pullSnapshot(ctx context.Context) error {
	first, err := n.send(ctx, newMessage(MsgResyncRequest, n.cfg.Self))
	if err != nil {
		return err
	}
	if first.Type != MsgResyncData {
		return &RefusedError{Peer: first.Sender, Reason: first.Reason, State: first.State}
	}

	chunks := make([][]tables.Entry, max(first.Chunks, 1))
	chunks[0] = first.Entries
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resyncFetchers)
	for i := 1; i < len(chunks); i++ {
		i := i
		g.Go(func() error {
			req := newMessage(MsgResyncRequest, n.cfg.Self)
			req.Snapshot = first.Snapshot
			req.Chunk = i
			resp, err := n.send(gctx, req)
			if err != nil {
				return fmt.Errorf("failed to fetch chunk %d: %w", i, err)
			}
			if resp.Type != MsgResyncData || resp.Snapshot != first.Snapshot || resp.Chunk != i {
				return &RefusedError{Peer: resp.Sender, Reason: resp.Reason, State: resp.State}
			}
			chunks[i] = resp.Entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var entries []tables.Entry
	for _, c := range chunks {
		entries = append(entries, c...)
	}
	if err := n.applier.ReplaceAll(ctx, entries); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}

	last, err := n.journal.Last()
	if err != nil {
		return err
	}
	n.receiver.markSynced(first.Seq)

	done := newMessage(MsgResyncDone, n.cfg.Self)
	done.Snapshot = first.Snapshot
	done.Seq = first.Seq
	done.Position = last
	resp, err := n.send(ctx, done)
	if err == nil && resp.Type != MsgAck {
		err = &RefusedError{Peer: resp.Sender, Reason: resp.Reason, State: resp.State}
	}
	if err != nil {
		n.receiver.markUnsynced()
		return err
	}

	// Anything journaled here before the snapshot was overwritten by it
	if err := n.replicator.MarkAlive(last); err != nil {
		return err
	}
	metrics.PeerResyncsTotal.WithLabelValues("inbound").Inc()
	n.logger.Info().Str("peer", first.Sender).Int("entries", len(entries)).Uint64("seq", first.Seq).
		Msg("Resynchronized from peer")
	return nil
}

func (n *Node) send(ctx context.Context, msg Message) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.AckTimeout)
	defer cancel()
	return n.transport.Send(ctx, msg)
}

// resyncInBackground repairs a diverged copy. Only one runs at a time.
func (n *Node) resyncInBackground() {
	if !n.resyncing.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-n.stopCh:
		n.resyncing.Store(false)
		return
	default:
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.resyncing.Store(false)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-n.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		n.joinMu.Lock()
		defer n.joinMu.Unlock()
		if n.replicator.State() == PeerAlive && n.receiver.isSynced() {
			return
		}
		if _, err := n.rejoin(ctx); err != nil {
			n.logger.Error().Err(err).Msg("Resync failed")
		}
	}()
}

// peerReturned runs when a peer that is lost or was never met answers a
// heartbeat. If the peer still sees this side alive only this side dropped
// the link, and streaming resumes where the peer last acknowledged.
// Otherwise both sides served alone; the higher controller id gives up its
// copy and resyncs from the other.
func (n *Node) peerReturned(resp Message) {
	if resp.State != types.StateReady {
		return
	}
	if resp.Link == PeerAlive {
		n.replicator.resume()
		return
	}
	if n.cfg.Self < resp.Sender {
		return
	}
	n.logger.Info().Str("peer", resp.Sender).Str("link", string(resp.Link)).
		Msg("Peer returned, resynchronizing from it")
	n.resyncInBackground()
}
