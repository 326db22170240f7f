/*
Package peer keeps the configuration of two storage controllers identical.

Every transaction committed on one controller is appended to a durable
journal and streamed to the other controller in commit order. The
receiving side installs an update only when its sequence is the next one
it expects; repeats are acknowledged again and gaps are refused, which
makes the sender stop streaming until a full resync has run.

# Architecture

	┌──────────── controller spa ────────────┐        ┌──────────── controller spb ────────────┐
	│                                          │        │                                          │
	│  database.Commit                         │        │                       database           │
	│       │ Replicate                        │        │                          ▲               │
	│       ▼                                  │        │                          │ ApplyPeerUpdate│
	│  ┌──────────┐   ┌────────────────────┐   │  table │   ┌──────────┐   ┌──────┴──────┐        │
	│  │ Journal  │◄──┤    Replicator      ├───┼─update─┼──►│Transport ├──►│  receiver   │        │
	│  │raft log +│   │ one update in      │   │        │   └──────────┘   │ expected seq│        │
	│  │ acked seq│   │ flight, in order   │◄──┼──ack───┼──────────────────┤             │        │
	│  └──────────┘   └────────────────────┘   │        │                  └─────────────┘        │
	│                                          │        │                                          │
	│  ┌────────────────────┐                  │heartbeat                 ┌────────────────────┐  │
	│  │      monitor       ├──────────────────┼────────┼─────────────────►│      receiver      │  │
	│  │ misses → lost      │◄─────────────────┼─state, link───────────────┤ replies with state │  │
	│  └────────────────────┘                  │        │                  └────────────────────┘  │
	└──────────────────────────────────────────┘        └──────────────────────────────────────────┘

Both controllers run the same Node. Each one is a sender for its own
commits and a receiver for the other's.

# Core Components

Node:
  - Wires the journal, Replicator, receiver and monitor over one Transport
  - Rejoin runs the startup or repair resync
  - Implements the database's Replicator interface

Journal:
  - hashicorp/raft LogStore and StableStore, normally raft-boltdb
  - The log index is the update sequence
  - The stable store keeps the last sequence the peer acknowledged
  - Acknowledged updates are trimmed

Replicator:
  - Streams updates with exactly one in flight
  - Tracks the peer state: unknown, alive, syncing or lost
  - Wakes recovery transactions waiting for their acknowledgement

receiver:
  - Applies updates whose sequence is the next expected one
  - Serves snapshots in chunks and answers heartbeats

monitor:
  - Sends a heartbeat every HeartbeatInterval
  - Declares the peer lost after HeartbeatMisses consecutive failures
  - Hands a returning peer to the recovery logic

# Usage

Wiring a node next to a database:

	j, err := peer.OpenJournal(filepath.Join(dataDir, controller.JournalFile))
	if err != nil {
		return err
	}
	tr, err := peer.Listen(":7946", "spb.local:7946")
	if err != nil {
		return err
	}
	node := peer.NewNode(peer.Config{Self: "spa"}, tr, j, db, broker)
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	authoritative, err := node.Rejoin(ctx)

Two nodes in one process, as the tests do:

	ta, tb := peer.NewLoopbackPair()
	a := peer.NewNode(peer.Config{Self: "spa"}, ta, ja, dbA, nil)
	b := peer.NewNode(peer.Config{Self: "spb"}, tb, jb, dbB, nil)

# Streaming

	seq 41 acked ─► send 42 ─► ack 42 ─► send 43 ─► nack ─► syncing
	                                                   │
	                                      receiver starts a resync

The Replicator sends update acked+1, waits for the reply and only then
moves on. A nack with resync_required means the receiver saw a gap; the
sender stops and the receiver pulls a snapshot. A send that fails marks
the peer lost. Updates keep being journaled in both cases and are covered
by the next resync or sent once streaming resumes.

Each transition to alive opens a new epoch. A failure or nack that belongs
to an older epoch is ignored, so a late reply cannot knock down a link that
has already recovered.

# Resync

A controller that starts, or that finds its copy diverged, calls
Node.Rejoin. The database waits for configuration while the node pulls a
snapshot from the peer in chunks and installs it with one ReplaceAll. The
snapshot carries the peer's journal position so streaming resumes right
after it. A peer that cannot be reached leaves this controller
authoritative. If both controllers are starting, the lower controller id
wins.

Chunks after the first are fetched concurrently through an errgroup.
Nothing is installed unless every chunk arrived.

# Peer Returning

A heartbeat reply carries the responder's database state and Link, which
is how the responder sees this controller. When the monitor gets a reply
while it holds the peer lost or unknown:

  - A responder that is not Ready is left alone
  - Link alive: only this side dropped the link, so streaming resumes from
    the last acknowledged sequence
  - Otherwise both sides served alone; the higher controller id drops its
    copy and resyncs from the lower one

Resuming needs no tie-break. If the peer missed something the receiver
nacks the first update and resyncs itself.

# Failure Scenarios

Link drops for less than HeartbeatMisses intervals:
  - An update send may fail and mark the peer lost
  - The next heartbeat finds the peer alive on the other side and resumes

One side declares the other lost:
  - Updates pile up in the journal
  - raidcfg_peer_journal_lag grows until the peer answers again

Both controllers served alone:
  - Commits made on the higher id while apart are discarded by its resync
  - The lower id's copy becomes the configuration of both

Peer refuses a snapshot chunk:
  - The resync fails as a whole and is retried after HeartbeatInterval

# Transports

LoopbackTransport links two nodes in one process. It can be taken down and
brought back to simulate a partition. GRPCTransport carries the same JSON
messages over a single unary gRPC method, /raidcfg.peer.Peer/Exchange,
wrapped in a BytesValue so the service needs no generated code.

# Monitoring

Metrics:
  - raidcfg_peer_up: 1 while the peer is alive
  - raidcfg_peer_updates_total{result}: acked, failed, rejected, applied, apply_failed
  - raidcfg_peer_update_latency_seconds: send to acknowledgement
  - raidcfg_peer_resyncs_total{direction}: inbound, outbound
  - raidcfg_peer_journal_lag: updates journaled but not acknowledged

Peer joined and peer lost events are published on the broker.

# Troubleshooting

Journal lag keeps growing:
  - Check raidcfg_peer_up; a lost peer is retried by heartbeat only
  - Look for "Update sequence gap" on the peer; it should be resyncing

Both controllers report themselves authoritative:
  - The link is still down; heartbeats settle it once they get through

# See Also

  - pkg/database for ApplyPeerUpdate, ReplaceAll and Snapshot
  - pkg/events for peer events
*/
package peer
