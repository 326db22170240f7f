package peer

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/raidcfg/pkg/types"
)

// monitor sends heartbeats and declares the peer lost after too many
// consecutive misses. A peer that answers while it is lost or was never
// met is handed to onReturn.
type monitor struct {
	self       string
	transport  Transport
	replicator *Replicator
	interval   time.Duration
	misses     int
	localState func() types.DatabaseState
	onReturn   func(Message)

	mu        sync.Mutex
	failures  int
	peerState types.DatabaseState
	peerID    string

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func (m *monitor) start() {
	go m.run()
}

func (m *monitor) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
}

func (m *monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.beat()
		case <-m.stopCh:
			return
		}
	}
}

func (m *monitor) beat() {
	msg := newMessage(MsgHeartbeat, m.self)
	msg.State = m.localState()

	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	resp, err := m.transport.Send(ctx, msg)
	cancel()

	m.mu.Lock()
	if err != nil {
		m.failures++
		lost := m.failures >= m.misses
		m.mu.Unlock()
		if lost {
			m.replicator.markLost("heartbeat timeout")
		}
		return
	}
	m.failures = 0
	m.peerState = resp.State
	m.peerID = resp.Sender
	m.mu.Unlock()

	if state := m.replicator.State(); (state == PeerLost || state == PeerUnknown) && m.onReturn != nil {
		m.onReturn(resp)
	}
}

// peer returns the identity and database state the peer last reported
func (m *monitor) peer() (string, types.DatabaseState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID, m.peerState
}
