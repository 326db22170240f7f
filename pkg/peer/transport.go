package peer

import (
	"context"
	"errors"
	"sync"
)

// ErrPeerUnreachable is returned by a Transport that cannot deliver a message
var ErrPeerUnreachable = errors.New("peer unreachable")

// Handler answers one message from the peer
type Handler func(ctx context.Context, msg Message) (Message, error)

// Transport is the link between the two controllers. Send delivers a
// request and waits for the peer's reply; Serve installs the handler for
// requests coming the other way.
type Transport interface {
	Send(ctx context.Context, msg Message) (Message, error)
	Serve(h Handler) error
	Close() error
}

// LoopbackTransport connects two controllers in the same process. Messages
// go through the wire encoding so neither side shares memory with the other.
type LoopbackTransport struct {
	mu      sync.RWMutex
	handler Handler
	remote  *LoopbackTransport
	down    bool
	closed  bool
}

// NewLoopbackPair returns the two ends of an in-process link
func NewLoopbackPair() (*LoopbackTransport, *LoopbackTransport) {
	a, b := &LoopbackTransport{}, &LoopbackTransport{}
	a.remote, b.remote = b, a
	return a, b
}

// SetDown cuts (true) or restores (false) the link in both directions
func (t *LoopbackTransport) SetDown(down bool) {
	for _, end := range []*LoopbackTransport{t, t.remote} {
		end.mu.Lock()
		end.down = down
		end.mu.Unlock()
	}
}

func (t *LoopbackTransport) Serve(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
	return nil
}

func (t *LoopbackTransport) Send(ctx context.Context, msg Message) (Message, error) {
	t.mu.RLock()
	down, closed := t.down, t.closed
	t.mu.RUnlock()
	if down || closed {
		return Message{}, ErrPeerUnreachable
	}

	t.remote.mu.RLock()
	h, rclosed := t.remote.handler, t.remote.closed
	t.remote.mu.RUnlock()
	if h == nil || rclosed {
		return Message{}, ErrPeerUnreachable
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return Message{}, err
	}
	in, err := decodeMessage(data)
	if err != nil {
		return Message{}, err
	}

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h(ctx, in)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Message{}, r.err
		}
		data, err := encodeMessage(r.msg)
		if err != nil {
			return Message{}, err
		}
		return decodeMessage(data)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
