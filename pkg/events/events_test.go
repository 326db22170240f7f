package events

import (
	"testing"
	"time"

	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertQuiet(t *testing.T, sub Subscriber) {
	t.Helper()
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventObjectCreated, ObjectID: 5, Class: types.ClassProvisionDrive})

	ev := receive(t, sub)
	assert.Equal(t, EventObjectCreated, ev.Type)
	assert.Equal(t, types.ObjectID(5), ev.ObjectID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBroker_SubscribeFiltered(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	luns := b.SubscribeFiltered(types.ClassLUN)
	peers := b.SubscribeTypes(EventPeerLost)

	b.Publish(&Event{Type: EventObjectCreated, ObjectID: 1, Class: types.ClassProvisionDrive})
	b.Publish(&Event{Type: EventObjectCreated, ObjectID: 2, Class: types.ClassLUN})
	b.Publish(&Event{Type: EventPeerLost})

	ev := receive(t, luns)
	assert.Equal(t, types.ObjectID(2), ev.ObjectID)
	assertQuiet(t, luns)

	ev = receive(t, peers)
	assert.Equal(t, EventPeerLost, ev.Type)
	assertQuiet(t, peers)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// not started: the queue fills and further events are dropped
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: EventObjectModified})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, uint64(1000-256), b.Dropped())
}
