package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pipepulse/internal/protocol"
)

func TestHubRingBufferOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("tick", map[string]int{"i": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	later := h.SnapshotSince(4)
	require.Len(t, later, 1)
	assert.Equal(t, int64(5), later[0].ID)
}

func TestHubSubscribeReceivesEvents(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeExchangeOut, NewExchange(2, 1, DirOut, protocol.Encode(1, 2, 3), "ok"))

	select {
	case ev := <-ch:
		assert.Equal(t, TypeExchangeOut, ev.Type)
		var x Exchange
		require.NoError(t, json.Unmarshal(ev.Data, &x))
		assert.Equal(t, 2, x.WorkerID)
		assert.Equal(t, "0 1 2 3", x.Decimal)
		assert.Equal(t, DirOut, x.Direction)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	cancel()
	cancel() // second cancel is a no-op

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after cancel must not panic.
	h.Publish("x", nil)
}

type recordingSink struct{ types []string }

func (r *recordingSink) Publish(eventType string, _ any) { r.types = append(r.types, eventType) }

func TestFanoutForwardsToAll(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f := Fanout{a, nil, b}
	f.Publish("one", nil)
	f.Publish("two", nil)

	assert.Equal(t, []string{"one", "two"}, a.types)
	assert.Equal(t, []string{"one", "two"}, b.types)
	Discard.Publish("ignored", nil)
}

func TestHubSubscribePrefixFilters(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.SubscribePrefix("exchange.")
	defer cancel()

	h.Publish(TypeWorkerStarted, Lifecycle{WorkerID: 1})
	h.Publish(TypeExchangeIn, Exchange{WorkerID: 1})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeExchangeIn, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	assert.Equal(t, int64(2), h.LastID())
}

func TestHubCountsDroppedDeliveries(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	// Nobody drains the subscriber, so everything past its buffer is dropped.
	for i := 0; i < 300; i++ {
		h.Publish("flood", nil)
	}
	assert.Equal(t, int64(300-256), h.Dropped())
}
