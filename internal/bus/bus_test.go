package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	mb := New()
	defer mb.Close()

	mb.PublishInbound(InboundMessage{ID: "m1", ChatID: "555@c.us", Body: "1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "555@c.us", msg.ChatID)
}

func TestMessageBus_ConsumeRespectsContext(t *testing.T) {
	mb := New()
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok)
	_, ok = mb.SubscribeOutbound(ctx)
	assert.False(t, ok)
}

func TestMessageBus_CloseReleasesBlockedPublishers(t *testing.T) {
	mb := NewWithBuffer(1)
	mb.PublishInbound(InboundMessage{ID: "queued"})
	mb.PublishOutbound(OutboundMessage{ChatID: "queued"})

	published := make(chan struct{}, 2)
	go func() {
		mb.PublishInbound(InboundMessage{ID: "blocked"})
		published <- struct{}{}
	}()
	go func() {
		mb.PublishOutbound(OutboundMessage{ChatID: "blocked"})
		published <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		mb.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a full queue")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-published:
		case <-time.After(time.Second):
			t.Fatal("publisher still blocked after Close")
		}
	}

	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok, "queued messages survive Close")
	assert.Equal(t, "queued", msg.ID)
	_, ok = mb.ConsumeInbound(context.Background())
	assert.False(t, ok)
}

func TestMessageBus_PublishAfterCloseIsNoop(t *testing.T) {
	mb := NewWithBuffer(1)
	mb.Close()
	mb.Close()

	mb.PublishInbound(InboundMessage{ID: "late"})
	mb.PublishOutbound(OutboundMessage{ChatID: "late"})

	_, ok := mb.ConsumeInbound(context.Background())
	assert.False(t, ok)
}

func TestDedupeCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := NewDedupeCache(time.Minute, 2)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))
	assert.False(t, d.IsDuplicate(""))
	assert.False(t, d.IsDuplicate(""))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.IsDuplicate("a"), "expired entries are processed again")

	d.Forget("a")
	assert.False(t, d.IsDuplicate("a"))
}

func TestDedupeCache_EvictsOldestAtCap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := NewDedupeCache(time.Hour, 2)
	d.now = func() time.Time { return now }

	d.IsDuplicate("a")
	now = now.Add(time.Second)
	d.IsDuplicate("b")
	now = now.Add(time.Second)
	d.IsDuplicate("c")

	assert.Len(t, d.entries, 2)
	assert.NotContains(t, d.entries, "a")
}

func TestDedupeCache_DisabledWithZeroTTL(t *testing.T) {
	d := NewDedupeCache(0, 10)
	assert.False(t, d.IsDuplicate("a"))
	assert.False(t, d.IsDuplicate("a"))

	var nilCache *DedupeCache
	assert.False(t, nilCache.IsDuplicate("a"))
}
