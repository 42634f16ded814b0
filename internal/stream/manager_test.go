package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("runs", 8)
	defer m.Unsubscribe("runs", ch)

	m.Publish("runs", Event{Type: TypeRunStarted, Workflow: "triage"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeRunStarted, ev.Type)
		assert.Equal(t, "runs", ev.Topic)
		assert.Equal(t, uint64(0), ev.Seq)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("runs", 1)
	defer m.Unsubscribe("runs", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish("runs", Event{Type: TypeRunCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 6; i++ {
		m.Publish("runs", Event{Type: TypeStateCommitted})
	}

	// Ring holds the last 4 (seq 2..5); replay since 3 yields 4 and 5.
	replay := m.ReplaySince("runs", 3)
	require.Len(t, replay, 2)
	assert.Equal(t, uint64(4), replay[0].Seq)
	assert.Equal(t, uint64(5), replay[1].Seq)

	assert.Nil(t, m.ReplaySince("unknown-topic", 0))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("runs", 1)
	m.Unsubscribe("runs", ch)

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe must not panic on the closed channel.
	m.Unsubscribe("runs", ch)
}

func TestRedisMirrorAppends(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, 100, zaptest.NewLogger(t))
	defer mirror.Close()
	m := NewManager(16)
	m.SetMirror(mirror)

	m.Publish("runs", Event{Type: TypeRunStarted, Workflow: "triage", Message: "woke on DATA_ARRIVED"})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := client.XLen(ctx, StreamKey).Result()
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	msgs, err := client.XRange(ctx, StreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeRunStarted, msgs[0].Values["type"])
	assert.Equal(t, "triage", msgs[0].Values["workflow"])
}

func TestRedisMirrorNeverBlocksPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, 100, zaptest.NewLogger(t))
	// Stop the writer so the queue backs up and overflows.
	mirror.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < mirrorQueueDepth*2; i++ {
			mirror.Append(Event{Type: TypeRunStarted, Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a stalled mirror")
	}
}
