package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pondworks/heron/internal/event"
)

type emitCapture struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *emitCapture) emit(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *emitCapture) snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func TestEveryFiresRepeatedly(t *testing.T) {
	capture := &emitCapture{}
	s := New(capture.emit, zaptest.NewLogger(t))
	s.Start(context.Background())
	defer s.Stop()

	s.Every("heartbeat", 20*time.Millisecond, event.Payload{"extra": "x"})

	require.Eventually(t, func() bool { return len(capture.snapshot()) >= 3 }, 2*time.Second, 10*time.Millisecond)

	evs := capture.snapshot()
	assert.Equal(t, event.ScheduleTriggered, evs[0].Type)
	assert.Equal(t, "heartbeat", evs[0].Payload["schedule"])
	assert.Equal(t, "x", evs[0].Payload["extra"])
}

func TestAtFiresOnceAndDisarms(t *testing.T) {
	capture := &emitCapture{}
	s := New(capture.emit, zaptest.NewLogger(t))
	s.Start(context.Background())
	defer s.Stop()

	s.At("reminder", time.Now().Add(30*time.Millisecond), nil)
	require.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool { return len(capture.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, event.ScheduledTimeReached, capture.snapshot()[0].Type)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)

	// No second firing.
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, capture.snapshot(), 1)
}

func TestAtInThePastFiresImmediately(t *testing.T) {
	capture := &emitCapture{}
	s := New(capture.emit, zaptest.NewLogger(t))
	s.Start(context.Background())
	defer s.Stop()

	s.At("overdue", time.Now().Add(-time.Hour), nil)
	require.Eventually(t, func() bool { return len(capture.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelDisarms(t *testing.T) {
	capture := &emitCapture{}
	s := New(capture.emit, zaptest.NewLogger(t))
	s.Start(context.Background())
	defer s.Stop()

	id := s.Every("noisy", 10*time.Millisecond, nil)
	require.Eventually(t, func() bool { return len(capture.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)

	s.Cancel(id)
	n := len(capture.snapshot())
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(capture.snapshot()), n+1, "cancelled timer kept firing")
}

func TestStopCancelsEverything(t *testing.T) {
	capture := &emitCapture{}
	s := New(capture.emit, zaptest.NewLogger(t))
	s.Start(context.Background())

	s.Every("a", 10*time.Millisecond, nil)
	s.Every("b", 10*time.Millisecond, nil)
	s.Stop()

	assert.Zero(t, s.Len())
}

func TestRegisterBeforeStartIsDropped(t *testing.T) {
	capture := &emitCapture{}
	s := New(capture.emit, zaptest.NewLogger(t))

	s.Every("early", 10*time.Millisecond, nil)
	assert.Zero(t, s.Len())
}
