package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pondworks/heron/internal/event"
	"github.com/pondworks/heron/internal/workflow"
)

func testDef(name string, priority workflow.Priority) *workflow.Definition {
	return &workflow.Definition{
		Name:    name,
		Trigger: workflow.Trigger{EventTypes: []string{event.DataArrived}, Priority: priority},
		Executor: workflow.ExecutorFunc(func(ctx context.Context, ev event.Event, wc *workflow.Context, em workflow.Emitter) (*workflow.Result, error) {
			return &workflow.Result{Ctx: wc}, nil
		}),
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	ev := event.MustNew(event.DataArrived, nil)

	require.NoError(t, q.Enqueue(testDef("low", workflow.PriorityLow), ev))
	require.NoError(t, q.Enqueue(testDef("critical", workflow.PriorityCritical), ev))
	require.NoError(t, q.Enqueue(testDef("normal", workflow.PriorityNormal), ev))

	var got []string
	for i := 0; i < 3; i++ {
		item, err := q.Dequeue()
		require.NoError(t, err)
		got = append(got, item.Workflow.Name)
	}
	assert.Equal(t, []string{"critical", "normal", "low"}, got)
}

func TestLowerPriorityValueDequeuesFirst(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	ev := event.MustNew(event.DataArrived, nil)

	require.NoError(t, q.Enqueue(testDef("A", workflow.Priority(5)), ev))
	require.NoError(t, q.Enqueue(testDef("B", workflow.Priority(5)), ev))
	require.NoError(t, q.Enqueue(testDef("C", workflow.Priority(1)), ev))

	var got []string
	for i := 0; i < 3; i++ {
		item, err := q.Dequeue()
		require.NoError(t, err)
		got = append(got, item.Workflow.Name)
	}
	assert.Equal(t, []string{"C", "A", "B"}, got)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	ev := event.MustNew(event.DataArrived, nil)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(testDef(name, workflow.PriorityNormal), ev))
	}

	var got []string
	for i := 0; i < 4; i++ {
		item, err := q.Dequeue()
		require.NoError(t, err)
		got = append(got, item.Workflow.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(zaptest.NewLogger(t))

	done := make(chan string, 1)
	go func() {
		item, err := q.Dequeue()
		if err != nil {
			done <- "error"
			return
		}
		done <- item.Workflow.Name
	}()

	select {
	case <-done:
		t.Fatal("Dequeue returned before anything was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(testDef("late", workflow.PriorityNormal), event.MustNew(event.DataArrived, nil)))

	select {
	case name := <-done:
		assert.Equal(t, "late", name)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake after enqueue")
	}
}

func TestCancelWorkflow(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	ev := event.MustNew(event.DataArrived, nil)

	require.NoError(t, q.Enqueue(testDef("keep", workflow.PriorityNormal), ev))
	require.NoError(t, q.Enqueue(testDef("drop", workflow.PriorityHigh), ev))
	require.NoError(t, q.Enqueue(testDef("drop", workflow.PriorityHigh), ev))

	assert.Equal(t, 2, q.CancelWorkflow("drop"))
	assert.Equal(t, 0, q.CancelWorkflow("drop"))
	assert.Equal(t, 1, q.Len())

	item, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "keep", item.Workflow.Name)
}

func TestCloseDrainsThenErrors(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(testDef("pending", workflow.PriorityNormal), event.MustNew(event.DataArrived, nil)))

	q.Close()

	assert.ErrorIs(t, q.Enqueue(testDef("rejected", workflow.PriorityNormal), event.MustNew(event.DataArrived, nil)), ErrClosed)

	// Queued work is still drainable after close.
	item, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "pending", item.Workflow.Name)

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWakesBlockedDequeuers(t *testing.T) {
	q := New(zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked Dequeue was not woken by Close")
	}
}
