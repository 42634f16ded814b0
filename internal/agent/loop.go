package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/event"
	"github.com/pondworks/heron/internal/ingest"
	"github.com/pondworks/heron/internal/metrics"
	"github.com/pondworks/heron/internal/queue"
	"github.com/pondworks/heron/internal/recorder"
	"github.com/pondworks/heron/internal/registry"
	"github.com/pondworks/heron/internal/state"
	"github.com/pondworks/heron/internal/storage"
	"github.com/pondworks/heron/internal/stream"
	"github.com/pondworks/heron/internal/tracing"
	"github.com/pondworks/heron/internal/workflow"
)

// StreamTopic is the live-feed topic run lifecycle events publish on.
const StreamTopic = "runs"

// DefaultRunTimeout bounds a run when the definition sets none.
const DefaultRunTimeout = 5 * time.Minute

// Config tunes the loop.
type Config struct {
	// Workers is the number of concurrent run slots. The default of 1
	// keeps runs strictly serialized.
	Workers int
	// DefaultTimeout applies to definitions without their own.
	DefaultTimeout time.Duration
	// DropEventsOnFailure discards the events a run emitted before it
	// failed. By default they are enqueued anyway: emissions record things
	// that already happened, and the failure is visible in the run record.
	DropEventsOnFailure bool
}

// Loop is the agent runtime: it resolves events to activations, drains the
// priority queue with a bounded worker pool, runs executors under the
// workflow contract, commits state, and feeds run records back into the
// ingestion buffer.
type Loop struct {
	logger   *zap.Logger
	config   Config
	resolver *registry.Resolver
	queue    *queue.Queue
	state    *state.DocumentManager
	storage  storage.Handle
	drivers  workflow.DriverFactory
	buffer   *ingest.Buffer
	streams  *stream.Manager

	// ScheduleAt, when set, lets executors arm one-shot timers.
	ScheduleAt func(at time.Time, ev event.Event)

	wg       sync.WaitGroup
	stopOnce sync.Once

	mu        sync.Mutex
	inFlight  int
	lastRunAt time.Time
}

// NewLoop wires the runtime loop.
func NewLoop(
	resolver *registry.Resolver,
	q *queue.Queue,
	stateMgr *state.DocumentManager,
	store storage.Handle,
	drivers workflow.DriverFactory,
	buffer *ingest.Buffer,
	streams *stream.Manager,
	config Config,
	logger *zap.Logger,
) *Loop {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultRunTimeout
	}
	return &Loop{
		logger:   logger,
		config:   config,
		resolver: resolver,
		queue:    q,
		state:    stateMgr,
		storage:  store,
		drivers:  drivers,
		buffer:   buffer,
		streams:  streams,
	}
}

// Emit routes an event through the resolver and enqueues every matching
// activation. It is the single entry point for events from sources, the
// API, the scheduler, and workflows themselves.
func (l *Loop) Emit(ev event.Event, origin string) {
	metrics.EventsEmitted.WithLabelValues(ev.Type, origin).Inc()

	activations := l.resolver.Resolve(ev)
	if len(activations) == 0 {
		l.logger.Debug("Event matched no workflows",
			zap.String("event_type", ev.Type),
			zap.String("origin", origin),
		)
		return
	}

	for _, act := range activations {
		if err := l.queue.Enqueue(act.Workflow, act.Event); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				l.logger.Warn("Dropping activation, queue closed",
					zap.String("workflow", act.Workflow.Name),
					zap.String("event_type", ev.Type),
				)
				metrics.ActivationsDropped.WithLabelValues("queue_closed").Inc()
				continue
			}
			l.logger.Error("Failed to enqueue activation", zap.Error(err))
		}
	}
	metrics.QueueDepth.Set(float64(l.queue.Len()))

	l.streams.Publish(StreamTopic, stream.Event{
		Type:    stream.TypeEventEnqueued,
		Message: fmt.Sprintf("%s matched %d workflow(s)", ev.Type, len(activations)),
	})
}

// Start launches the worker pool.
func (l *Loop) Start(ctx context.Context) {
	for i := 0; i < l.config.Workers; i++ {
		l.wg.Add(1)
		go l.worker(ctx, i)
	}
	l.logger.Info("Agent loop started", zap.Int("workers", l.config.Workers))
}

// Stop closes the queue and waits for in-flight runs to finish. Pending
// activations still in the queue are drained before workers exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { l.queue.Close() })
	l.wg.Wait()
	l.logger.Info("Agent loop stopped")
}

// InFlight returns the number of runs currently executing.
func (l *Loop) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// LastRunAt returns when a run last started.
func (l *Loop) LastRunAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRunAt
}

func (l *Loop) worker(ctx context.Context, id int) {
	defer l.wg.Done()

	for {
		item, err := l.queue.Dequeue()
		if err != nil {
			return
		}
		metrics.QueueDepth.Set(float64(l.queue.Len()))
		l.runOne(ctx, item)
	}
}

// emitBuffer collects events an executor emits during a run. Nothing is
// enqueued until the run finishes, so a half-done run never wakes other
// workflows mid-flight.
type emitBuffer struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *emitBuffer) Emit(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *emitBuffer) drain() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

func (l *Loop) runOne(ctx context.Context, item *queue.Item) {
	def := item.Workflow
	started := time.Now()

	l.mu.Lock()
	l.inFlight++
	l.lastRunAt = started
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}()

	metrics.WorkflowRunsStarted.WithLabelValues(def.Name).Inc()
	l.streams.Publish(StreamTopic, stream.Event{
		Type:     stream.TypeRunStarted,
		Workflow: def.Name,
		Message:  "woke on " + item.Event.Type,
	})

	rec := recorder.New(def.Name)
	wc := &workflow.Context{
		State:    l.state.Current(),
		Storage:  l.storage,
		Recorder: rec,
		Drivers:  l.drivers,
		Schedule: l.ScheduleAt,
	}
	emitter := &emitBuffer{}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = l.config.DefaultTimeout
	}
	spanCtx, span := tracing.StartRunSpan(ctx, def.Name, item.Event.Type)
	runCtx, cancel := context.WithTimeout(spanCtx, timeout)
	result, runErr := l.execute(runCtx, def, item.Event, wc, emitter)
	cancel()
	span.End()

	if runErr == nil {
		runErr = l.verifyContract(wc, result)
	}
	if runErr == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = workflow.NewFailure(workflow.FailureTimeout,
			fmt.Errorf("run exceeded %s timeout", timeout))
	}

	duration := time.Since(started)
	if runErr != nil {
		l.finishFailed(def, item.Event, rec, runErr, duration)
		l.cascade(def, emitter)
		return
	}

	if result.Ctx.State != wc.State {
		if err := l.state.Commit(ctx, result.Ctx.State); err != nil {
			l.finishFailed(def, item.Event, rec,
				workflow.NewFailure(workflow.FailureInfrastructure, err), duration)
			l.cascade(def, emitter)
			return
		}
		metrics.StateCommits.Inc()
		l.streams.Publish(StreamTopic, stream.Event{
			Type:     stream.TypeStateCommitted,
			Workflow: def.Name,
		})
	}

	for _, ev := range emitter.drain() {
		l.Emit(ev, "workflow:"+def.Name)
	}

	l.recordRun(def, item.Event, rec, "COMPLETED", result.Summary, "", duration)
	metrics.RecordWorkflowRun(def.Name, "completed", duration.Seconds())
	l.streams.Publish(StreamTopic, stream.Event{
		Type:     stream.TypeRunCompleted,
		Workflow: def.Name,
		Message:  result.Summary,
	})
	l.logger.Info("Workflow run completed",
		zap.String("workflow", def.Name),
		zap.String("event_type", item.Event.Type),
		zap.Duration("duration", duration),
	)
}

// execute invokes the executor with panic containment.
func (l *Loop) execute(ctx context.Context, def *workflow.Definition, ev event.Event, wc *workflow.Context, em workflow.Emitter) (result *workflow.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = workflow.NewFailure(workflow.FailurePanic,
				fmt.Errorf("executor panicked: %v", r))
		}
	}()
	result, err = def.Executor.Execute(ctx, ev, wc, em)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, workflow.NewFailure(workflow.FailureTimeout, err)
		}
		return nil, err
	}
	return result, nil
}

// verifyContract checks the executor only replaced state.
func (l *Loop) verifyContract(orig *workflow.Context, result *workflow.Result) error {
	if result == nil || result.Ctx == nil {
		return workflow.NewFailure(workflow.FailureContract,
			errors.New("executor returned no context"))
	}
	if !orig.SameBindings(result.Ctx) {
		return workflow.NewFailure(workflow.FailureContract,
			errors.New("executor replaced a context binding other than state"))
	}
	return nil
}

// cascade enqueues the events a failed run emitted before it broke, unless
// the loop is configured to drop them.
func (l *Loop) cascade(def *workflow.Definition, emitter *emitBuffer) {
	events := emitter.drain()
	if len(events) == 0 {
		return
	}
	if l.config.DropEventsOnFailure {
		l.logger.Warn("Discarding events emitted by failed run",
			zap.String("workflow", def.Name),
			zap.Int("events", len(events)),
		)
		metrics.ActivationsDropped.WithLabelValues("failed_run").Inc()
		return
	}
	for _, ev := range events {
		l.Emit(ev, "workflow:"+def.Name)
	}
}

func (l *Loop) finishFailed(def *workflow.Definition, ev event.Event, rec *recorder.Recorder, runErr error, duration time.Duration) {
	f := workflow.AsFailure(runErr)

	l.recordRun(def, ev, rec, "FAILED", "", f.Error(), duration)
	metrics.RecordWorkflowRun(def.Name, "failed", duration.Seconds())
	l.streams.Publish(StreamTopic, stream.Event{
		Type:     stream.TypeRunFailed,
		Workflow: def.Name,
		Message:  f.Error(),
	})
	l.logger.Error("Workflow run failed",
		zap.String("workflow", def.Name),
		zap.String("event_type", ev.Type),
		zap.String("kind", string(f.Kind)),
		zap.Duration("duration", duration),
		zap.Error(f.Err),
	)
}

// runRecord is the pond-bound account of one run.
type runRecord struct {
	Workflow  string            `json:"workflow"`
	EventType string            `json:"event_type"`
	Status    string            `json:"status"`
	Summary   string            `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
	DurationM int64             `json:"duration_ms"`
	StartedAt time.Time         `json:"started_at"`
	Trace     []recorder.Record `json:"trace,omitempty"`
}

// recordRun journals the run into the ingestion buffer; it reaches the
// pond through the normal flush path.
func (l *Loop) recordRun(def *workflow.Definition, ev event.Event, rec *recorder.Recorder, status, summary, errMsg string, duration time.Duration) {
	record := runRecord{
		Workflow:  def.Name,
		EventType: ev.Type,
		Status:    status,
		Summary:   summary,
		Error:     errMsg,
		DurationM: duration.Milliseconds(),
		StartedAt: time.Now().Add(-duration),
		Trace:     rec.Buffer(),
	}
	body, err := json.Marshal(record)
	if err != nil {
		l.logger.Error("Failed to encode run record", zap.Error(err))
		return
	}
	if err := l.buffer.Put(ingest.NewEntry("run_record", def.Name, body)); err != nil {
		l.logger.Error("Failed to buffer run record",
			zap.String("workflow", def.Name), zap.Error(err))
	}
}
