package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/event"
)

// EmitFunc hands a fired timer's event to the runtime.
type EmitFunc func(ev event.Event)

// Scheduler turns time into events: recurring timers emit
// SCHEDULE_TRIGGERED on a fixed period, one-shot timers emit
// SCHEDULED_TIME_REACHED at a point in time. Workflows request one-shots
// through their context; recurring schedules come from configuration.
type Scheduler struct {
	logger *zap.Logger
	emit   EmitFunc

	mu      sync.Mutex
	ctx     context.Context
	cancels map[uuid.UUID]context.CancelFunc
	started bool

	wg sync.WaitGroup
}

// New creates a scheduler that publishes through emit.
func New(emit EmitFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		emit:    emit,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start arms the scheduler. Registrations made before Start are dropped
// with a warning; arm timers only on a started scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()
}

// Stop cancels all timers and waits for their goroutines.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
}

// Every registers a recurring timer emitting SCHEDULE_TRIGGERED with the
// schedule's name every period. It returns the timer id for cancellation.
func (s *Scheduler) Every(name string, period time.Duration, payload event.Payload) uuid.UUID {
	id := uuid.New()
	tctx := s.timerContext(id)
	if tctx == nil {
		return id
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				s.fire(event.ScheduleTriggered, name, id, payload)
			}
		}
	}()

	s.logger.Info("Recurring schedule armed",
		zap.String("schedule", name),
		zap.Duration("period", period),
	)
	return id
}

// At registers a one-shot timer emitting SCHEDULED_TIME_REACHED at the
// given time. Times in the past fire immediately.
func (s *Scheduler) At(name string, at time.Time, payload event.Payload) uuid.UUID {
	id := uuid.New()
	tctx := s.timerContext(id)
	if tctx == nil {
		return id
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-tctx.Done():
			return
		case <-timer.C:
			s.fire(event.ScheduledTimeReached, name, id, payload)
			s.Cancel(id)
		}
	}()

	s.logger.Info("One-shot schedule armed",
		zap.String("schedule", name),
		zap.Time("at", at),
	)
	return id
}

// Cancel disarms a timer. Unknown ids are a no-op.
func (s *Scheduler) Cancel(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

func (s *Scheduler) timerContext(id uuid.UUID) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.logger.Warn("Schedule registered before scheduler start, dropping",
			zap.String("id", id.String()))
		return nil
	}
	tctx, cancel := context.WithCancel(s.ctx)
	s.cancels[id] = cancel
	return tctx
}

func (s *Scheduler) fire(eventType, name string, id uuid.UUID, payload event.Payload) {
	p := event.Payload{
		"schedule":    name,
		"schedule_id": id.String(),
	}
	for k, v := range payload {
		p[k] = v
	}
	s.emit(event.MustNew(eventType, p))
}
