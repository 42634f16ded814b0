package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pondworks/heron/internal/event"
	"github.com/pondworks/heron/internal/recorder"
	"github.com/pondworks/heron/internal/storage"
)

// Priority orders ready workflows in the queue. Lower values run first;
// ties are broken by enqueue order.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 50
	PriorityNormal   Priority = 100
	PriorityLow      Priority = 200
)

// Predicate inspects an event and decides whether the trigger fires. A nil
// predicate matches every event of the subscribed types. Predicates must be
// pure; a panicking predicate is treated as a non-match.
type Predicate func(ev event.Event) bool

// Trigger binds a workflow to the event types that wake it.
type Trigger struct {
	EventTypes []string
	Priority   Priority
	Predicate  Predicate
}

// Emitter lets an executor publish follow-up events. Emitted events are
// buffered during the run and enqueued after it finishes; by default they
// are delivered even when the run fails, since each emission records
// something that already happened.
type Emitter interface {
	Emit(ev event.Event)
}

// DriverFactory resolves an execution driver by capability requirements.
// Executors that need model access request one through the context.
type DriverFactory interface {
	Acquire(ctx context.Context, required, preferred []string) (Driver, error)
}

// Driver is an execution backend (a model endpoint, a local tool runner).
type Driver interface {
	Name() string
	Capabilities() []string
	Complete(ctx context.Context, prompt string) (string, error)
}

// Context carries everything an executor may touch during one run. The
// state field is the only binding an executor is allowed to replace; the
// runtime verifies this after the run.
type Context struct {
	State    string
	Storage  storage.Handle
	Recorder *recorder.Recorder
	Drivers  DriverFactory

	// Schedule requests a timer from the runtime scheduler. Nil when the
	// scheduler is disabled.
	Schedule func(at time.Time, ev event.Event)
}

// WithState returns a copy of the context with the state replaced. This is
// the only sanctioned way for an executor to propose a state change.
func (c *Context) WithState(s string) *Context {
	out := *c
	out.State = s
	return &out
}

// SameBindings reports whether the non-state bindings of other are untouched
// relative to c. The runtime uses it to detect contract violations.
func (c *Context) SameBindings(other *Context) bool {
	if other == nil {
		return false
	}
	return c.Storage == other.Storage &&
		c.Recorder == other.Recorder &&
		c.Drivers == other.Drivers
}

// Result is what a successful executor run returns.
type Result struct {
	// Ctx is the (possibly state-updated) context the executor finished with.
	Ctx *Context
	// Summary is a short human-readable account of what the run did.
	Summary string
}

// FailureKind classifies why a run failed.
type FailureKind string

const (
	// FailureContract means the executor broke its contract, for example by
	// swapping a binding other than state. The event is not retried.
	FailureContract FailureKind = "contract"
	// FailureInfrastructure means a dependency failed; the run may be retried.
	FailureInfrastructure FailureKind = "infrastructure"
	// FailureTimeout means the run exceeded its deadline.
	FailureTimeout FailureKind = "timeout"
	// FailurePanic means the executor panicked.
	FailurePanic FailureKind = "panic"
)

// Failure wraps a run error with its classification.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("workflow failure (%s): %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a classified failure.
func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// AsFailure extracts a *Failure from err, defaulting unclassified errors to
// infrastructure failures.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: FailureInfrastructure, Err: err}
}

// Executor runs one workflow activation. Implementations must be safe to
// retry: side effects outside the storage handle should be idempotent.
type Executor interface {
	Execute(ctx context.Context, ev event.Event, wc *Context, em Emitter) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, ev event.Event, wc *Context, em Emitter) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, ev event.Event, wc *Context, em Emitter) (*Result, error) {
	return f(ctx, ev, wc, em)
}

// Definition is a complete, registerable workflow.
type Definition struct {
	Name     string
	Trigger  Trigger
	Executor Executor
	// Timeout bounds one run. Zero applies the runtime default.
	Timeout time.Duration
}

// Validate checks the definition is registerable.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(d.Trigger.EventTypes) == 0 {
		return fmt.Errorf("workflow %q subscribes to no event types", d.Name)
	}
	for _, et := range d.Trigger.EventTypes {
		if et == "" {
			return fmt.Errorf("workflow %q has an empty event type subscription", d.Name)
		}
	}
	if d.Executor == nil {
		return fmt.Errorf("workflow %q has no executor", d.Name)
	}
	return nil
}
