package event

import (
	"errors"
	"time"
)

// Payload is the opaque structured body of an event. The core never
// interprets it; workflows parse their own payload shapes.
type Payload map[string]interface{}

// Event is an immutable record routed through the agent loop. Events carry
// no identity until enqueued; the queue assigns a per-process sequence
// number used only for FIFO tie-breaking.
type Event struct {
	Type      string    `json:"type"`
	Payload   Payload   `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Core event types recognized by the runtime. Workflows may emit custom
// types; they flow through the resolver identically and simply match
// nothing if no workflow subscribes.
const (
	DataArrived              = "DATA_ARRIVED"
	ProcessUserRequest       = "PROCESS_USER_REQUEST"
	IssueCreated             = "ISSUE_CREATED"
	IssueUpdated             = "ISSUE_UPDATED"
	IssueStatusChanged       = "ISSUE_STATUS_CHANGED"
	ErrorDetected            = "ERROR_DETECTED"
	PatternFound             = "PATTERN_FOUND"
	KnowledgeExtractable     = "KNOWLEDGE_EXTRACTABLE"
	HighPriorityDetected     = "HIGH_PRIORITY_DETECTED"
	ScheduledTimeReached     = "SCHEDULED_TIME_REACHED"
	FlowCreated              = "FLOW_CREATED"
	FlowUpdated              = "FLOW_UPDATED"
	FlowStatusChanged        = "FLOW_STATUS_CHANGED"
	PerspectiveTriggered     = "PERSPECTIVE_TRIGGERED"
	FlowCompleted            = "FLOW_COMPLETED"
	ContextSwitched          = "CONTEXT_SWITCHED"
	UserRequestReceived       = "USER_REQUEST_RECEIVED"
	IssueStalled              = "ISSUE_STALLED"
	UnclusteredIssuesExceeded = "UNCLUSTERED_ISSUES_EXCEEDED"
	PondCapacityWarning       = "POND_CAPACITY_WARNING"
	ScheduleTriggered         = "SCHEDULE_TRIGGERED"
	SystemMaintenanceDue      = "SYSTEM_MAINTENANCE_DUE"
	IdleTimeDetected          = "IDLE_TIME_DETECTED"
)

// coreTypes indexes the closed catalogue of recognized core event types.
var coreTypes = map[string]struct{}{
	DataArrived:               {},
	ProcessUserRequest:        {},
	IssueCreated:              {},
	IssueUpdated:              {},
	IssueStatusChanged:        {},
	ErrorDetected:             {},
	PatternFound:              {},
	KnowledgeExtractable:      {},
	HighPriorityDetected:      {},
	ScheduledTimeReached:      {},
	FlowCreated:               {},
	FlowUpdated:               {},
	FlowStatusChanged:         {},
	PerspectiveTriggered:      {},
	FlowCompleted:             {},
	ContextSwitched:           {},
	UserRequestReceived:       {},
	IssueStalled:              {},
	UnclusteredIssuesExceeded: {},
	PondCapacityWarning:       {},
	ScheduleTriggered:         {},
	SystemMaintenanceDue:      {},
	IdleTimeDetected:          {},
}

// ErrEmptyType is returned when constructing an event without a type.
var ErrEmptyType = errors.New("event type cannot be empty")

// New creates an event with the current time. The payload is not copied;
// callers must not mutate it after emission.
func New(eventType string, payload Payload) (Event, error) {
	if eventType == "" {
		return Event{}, ErrEmptyType
	}
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}, nil
}

// MustNew is New for compile-time-constant types; it panics on an empty type.
func MustNew(eventType string, payload Payload) Event {
	ev, err := New(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// IsCore reports whether t is one of the recognized core event types.
func IsCore(t string) bool {
	_, ok := coreTypes[t]
	return ok
}
