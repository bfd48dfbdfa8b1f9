package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventTurnStart      EventKind = "turn_start"
	EventTurnEnd        EventKind = "turn_end"
	EventDecideStart    EventKind = "decide_start"
	EventDecideEnd      EventKind = "decide_end"
	EventToolCallStart  EventKind = "tool_call_start"
	EventToolCallEnd    EventKind = "tool_call_end"
	EventSuperstep      EventKind = "superstep"
	EventLoopDetection  EventKind = "loop_detection"
	EventContextWarning EventKind = "context_warning"
	EventRecursionLimit EventKind = "recursion_limit"
	EventError          EventKind = "error"
)

// Event is a typed event emitted by the loop.
type Event struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Session   string                 `json:"session"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSink receives loop events. Emit must not block the loop.
type EventSink interface {
	Emit(Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans each event out to every sink.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// ChannelSink delivers events to the host application via a channel.
type ChannelSink struct {
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// NewChannelSink creates a ChannelSink with a buffered channel.
func NewChannelSink(bufferSize int) *ChannelSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChannelSink{ch: make(chan Event, bufferSize)}
}

// Emit sends an event to the channel. If the sink is closed, the event
// is silently dropped.
func (s *ChannelSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		// Channel full; drop event to avoid blocking the loop.
	}
}

// Events returns the read-only event channel.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close closes the event channel. Safe to call multiple times.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func emit(sink EventSink, kind EventKind, session string, data map[string]interface{}) {
	if sink == nil {
		return
	}
	sink.Emit(Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Session:   session,
		Data:      data,
	})
}
