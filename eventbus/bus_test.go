package eventbus

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/itinerary/agentloop"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func startBus(t *testing.T, logger zerolog.Logger, handlers map[string]func(context.Context, agentloop.Event) error) *Bus {
	t.Helper()
	bus, err := New(logger)
	require.NoError(t, err)
	for name, h := range handlers {
		bus.AddHandler(name, h)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
		<-done
	})
	select {
	case <-bus.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
	return bus
}

func TestPublisherDeliversEvents(t *testing.T) {
	received := make(chan agentloop.Event, 4)
	bus := startBus(t, zerolog.Nop(), map[string]func(context.Context, agentloop.Event) error{
		"collect": func(_ context.Context, e agentloop.Event) error {
			received <- e
			return nil
		},
	})

	bus.Publisher().Emit(agentloop.Event{
		Kind:      agentloop.EventSuperstep,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Session:   "u-1:s-1",
		Data:      map[string]interface{}{"superstep": 3},
	})

	select {
	case e := <-received:
		assert.Equal(t, agentloop.EventSuperstep, e.Kind)
		assert.Equal(t, "u-1:s-1", e.Session)
		assert.EqualValues(t, 3, e.Data["superstep"])
		assert.True(t, e.Timestamp.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestLogSubscriberLevels(t *testing.T) {
	out := &syncBuffer{}
	logger := zerolog.New(out).Level(zerolog.InfoLevel)
	bus := startBus(t, zerolog.Nop(), map[string]func(context.Context, agentloop.Event) error{
		"log": LogSubscriber(logger),
	})

	pub := bus.Publisher()
	pub.Emit(agentloop.Event{Kind: agentloop.EventToolCallStart, Session: "a:b"})
	pub.Emit(agentloop.Event{Kind: agentloop.EventRecursionLimit, Session: "a:b", Data: map[string]interface{}{"limit": 50}})

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte(`"kind":"recursion_limit"`))
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), `"level":"warn"`)
	assert.Contains(t, out.String(), `"limit":50`)
	assert.NotContains(t, out.String(), "tool_call_start")
}

func TestLoopEventsReachBus(t *testing.T) {
	received := make(chan agentloop.Event, 64)
	bus := startBus(t, zerolog.Nop(), map[string]func(context.Context, agentloop.Event) error{
		"collect": func(_ context.Context, e agentloop.Event) error {
			received <- e
			return nil
		},
	})

	// Emit through a MultiSink the way the app wires the controller.
	sink := agentloop.MultiSink{agentloop.NopSink{}, bus.Publisher()}
	sink.Emit(agentloop.Event{Kind: agentloop.EventTurnStart, Session: "u:s"})
	sink.Emit(agentloop.Event{Kind: agentloop.EventTurnEnd, Session: "u:s"})

	kinds := map[agentloop.EventKind]bool{}
	deadline := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case e := <-received:
			kinds[e.Kind] = true
		case <-deadline:
			t.Fatalf("only received %v", kinds)
		}
	}
}

func TestZerologAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewZerologAdapter(zerolog.New(&buf).Level(zerolog.TraceLevel))

	adapter.With(watermill.LogFields{"topic": Topic}).Info("subscribed", watermill.LogFields{"n": 1})
	assert.Contains(t, buf.String(), `"level":"debug"`)
	assert.Contains(t, buf.String(), `"topic":"itinerary.loop_events"`)
	assert.Contains(t, buf.String(), `"message":"subscribed"`)

	buf.Reset()
	adapter.Error("boom", assert.AnError, nil)
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), assert.AnError.Error())
}
