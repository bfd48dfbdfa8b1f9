package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/itinerary/unifiedllm"
)

func newTestController(model Model, reg *ToolRegistry, store SessionStore, opts ...ControllerOption) *Controller {
	return NewController(model, reg, store, testProfile(), DefaultConfig(), opts...)
}

var paris = SessionIdentity{UserID: "u-1", SessionID: "s-1", UserName: "Ada"}

func TestParisScenario(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
		replyTools(call{"search_hotels", `{"destination":"Paris"}`}),
		replyText("Here are three hotels in Paris."),
	}}
	reg := registryWith(staticTool("search_hotels", map[string]any{"hotels": []string{"Le Marais Inn"}}))
	store := NewMemoryStore()
	ctrl := newTestController(model, reg, store)

	res, err := ctrl.Run(context.Background(), paris, "What hotels are in Paris?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("expected DONE, got %s", res.State)
	}
	if res.Reply != "Here are three hotels in Paris." {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	if res.Supersteps != 1 {
		t.Errorf("expected 1 superstep, got %d", res.Supersteps)
	}

	state, _ := store.Get(context.Background(), paris.Key())
	wantRoles := []Role{RoleUser, RoleAssistant, RoleTool, RoleAssistant}
	if got := state.Roles(); fmt.Sprint(got) != fmt.Sprint(wantRoles) {
		t.Fatalf("expected roles %v, got %v", wantRoles, got)
	}
	if !strings.Contains(state.Messages[0].Content, "User Query:\nWhat hotels are in Paris?") {
		t.Errorf("user message was not wrapped: %q", state.Messages[0].Content)
	}
	if state.Messages[2].Content != `{"hotels":["Le Marais Inn"]}` {
		t.Errorf("unexpected tool content %s", state.Messages[2].Content)
	}
	assertPairing(t, state.Messages)

	// The directive is sent first and never persisted.
	first := model.requests[0]
	if first.Messages[0].Role != unifiedllm.RoleSystem || first.Messages[0].TextContent() != "You plan trips." {
		t.Errorf("expected directive first, got %+v", first.Messages[0])
	}
	for _, m := range state.Messages {
		if m.Role == RoleSystem {
			t.Error("system directive was persisted")
		}
	}
	if len(first.ToolDefs) != 1 || first.ToolChoice == nil || first.ToolChoice.Mode != "auto" {
		t.Errorf("expected tool defs with auto choice, got %+v / %+v", first.ToolDefs, first.ToolChoice)
	}
	if len(model.requests[1].Messages) != 4 {
		t.Errorf("second decision should see directive+3 messages, saw %d", len(model.requests[1].Messages))
	}
}

func TestRecursionLimitAbortsAfterFiftySupersteps(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
		replyTools(call{"search_hotels", `{"destination":"Paris"}`}),
	}}
	store := NewMemoryStore()
	ctrl := newTestController(model, registryWith(staticTool("search_hotels", "[]")), store)

	res, err := ctrl.Run(context.Background(), paris, "loop forever")
	if !errors.Is(err, ErrRecursionLimitExceeded) {
		t.Fatalf("expected ErrRecursionLimitExceeded, got %v", err)
	}
	var rle *RecursionLimitExceededError
	if !errors.As(err, &rle) || rle.Limit != 50 || rle.Supersteps != 50 {
		t.Errorf("unexpected error detail %+v", rle)
	}
	if res == nil || res.State != StateAborted || res.Supersteps != 50 {
		t.Fatalf("unexpected result %+v", res)
	}
	if model.calls() != 50 {
		t.Errorf("expected 50 decisions, got %d", model.calls())
	}

	state, _ := store.Get(context.Background(), paris.Key())
	if len(state.Messages) != 101 {
		t.Fatalf("expected 101 messages, got %d", len(state.Messages))
	}
	assistants, tools := 0, 0
	for _, m := range state.Messages {
		switch m.Role {
		case RoleAssistant:
			assistants++
		case RoleTool:
			tools++
		}
	}
	if assistants != 50 || tools != 50 {
		t.Errorf("expected 50 assistant and 50 tool messages, got %d and %d", assistants, tools)
	}
	assertPairing(t, state.Messages)
}

func TestRecursionLimitBoundary(t *testing.T) {
	// A model that answers right after the last allowed superstep still aborts.
	script := []func(unifiedllm.Request) (*unifiedllm.Response, error){}
	for i := 0; i < 3; i++ {
		script = append(script, replyTools(call{"t", `{}`}))
	}
	script = append(script, replyText("done"))

	cfg := DefaultConfig()
	cfg.MaxSupersteps = 3
	model := &scriptedModel{script: script}
	ctrl := NewController(model, registryWith(staticTool("t", "ok")), NewMemoryStore(), testProfile(), cfg)

	if _, err := ctrl.Run(context.Background(), paris, "q"); !errors.Is(err, ErrRecursionLimitExceeded) {
		t.Fatalf("expected abort at the bound, got %v", err)
	}

	cfg.MaxSupersteps = 4
	model = &scriptedModel{script: script}
	ctrl = NewController(model, registryWith(staticTool("t", "ok")), NewMemoryStore(), testProfile(), cfg)
	res, err := ctrl.Run(context.Background(), paris, "q")
	if err != nil || res.Reply != "done" || res.Supersteps != 3 {
		t.Fatalf("expected DONE after 3 supersteps, got %+v, %v", res, err)
	}
}

func TestUnknownToolRecovery(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
		replyTools(call{"book_flight", `{}`}),
		func(req unifiedllm.Request) (*unifiedllm.Response, error) {
			last := req.Messages[len(req.Messages)-1].ToolResult()
			if last == nil || !strings.Contains(last.Text(), "book_flight") {
				return nil, errors.New("model did not see the error payload")
			}
			return replyText("Sorry, I cannot book flights.")(req)
		},
	}}
	store := NewMemoryStore()
	ctrl := newTestController(model, NewToolRegistry(), store)

	res, err := ctrl.Run(context.Background(), paris, "Book me a flight")
	if err != nil {
		t.Fatalf("unknown tool must not surface: %v", err)
	}
	if res.Reply != "Sorry, I cannot book flights." {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	state, _ := store.Get(context.Background(), paris.Key())
	tool := state.Messages[2]
	if tool.Role != RoleTool || !tool.IsError || !strings.Contains(tool.Content, `"tool":"book_flight"`) {
		t.Errorf("unexpected tool message %+v", tool)
	}
}

func TestModelFailureAppendsNothing(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
		replyError(&unifiedllm.ServerError{}),
	}}
	store := NewMemoryStore()
	ctrl := newTestController(model, NewToolRegistry(), store)

	_, err := ctrl.Run(context.Background(), paris, "hi")
	var mie *ModelInvocationError
	if !errors.As(err, &mie) {
		t.Fatalf("expected ModelInvocationError, got %v", err)
	}
	state, _ := store.Get(context.Background(), paris.Key())
	if len(state.Messages) != 1 || state.Messages[0].Role != RoleUser {
		t.Errorf("expected only the user message, got %v", state.Roles())
	}
}

func TestEmptyModelResponseIsInvocationError(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){replyText("")}}
	ctrl := newTestController(model, NewToolRegistry(), NewMemoryStore())

	_, err := ctrl.Run(context.Background(), paris, "hi")
	var mie *ModelInvocationError
	if !errors.As(err, &mie) {
		t.Fatalf("expected ModelInvocationError, got %v", err)
	}
}

func TestDecideTimeoutKeepsSessionUsable(t *testing.T) {
	var n int32
	slow := modelFunc(func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
		if atomic.AddInt32(&n, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return replyText("back again")(req)
	})

	cfg := DefaultConfig()
	cfg.DecideTimeout = 20 * time.Millisecond
	store := NewMemoryStore()
	ctrl := NewController(slow, NewToolRegistry(), store, testProfile(), cfg)

	_, err := ctrl.Run(context.Background(), paris, "first")
	var mie *ModelInvocationError
	var timeout *StepTimeoutError
	if !errors.As(err, &mie) || !errors.As(err, &timeout) || timeout.Step != "decide" {
		t.Fatalf("expected decide timeout inside ModelInvocationError, got %v", err)
	}

	res, err := ctrl.Run(context.Background(), paris, "second")
	if err != nil || res.Reply != "back again" {
		t.Fatalf("session unusable after timeout: %+v, %v", res, err)
	}
	state, _ := store.Get(context.Background(), paris.Key())
	if fmt.Sprint(state.Roles()) != fmt.Sprint([]Role{RoleUser, RoleUser, RoleAssistant}) {
		t.Errorf("unexpected roles %v", state.Roles())
	}
}

func TestDispatchTimeoutAppendsBatchThenFails(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
		replyTools(call{"stuck", `{}`}),
		replyText("recovered"),
	}}
	reg := registryWith(funcTool("stuck", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-release
		return "late", nil
	}))
	cfg := DefaultConfig()
	cfg.DispatchTimeout = 20 * time.Millisecond
	store := NewMemoryStore()
	ctrl := NewController(model, reg, store, testProfile(), cfg)

	_, err := ctrl.Run(context.Background(), paris, "first")
	var timeout *StepTimeoutError
	if !errors.As(err, &timeout) || timeout.Step != "dispatch" {
		t.Fatalf("expected dispatch timeout, got %v", err)
	}
	state, _ := store.Get(context.Background(), paris.Key())
	if fmt.Sprint(state.Roles()) != fmt.Sprint([]Role{RoleUser, RoleAssistant, RoleTool}) {
		t.Fatalf("unexpected roles %v", state.Roles())
	}
	if len(state.Unresolved()) != 0 {
		t.Errorf("dispatch timeout left calls unresolved")
	}

	res, err := ctrl.Run(context.Background(), paris, "second")
	if err != nil || res.Reply != "recovered" {
		t.Fatalf("session unusable after dispatch timeout: %+v, %v", res, err)
	}
}

func TestMissingUserIDRejectedBeforeStore(t *testing.T) {
	store := &countingStore{SessionStore: NewMemoryStore()}
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){replyText("x")}}
	ctrl := newTestController(model, NewToolRegistry(), store)

	_, err := ctrl.Run(context.Background(), SessionIdentity{SessionID: "s"}, "hi")
	if !errors.Is(err, ErrSessionIdentityMissing) {
		t.Fatalf("expected ErrSessionIdentityMissing, got %v", err)
	}
	if store.touched != 0 || model.calls() != 0 {
		t.Errorf("store touched %d times, model called %d times", store.touched, model.calls())
	}
}

func TestReplayDeterminism(t *testing.T) {
	turns := []string{"Hotels in Paris?", "And the weather?", "Book the first one"}
	run := func() []Role {
		model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
			replyTools(call{"search_hotels", `{"destination":"Paris"}`}),
			replyText("Three hotels."),
			replyTools(call{"get_weather_forecast", `{"location":"Paris"}`}, call{"search_hotels", `{"destination":"Paris"}`}),
			replyText("Sunny."),
			replyText("I need dates first."),
		}}
		reg := registryWith(staticTool("search_hotels", "[]"), staticTool("get_weather_forecast", "{}"))
		store := NewMemoryStore()
		ctrl := newTestController(model, reg, store)
		for _, turn := range turns {
			if _, err := ctrl.Run(context.Background(), paris, turn); err != nil {
				t.Fatalf("turn %q: %v", turn, err)
			}
		}
		state, _ := store.Get(context.Background(), paris.Key())
		assertPairing(t, state.Messages)
		return state.Roles()
	}

	first, second := run(), run()
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("replay diverged:\n%v\n%v", first, second)
	}
	want := []Role{
		RoleUser, RoleAssistant, RoleTool, RoleAssistant,
		RoleUser, RoleAssistant, RoleTool, RoleTool, RoleAssistant,
		RoleUser, RoleAssistant,
	}
	if fmt.Sprint(first) != fmt.Sprint(want) {
		t.Errorf("unexpected role sequence %v", first)
	}
}

func TestNoDecideTwiceWithoutDispatch(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
		replyTools(call{"t", `{}`}, call{"t", `{"x":1}`}),
		replyTools(call{"t", `{}`}),
		replyText("ok"),
	}}
	sink := NewChannelSink(256)
	ctrl := newTestController(model, registryWith(staticTool("t", "ok")), NewMemoryStore(), WithEvents(sink))

	if _, err := ctrl.Run(context.Background(), paris, "go"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sink.Close()

	var prev EventKind
	supersteps := 0
	for e := range sink.Events() {
		if e.Kind == EventDecideStart && prev == EventDecideEnd {
			t.Errorf("decided twice without a dispatch in between")
		}
		if e.Kind == EventSuperstep {
			supersteps++
			if got := e.Data["superstep"]; got != supersteps {
				t.Errorf("superstep counter jumped to %v, want %d", got, supersteps)
			}
		}
		if e.Kind == EventDecideStart || e.Kind == EventDecideEnd || e.Kind == EventSuperstep {
			prev = e.Kind
		}
	}
	if supersteps != 2 {
		t.Errorf("expected 2 supersteps, got %d", supersteps)
	}
}

func TestSessionIsolationUnderConcurrency(t *testing.T) {
	store := NewMemoryStore()
	reg := registryWith(funcTool("echo", func(ctx context.Context, args json.RawMessage) (any, error) {
		id, _ := IdentityFromContext(ctx)
		return id.Key(), nil
	}))
	model := modelFunc(func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == unifiedllm.RoleTool {
			return replyText("seen " + last.ToolResult().Text())(req)
		}
		return replyTools(call{"echo", `{}`})(req)
	})
	ctrl := newTestController(model, reg, store)

	var wg sync.WaitGroup
	ids := []SessionIdentity{}
	for u := 0; u < 4; u++ {
		for s := 0; s < 3; s++ {
			ids = append(ids, SessionIdentity{UserID: fmt.Sprintf("u%d", u), SessionID: fmt.Sprintf("s%d", s)})
		}
	}
	for _, id := range ids {
		for turn := 0; turn < 3; turn++ {
			wg.Add(1)
			go func(id SessionIdentity, turn int) {
				defer wg.Done()
				res, err := ctrl.Run(context.Background(), id, fmt.Sprintf("turn %d for %s", turn, id.Key()))
				if err != nil {
					t.Errorf("%s: %v", id.Key(), err)
					return
				}
				if res.Reply != "seen "+id.Key() {
					t.Errorf("%s got reply %q", id.Key(), res.Reply)
				}
			}(id, turn)
		}
	}
	wg.Wait()

	for _, id := range ids {
		state, err := store.Get(context.Background(), id.Key())
		if err != nil {
			t.Fatalf("%s: %v", id.Key(), err)
		}
		if len(state.Messages) != 12 {
			t.Errorf("%s: expected 12 messages, got %d", id.Key(), len(state.Messages))
		}
		for _, m := range state.Messages {
			if m.Role == RoleUser && !strings.Contains(m.Content, "for "+id.Key()) {
				t.Errorf("%s sees a foreign message: %q", id.Key(), m.Content)
			}
		}
		assertPairing(t, state.Messages)
	}
}

func TestRepairUnresolvedBeforeNextTurn(t *testing.T) {
	store := NewMemoryStore()
	key := paris.Key()
	_, _ = store.Append(context.Background(), key,
		NewUserMessage("q"),
		NewAssistantMessage("", []ToolCall{{ID: "dangling", Name: "search_hotels"}}),
	)
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){replyText("fresh")}}
	ctrl := newTestController(model, NewToolRegistry(), store)

	if _, err := ctrl.Run(context.Background(), paris, "again"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ := store.Get(context.Background(), key)
	want := []Role{RoleUser, RoleAssistant, RoleTool, RoleUser, RoleAssistant}
	if fmt.Sprint(state.Roles()) != fmt.Sprint(want) {
		t.Fatalf("unexpected roles %v", state.Roles())
	}
	if state.Messages[2].ToolCallID != "dangling" || !state.Messages[2].IsError {
		t.Errorf("unexpected repair message %+v", state.Messages[2])
	}
}

func TestLoopDetectionEmitsWithoutInjecting(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
		replyTools(call{"t", `{"same":true}`}),
	}}
	cfg := DefaultConfig()
	cfg.MaxSupersteps = 4
	cfg.LoopDetectionWindow = 3
	sink := NewChannelSink(256)
	store := NewMemoryStore()
	ctrl := NewController(model, registryWith(staticTool("t", "ok")), store, testProfile(), cfg, WithEvents(sink))

	_, _ = ctrl.Run(context.Background(), paris, "go")
	sink.Close()

	detections := 0
	for e := range sink.Events() {
		if e.Kind == EventLoopDetection {
			detections++
		}
	}
	if detections != 2 {
		t.Errorf("expected detections at supersteps 3 and 4, got %d", detections)
	}
	state, _ := store.Get(context.Background(), paris.Key())
	for _, m := range state.Messages[1:] {
		if m.Role == RoleUser || m.Role == RoleSystem {
			t.Errorf("loop detection injected a %s message", m.Role)
		}
	}
}

func TestLoopDetectionIgnoresEarlierTurns(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){
		replyTools(call{"t", `{"same":true}`}),
		replyText("first"),
		replyTools(call{"t", `{"same":true}`}),
		replyText("second"),
	}}
	cfg := DefaultConfig()
	cfg.LoopDetectionWindow = 2
	sink := NewChannelSink(256)
	ctrl := NewController(model, registryWith(staticTool("t", "ok")), NewMemoryStore(), testProfile(), cfg, WithEvents(sink))

	for _, text := range []string{"search", "search again"} {
		if _, err := ctrl.Run(context.Background(), paris, text); err != nil {
			t.Fatalf("run %q: %v", text, err)
		}
	}
	sink.Close()

	for e := range sink.Events() {
		if e.Kind == EventLoopDetection {
			t.Errorf("repeat across turns reported as a loop: %+v", e)
		}
	}
}

func TestCurrentTurn(t *testing.T) {
	history := []Message{
		NewUserMessage("one"),
		NewAssistantMessage("", []ToolCall{tc("a", `{}`)}),
		NewToolMessage("a{}", "ok", false),
		NewAssistantMessage("done", nil),
		NewUserMessage("two"),
		NewAssistantMessage("", []ToolCall{tc("a", `{}`)}),
	}
	turn := currentTurn(history)
	if len(turn) != 2 || turn[0].Content != "two" {
		t.Errorf("unexpected current turn %+v", turn)
	}
	if RepeatingPeriod(turn, 2) != 0 {
		t.Error("one call in the current turn cannot repeat")
	}
	if RepeatingPeriod(history, 2) != 1 {
		t.Error("the whole log does repeat")
	}
}

func TestContextWarning(t *testing.T) {
	model := &scriptedModel{script: []func(unifiedllm.Request) (*unifiedllm.Response, error){replyText("ok")}}
	profile := testProfile()
	profile.ContextWindow = 50
	sink := NewChannelSink(16)
	ctrl := NewController(model, NewToolRegistry(), NewMemoryStore(), profile, DefaultConfig(), WithEvents(sink))

	if _, err := ctrl.Run(context.Background(), paris, strings.Repeat("long question ", 40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sink.Close()
	found := false
	for e := range sink.Events() {
		if e.Kind == EventContextWarning {
			found = true
		}
	}
	if !found {
		t.Error("expected a context warning")
	}
}

type modelFunc func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)

func (f modelFunc) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	return f(ctx, req)
}

// countingStore counts every call that reaches the underlying store.
type countingStore struct {
	SessionStore
	mu      sync.Mutex
	touched int
}

func (s *countingStore) touch() {
	s.mu.Lock()
	s.touched++
	s.mu.Unlock()
}

func (s *countingStore) Lock(ctx context.Context, key string) (func(), error) {
	s.touch()
	return s.SessionStore.Lock(ctx, key)
}

func (s *countingStore) GetOrCreate(ctx context.Context, key string) (ConversationState, error) {
	s.touch()
	return s.SessionStore.GetOrCreate(ctx, key)
}

func (s *countingStore) Append(ctx context.Context, key string, msgs ...Message) (ConversationState, error) {
	s.touch()
	return s.SessionStore.Append(ctx, key, msgs...)
}
