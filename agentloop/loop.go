package agentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoopState is a state of the turn state machine.
type LoopState string

const (
	StateDecide   LoopState = "DECIDE"
	StateDispatch LoopState = "DISPATCH"
	StateDone     LoopState = "DONE"
	StateAborted  LoopState = "ABORTED"
)

// DefaultMaxSupersteps bounds the DISPATCH→DECIDE transitions of one turn.
const DefaultMaxSupersteps = 50

// Config holds the loop bounds.
type Config struct {
	MaxSupersteps       int            `json:"max_supersteps"`
	DecideTimeout       time.Duration  `json:"decide_timeout"`
	DispatchTimeout     time.Duration  `json:"dispatch_timeout"`
	MaxParallelTools    int            `json:"max_parallel_tools"`
	EnableLoopDetection bool           `json:"enable_loop_detection"`
	LoopDetectionWindow int            `json:"loop_detection_window"`
	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits      map[string]int `json:"tool_line_limits,omitempty"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxSupersteps:       DefaultMaxSupersteps,
		DecideTimeout:       DefaultDecideTimeout,
		DispatchTimeout:     DefaultDispatchTimeout,
		MaxParallelTools:    DefaultMaxParallelTools,
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
	}
}

// TurnResult summarizes one completed or aborted turn.
type TurnResult struct {
	State      LoopState
	Reply      string
	Supersteps int
	Messages   int
}

// Controller sequences Decision and Dispatch steps for one user turn at a
// time per session. It is safe for concurrent use across sessions.
type Controller struct {
	store      SessionStore
	decider    *Decider
	dispatcher *Dispatcher
	envelope   *Envelope
	events     EventSink
	tokens     *TokenCounter
	profile    Profile
	cfg        Config
	logger     zerolog.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithEvents sets the event sink.
func WithEvents(sink EventSink) ControllerOption {
	return func(c *Controller) { c.events = sink }
}

// WithLogger sets the logger used by the loop and its steps.
func WithLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithEnvelope replaces the default user message envelope.
func WithEnvelope(e *Envelope) ControllerOption {
	return func(c *Controller) { c.envelope = e }
}

// WithTokenCounter enables tokenizer-based context usage warnings.
func WithTokenCounter(tc *TokenCounter) ControllerOption {
	return func(c *Controller) { c.tokens = tc }
}

// NewController builds a controller over an owned store and registry.
func NewController(model Model, tools *ToolRegistry, store SessionStore, profile Profile, cfg Config, opts ...ControllerOption) *Controller {
	if cfg.MaxSupersteps <= 0 {
		cfg.MaxSupersteps = DefaultMaxSupersteps
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	c := &Controller{
		store:    store,
		envelope: NewEnvelope(),
		events:   NopSink{},
		profile:  profile,
		cfg:      cfg,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.decider = &Decider{
		Model:   model,
		Profile: profile,
		Tools:   tools,
		Timeout: cfg.DecideTimeout,
	}
	c.dispatcher = &Dispatcher{
		Tools:       tools,
		MaxParallel: cfg.MaxParallelTools,
		Timeout:     cfg.DispatchTimeout,
		CharLimits:  cfg.ToolOutputLimits,
		LineLimits:  cfg.ToolLineLimits,
		Events:      c.events,
		Logger:      &c.logger,
	}
	return c
}

// Store returns the session store the controller appends to.
func (c *Controller) Store() SessionStore { return c.store }

// Run processes one user turn synchronously: it wraps and appends the user
// message, then alternates Decision and Dispatch steps until the model
// answers or MaxSupersteps supersteps have completed.
//
// One superstep is one completed DISPATCH→DECIDE transition. Every step's
// output is persisted before the next step starts, so on any error the
// session keeps everything appended so far and stays usable.
func (c *Controller) Run(ctx context.Context, identity SessionIdentity, userText string) (*TurnResult, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	key := identity.Key()
	logger := c.logger.With().Str("session", key).Logger()

	unlock, err := c.store.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", key, err)
	}
	defer unlock()

	ctx = WithIdentity(ctx, identity)

	text, err := c.envelope.Wrap(identity, userText)
	if err != nil {
		return nil, fmt.Errorf("wrap user message: %w", err)
	}
	state, err := c.store.GetOrCreate(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	incoming := append(repairUnresolved(state), NewUserMessage(text))
	if state, err = c.store.Append(ctx, key, incoming...); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	emit(c.events, EventTurnStart, key, map[string]interface{}{"messages": len(state.Messages)})

	loopState := StateDecide
	supersteps := 0
	for {
		switch loopState {
		case StateDecide:
			if pending := state.Unresolved(); len(pending) > 0 {
				return nil, fmt.Errorf("agentloop: decide with %d unresolved tool calls", len(pending))
			}
			emit(c.events, EventDecideStart, key, map[string]interface{}{"superstep": supersteps})
			msg, err := c.decider.Decide(ctx, state.Clone())
			if err != nil {
				return nil, c.fail(logger, key, "decide", err)
			}
			if state, err = c.store.Append(ctx, key, msg); err != nil {
				return nil, fmt.Errorf("append assistant message: %w", err)
			}
			emit(c.events, EventDecideEnd, key, map[string]interface{}{
				"superstep":  supersteps,
				"tool_calls": len(msg.ToolCalls),
			})
			logger.Debug().Int("superstep", supersteps).Int("tool_calls", len(msg.ToolCalls)).Msg("agentloop: decided")
			c.checkContextUsage(key, state)

			if msg.IsTerminal() {
				loopState = StateDone
			} else {
				loopState = StateDispatch
			}

		case StateDispatch:
			last, _ := state.Last()
			results, dispatchErr := c.dispatcher.Dispatch(ctx, last)
			if len(results) > 0 {
				if state, err = c.store.Append(ctx, key, results...); err != nil {
					return nil, fmt.Errorf("append tool results: %w", err)
				}
			}
			if dispatchErr != nil {
				return nil, c.fail(logger, key, "dispatch", dispatchErr)
			}

			supersteps++
			emit(c.events, EventSuperstep, key, map[string]interface{}{"superstep": supersteps})
			logger.Debug().Int("superstep", supersteps).Int("results", len(results)).Msg("agentloop: dispatched")
			c.detectLoop(logger, key, state)

			if supersteps >= c.cfg.MaxSupersteps {
				loopState = StateAborted
				continue
			}
			loopState = StateDecide

		case StateAborted:
			emit(c.events, EventRecursionLimit, key, map[string]interface{}{
				"limit":      c.cfg.MaxSupersteps,
				"supersteps": supersteps,
			})
			logger.Warn().Int("limit", c.cfg.MaxSupersteps).Msg("agentloop: superstep bound reached")
			return &TurnResult{
				State:      StateAborted,
				Supersteps: supersteps,
				Messages:   len(state.Messages),
			}, &RecursionLimitExceededError{Limit: c.cfg.MaxSupersteps, Supersteps: supersteps}

		case StateDone:
			last, _ := state.Last()
			emit(c.events, EventTurnEnd, key, map[string]interface{}{
				"supersteps": supersteps,
				"messages":   len(state.Messages),
			})
			return &TurnResult{
				State:      StateDone,
				Reply:      last.Content,
				Supersteps: supersteps,
				Messages:   len(state.Messages),
			}, nil
		}
	}
}

func (c *Controller) fail(logger zerolog.Logger, key, step string, err error) error {
	emit(c.events, EventError, key, map[string]interface{}{"step": step, "error": err.Error()})
	logger.Error().Err(err).Str("step", step).Msg("agentloop: turn failed")
	return err
}

// repairUnresolved closes tool calls left open by an interrupted turn so
// the next user message does not follow an unanswered assistant message.
func repairUnresolved(state ConversationState) []Message {
	pending := state.Unresolved()
	if len(pending) == 0 {
		return nil
	}
	last := -1
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == RoleAssistant {
			last = i
			break
		}
	}
	names := make(map[string]string)
	for _, tc := range state.Messages[last].ToolCalls {
		names[tc.ID] = tc.Name
	}
	repairs := make([]Message, 0, len(pending))
	for _, id := range pending {
		repairs = append(repairs, NewToolMessage(id,
			errorPayload(toolExecutionType, names[id], "interrupted before a result was recorded"), true))
	}
	return repairs
}

func (c *Controller) detectLoop(logger zerolog.Logger, key string, state ConversationState) {
	if !c.cfg.EnableLoopDetection {
		return
	}
	period := RepeatingPeriod(currentTurn(state.Messages), c.cfg.LoopDetectionWindow)
	if period == 0 {
		return
	}
	emit(c.events, EventLoopDetection, key, map[string]interface{}{
		"window": c.cfg.LoopDetectionWindow,
		"period": period,
	})
	logger.Warn().Int("window", c.cfg.LoopDetectionWindow).Int("period", period).Msg("agentloop: repeating tool call pattern")
}

// checkContextUsage emits a warning when the log nears the context window.
func (c *Controller) checkContextUsage(key string, state ConversationState) {
	window := c.profile.ContextWindowSize()
	if window <= 0 {
		return
	}
	used := c.tokens.CountMessages(state.Messages) + c.tokens.Count(c.profile.Directive)
	if used*5 <= window*4 {
		return
	}
	emit(c.events, EventContextWarning, key, map[string]interface{}{
		"tokens":         used,
		"context_window": window,
		"percent":        used * 100 / window,
	})
}
