// Package app assembles the itinerary service from its settings.
package app

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/itinerary/agentloop"
	"github.com/martinemde/itinerary/chatapi"
	"github.com/martinemde/itinerary/config"
	"github.com/martinemde/itinerary/eventbus"
	"github.com/martinemde/itinerary/hotelapi"
	"github.com/martinemde/itinerary/policies"
	"github.com/martinemde/itinerary/sqlitestore"
	"github.com/martinemde/itinerary/travel"
	"github.com/martinemde/itinerary/unifiedllm"
	"github.com/martinemde/itinerary/weather"
)

// App owns every long-lived component of the service.
type App struct {
	settings   *config.Settings
	logger     zerolog.Logger
	store      agentloop.SessionStore
	client     *unifiedllm.Client
	controller *agentloop.Controller
	tools      []string

	bus       *eventbus.Bus
	busCancel context.CancelFunc
	busDone   chan error

	api      *chatapi.Server
	server   *http.Server
	listener net.Listener

	closeOnce sync.Once
	closeErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	model      agentloop.Model
	httpClient *http.Client
}

// WithLogger sets the root logger. The default is the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithModel replaces the configured model client.
func WithModel(model agentloop.Model) Option {
	return func(o *options) { o.model = model }
}

// WithHTTPClient sets the client used for the booking, weather and policy
// services.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// New wires the store, model client, tools, controller, event bus and HTTP
// server. Nothing listens until Start.
func New(ctx context.Context, s *config.Settings, opts ...Option) (*App, error) {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{settings: s, logger: o.logger}

	store, err := openStore(s.Store)
	if err != nil {
		return nil, err
	}
	a.store = store

	model := o.model
	if model == nil {
		client, err := newModelClient(s.LLM, o.logger)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		a.client = client
		model = client
	}

	registry := agentloop.NewToolRegistry()
	deps, err := toolDeps(s, o.httpClient, o.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tools = travel.RegisterTools(registry, deps)

	profile := travel.DefaultProfile(providerName(s.LLM), s.LLM.Model)
	profile.Temperature = s.LLM.Temperature
	if s.Profile.File != "" {
		if profile, err = travel.LoadProfile(s.Profile.File, profile); err != nil {
			a.Close()
			return nil, err
		}
	}

	sinks := agentloop.MultiSink{}
	if s.Events.Enabled {
		if err := a.startBus(ctx); err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, a.bus.Publisher())
	}

	controllerOpts := []agentloop.ControllerOption{
		agentloop.WithLogger(o.logger),
		agentloop.WithEvents(sinks),
	}
	if counter, err := agentloop.NewTokenCounter(); err != nil {
		o.logger.Warn().Err(err).Msg("token counter unavailable, estimating by length")
	} else {
		controllerOpts = append(controllerOpts, agentloop.WithTokenCounter(counter))
	}
	a.controller = agentloop.NewController(model, registry, store, profile, s.Loop.AgentConfig(), controllerOpts...)

	a.api = chatapi.NewServer(a.controller, store, chatapi.Options{
		AllowOrigins:     s.CORS.AllowOrigins,
		AllowCredentials: s.CORS.AllowCredentials,
		RatePerSecond:    s.RateLimit.PerSecond,
		RateBurst:        s.RateLimit.Burst,
		MaxBodyBytes:     s.Server.MaxBodyBytes,
		Logger:           o.logger,
	})
	a.server = &http.Server{
		Addr:              s.Server.Addr,
		Handler:           a.api,
		ReadHeaderTimeout: s.Server.ReadTimeout,
		ReadTimeout:       s.Server.ReadTimeout,
		WriteTimeout:      s.Server.WriteTimeout,
	}

	o.logger.Info().
		Str("store", s.Store.Driver).
		Str("provider", profile.Provider).
		Str("model", profile.Model).
		Strs("tools", a.tools).
		Bool("events", s.Events.Enabled).
		Msg("itinerary service assembled")
	return a, nil
}

// Controller returns the orchestration loop, for in-process use.
func (a *App) Controller() *agentloop.Controller { return a.controller }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.api }

// Tools returns the names of the registered tools.
func (a *App) Tools() []string { return a.tools }

// Start listens on the configured address, marks the service ready and
// serves until Shutdown. It returns nil after a graceful shutdown.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", a.server.Addr)
	}
	return a.Serve(ln)
}

// Serve is Start on an existing listener.
func (a *App) Serve(ln net.Listener) error {
	a.listener = ln
	a.api.SetReady(true)
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.api.SetReady(false)
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight turns until ctx
// ends and then releases the bus, the store and the model client.
func (a *App) Shutdown(ctx context.Context) error {
	a.api.SetReady(false)
	shutdownErr := a.server.Shutdown(ctx)
	if shutdownErr != nil {
		a.logger.Warn().Err(shutdownErr).Msg("graceful shutdown incomplete, closing connections")
		_ = a.server.Close()
	}
	if err := a.Close(); err != nil {
		return err
	}
	return errors.Wrap(shutdownErr, "shutdown http")
}

// Close releases everything New acquired. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.bus != nil {
			if err := a.bus.Close(); err != nil {
				a.closeErr = err
			}
			a.busCancel()
			if err := <-a.busDone; err != nil && a.closeErr == nil {
				a.closeErr = errors.Wrap(err, "event bus")
			}
		}
		if err := a.closeStore(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
		if a.client != nil {
			if err := a.client.Close(); err != nil && a.closeErr == nil {
				a.closeErr = errors.Wrap(err, "close model client")
			}
		}
	})
	return a.closeErr
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return errors.Wrap(a.store.Close(), "close store")
}

func (a *App) startBus(ctx context.Context) error {
	bus, err := eventbus.New(a.logger)
	if err != nil {
		return err
	}
	bus.AddHandler("log", eventbus.LogSubscriber(a.logger))

	busCtx, cancel := context.WithCancel(context.Background())
	a.bus, a.busCancel, a.busDone = bus, cancel, make(chan error, 1)
	go func() { a.busDone <- bus.Run(busCtx) }()

	select {
	case <-bus.Running():
		return nil
	case err := <-a.busDone:
		a.busDone <- err
		return errors.Wrap(err, "start event bus")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("event bus did not start")
	}
}

func openStore(s config.StoreSettings) (agentloop.SessionStore, error) {
	switch s.Driver {
	case "sqlite":
		return sqlitestore.Open(s.DSN)
	default:
		return agentloop.NewMemoryStore(), nil
	}
}

func providerName(s config.LLMSettings) string {
	if s.Provider == "gollm" {
		return s.GollmProvider
	}
	return s.Provider
}

func newModelClient(s config.LLMSettings, logger zerolog.Logger) (*unifiedllm.Client, error) {
	var adapter unifiedllm.ProviderAdapter
	switch s.Provider {
	case "gollm":
		opts := []unifiedllm.GollmAdapterOption{
			unifiedllm.WithAPIKey(s.APIKey),
			unifiedllm.WithModel(s.Model),
		}
		if s.Temperature != nil {
			opts = append(opts, unifiedllm.WithTemperature(*s.Temperature))
		}
		gollmAdapter, err := unifiedllm.NewGollmAdapter(s.GollmProvider, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "create gollm adapter")
		}
		adapter = gollmAdapter
	default:
		adapter = unifiedllm.NewOpenAIAdapter(s.APIKey,
			unifiedllm.WithBaseURL(s.BaseURL),
			unifiedllm.WithDefaultModel(s.Model),
		)
	}

	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = s.MaxRetries
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying llm call")
	}

	name := providerName(s)
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(name, adapter),
		unifiedllm.WithDefaultProvider(name),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.RetryMiddleware(policy),
		),
	), nil
}

func toolDeps(s *config.Settings, hc *http.Client, logger zerolog.Logger) (travel.Deps, error) {
	hotelOpts := []hotelapi.Option{hotelapi.WithLogger(logger)}
	if hc != nil {
		hotelOpts = append(hotelOpts, hotelapi.WithHTTPClient(hc))
	}
	deps := travel.Deps{Hotels: hotelapi.New(s.BookingAPI.BaseURL, hotelOpts...)}

	if s.WeatherEnabled() {
		deps.Weather = weather.New(s.Weather.APIKey, s.Weather.BaseURL, hc)
	}
	if s.PoliciesEnabled() {
		index, err := policies.NewWeaviateIndex(policies.WeaviateConfig{
			Host:       s.Policies.WeaviateHost,
			Scheme:     s.Policies.WeaviateScheme,
			APIKey:     s.Policies.WeaviateAPIKey,
			Class:      s.Policies.Class,
			HTTPClient: hc,
		})
		if err != nil {
			return deps, err
		}
		embedder := policies.NewOpenAIEmbedder(s.EmbeddingKey(), "", s.Policies.EmbeddingModel)
		deps.Policies = policies.NewSearcher(embedder, index, s.Policies.TopK)
	}
	return deps, nil
}
