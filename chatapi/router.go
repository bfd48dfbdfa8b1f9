// Package chatapi exposes the orchestration loop over HTTP.
package chatapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/martinemde/itinerary/agentloop"
)

// Runner runs one user turn. *agentloop.Controller implements it.
type Runner interface {
	Run(ctx context.Context, identity agentloop.SessionIdentity, userText string) (*agentloop.TurnResult, error)
}

// Options configures the HTTP surface.
type Options struct {
	AllowOrigins     []string
	AllowCredentials bool
	// RatePerSecond and RateBurst bound POST /chat per user. A zero rate
	// disables limiting.
	RatePerSecond float64
	RateBurst     int
	MaxBodyBytes  int64
	Logger        zerolog.Logger
}

// Server holds the handlers and readiness flag.
type Server struct {
	runner  Runner
	store   agentloop.SessionStore
	limiter *userLimiter
	maxBody int64
	ready   atomic.Bool
	handler http.Handler
}

// NewServer builds the router. The server reports not ready until
// SetReady(true) is called.
func NewServer(runner Runner, store agentloop.SessionStore, opts Options) *Server {
	s := &Server{
		runner:  runner,
		store:   store,
		limiter: newUserLimiter(opts.RatePerSecond, opts.RateBurst),
		maxBody: opts.MaxBodyBytes,
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("req_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Accept", "x-user-id"},
		AllowCredentials: opts.AllowCredentials,
		MaxAge:           84900,
	}))

	r.Post("/chat", s.handleChat)
	r.Get("/sessions/{userId}/{sessionId}/messages", s.handleMessages)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	s.handler = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// SetReady flips the /readyz answer.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

type chatRequest struct {
	Message   *string `json:"message"`
	SessionID string  `json:"sessionId"`
	UserID    string  `json:"userId"`
	UserName  string  `json:"userName,omitempty"`
}

type chatResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSONBody(w, r, s.maxBody, &req); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errorCodeTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusUnprocessableEntity, errorCodeIdentityMissing, "Missing userId in request payload.")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusUnprocessableEntity, errorCodeIdentityMissing, "Missing sessionId in request payload.")
		return
	}
	if req.Message == nil {
		writeError(w, http.StatusUnprocessableEntity, errorCodeInvalidRequest, "Missing message in request payload.")
		return
	}
	if !s.limiter.Allow(req.UserID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, errorCodeRateLimited, "too many requests for this user")
		return
	}

	identity := agentloop.SessionIdentity{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		UserName:  req.UserName,
	}
	result, err := s.runner.Run(r.Context(), identity, *req.Message)
	if err != nil {
		status, code := mapLoopError(err)
		hlog.FromRequest(r).Warn().Err(err).Str("session", identity.Key()).Int("status", status).Msg("turn failed")
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Message: result.Reply})
}

type messagesResponse struct {
	Messages []agentloop.Message `json:"messages"`
	Step     int                 `json:"step"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	identity := agentloop.SessionIdentity{
		UserID:    chi.URLParam(r, "userId"),
		SessionID: chi.URLParam(r, "sessionId"),
	}
	if err := identity.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, errorCodeIdentityMissing, err.Error())
		return
	}
	state, err := s.store.Get(r.Context(), identity.Key())
	if err != nil {
		if errors.Is(err, agentloop.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, errorCodeNotFound, "session not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("session", identity.Key()).Msg("load transcript")
		writeError(w, http.StatusInternalServerError, errorCodeInternal, err.Error())
		return
	}
	messages := state.Messages
	if messages == nil {
		messages = []agentloop.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: messages, Step: state.Step})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, errorCodeNotReady, "service is starting or shutting down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
