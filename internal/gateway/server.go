// Package gateway exposes the runtime over HTTP and WebSocket: chat,
// cron management, health, and a read-only status surface.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/clawlite/clawlite/internal/agent"
	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/channels"
	"github.com/clawlite/clawlite/internal/config"
	"github.com/clawlite/clawlite/internal/cron"
	"github.com/clawlite/clawlite/internal/errs"
	"github.com/clawlite/clawlite/internal/sessions"
)

// Engine is the slice of the agent engine the gateway calls.
type Engine interface {
	Run(ctx context.Context, sessionID, text string) (*agent.AssistantResult, error)
	RunStream(ctx context.Context, sessionID, text string, onChunk func(string)) (*agent.AssistantResult, error)
	ActiveSessions() []string
}

// CronStore is the slice of the scheduler store the gateway calls.
type CronStore interface {
	Add(sessionID, expression, prompt, name string) (*cron.Job, error)
	List() ([]*cron.Job, error)
	ListSession(sessionID string) ([]*cron.Job, error)
	Remove(id int64) error
}

// HealthSource reports channel instance health.
type HealthSource interface {
	Health() (channels.HealthLevel, map[string]channels.HealthReport)
}

// Server is the gateway HTTP/WS server.
type Server struct {
	cfg      config.GatewayConfig
	engine   Engine
	cronJobs CronStore
	bus      *bus.MessageBus
	health   HealthSource // nil when no channels are enabled

	startedAt time.Time
	wsConns   atomic.Int64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	httpServer *http.Server
}

func NewServer(cfg config.GatewayConfig, engine Engine, cronJobs CronStore, b *bus.MessageBus, health HealthSource) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		cronJobs:  cronJobs,
		bus:       b,
		health:    health,
		startedAt: time.Now(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat", s.auth(s.handleChat))
	mux.HandleFunc("POST /v1/cron/add", s.auth(s.handleCronAdd))
	mux.HandleFunc("GET /v1/cron/list", s.auth(s.handleCronList))
	mux.HandleFunc("DELETE /v1/cron/{job_id}", s.auth(s.handleCronRemove))
	mux.HandleFunc("GET /v1/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /v1/ws", s.handleWS)
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway.starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// auth wraps a handler with bearer token and rate limit checks.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		if !s.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// authorized accepts the token as a bearer header or ?token= query
// param (the latter for WebSocket clients that cannot set headers).
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ") == s.cfg.Token
	}
	return r.URL.Query().Get("token") == s.cfg.Token
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		host = host[:idx]
	}
	return host
}

// allow applies the per-client rate limit. RPM <= 0 disables limiting.
func (s *Server) allow(key string) bool {
	if s.cfg.RateLimitRPM <= 0 {
		return true
	}
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(s.cfg.RateLimitRPM)/60.0), s.cfg.RateLimitRPM)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

type healthResponse struct {
	OK            bool      `json:"ok"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Connections   int64     `json:"connections"`
	Queue         bus.Stats `json:"queue"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		OK:            true,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Connections:   s.wsConns.Load(),
		Queue:         s.bus.Stats(),
	})
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

type chatResponse struct {
	SessionID string     `json:"session_id"`
	Text      string     `json:"text"`
	Meta      agent.Meta `json:"meta"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = sessions.BuildWSID(uuid.NewString())
	}

	result, err := s.engine.Run(r.Context(), req.SessionID, req.Text)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{SessionID: req.SessionID, Text: result.Text, Meta: result.Meta})
}

type cronAddRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	Expression string `json:"expression"`
	Prompt     string `json:"prompt"`
	Name       string `json:"name,omitempty"`
}

func (s *Server) handleCronAdd(w http.ResponseWriter, r *http.Request) {
	var req cronAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Expression == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "expression and prompt are required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = sessions.BuildWSID("gateway")
	}

	job, err := s.cronJobs.Add(req.SessionID, req.Expression, req.Prompt, req.Name)
	if err != nil {
		if errs.Is(err, errs.CronExpressionInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID})
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	var jobs []*cron.Job
	var err error
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		jobs, err = s.cronJobs.ListSession(sid)
	} else {
		jobs, err = s.cronJobs.List()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*cron.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("job_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "job_id must be an integer")
		return
	}
	if err := s.cronJobs.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

type statusResponse struct {
	UptimeSeconds int64                            `json:"uptime_seconds"`
	Queue         bus.Stats                        `json:"queue"`
	ActiveRuns    []string                         `json:"active_runs"`
	Health        channels.HealthLevel             `json:"health"`
	Channels      map[string]channels.HealthReport `json:"channels"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Queue:         s.bus.Stats(),
		ActiveRuns:    s.engine.ActiveSessions(),
		Health:        channels.HealthOK,
		Channels:      map[string]channels.HealthReport{},
	}
	if resp.ActiveRuns == nil {
		resp.ActiveRuns = []string{}
	}
	if s.health != nil {
		resp.Health, resp.Channels = s.health.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeEngineError maps engine failures to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.SessionCancelled:
		writeError(w, http.StatusConflict, err.Error())
	case errs.ProviderTimeout, errs.ProviderRateLimited, errs.ProviderSendFailed, errs.ProviderCircuitOpen:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errs.AuthMissing, errs.AuthInvalid, errs.ConfigInvalid:
		writeError(w, http.StatusServiceUnavailable, "no usable provider: "+err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
