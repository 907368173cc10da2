package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/faqflow/internal/config"
	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/memory"
	"github.com/ent0n29/faqflow/internal/observability"
	"github.com/ent0n29/faqflow/internal/pipeline"
)

// Querier resolves one FAQ query.
type Querier interface {
	Handle(ctx context.Context, q pipeline.Query) (faq.Envelope, error)
}

// Deps are the collaborators the API serves from. KB and Metrics are optional.
type Deps struct {
	Queries Querier
	Store   memory.Store
	KB      knowledge.Index
	Metrics *observability.Metrics
	Logger  *slog.Logger
	// Agents describes the configured pipeline stages for /v1/status.
	Agents map[string]string
}

type Server struct {
	cfg      config.Config
	queries  Querier
	store    memory.Store
	kb       knowledge.Index
	metrics  *observability.Metrics
	logger   *slog.Logger
	agents   map[string]string
	upgrader websocket.Upgrader

	wsPingInterval time.Duration
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		queries: deps.Queries,
		store:   deps.Store,
		kb:      deps.KB,
		metrics: deps.Metrics,
		logger:  logger,
		agents:  deps.Agents,

		wsPingInterval: wsPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/faq", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Get("/ws", s.handleQueryWS)
		r.Get("/session/{id}/history", s.handleHistory)
		r.Get("/session/{id}/stats", s.handleSessionStats)
	})
	r.Get("/v1/users/{id}/stats", s.handleUserStats)
	r.Put("/v1/users/{id}/preferences", s.handleSetPreferences)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"store_backend": s.storeBackend(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "session store not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"store_backend": s.storeBackend(),
	})
}

type componentStatus struct {
	Backend string `json:"backend"`
	Status  string `json:"status"`
	Chunks  *int   `json:"chunks,omitempty"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Database    componentStatus   `json:"database"`
	VectorStore componentStatus   `json:"vector_store"`
	Agents      map[string]string `json:"agents"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := statusResponse{
		Database:    componentStatus{Backend: s.storeBackend(), Status: "unavailable"},
		VectorStore: componentStatus{Backend: "none", Status: "unavailable"},
		Agents:      s.agents,
	}
	if resp.Agents == nil {
		resp.Agents = map[string]string{}
	}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			resp.Database.Error = err.Error()
		} else {
			resp.Database.Status = "ok"
		}
	}
	if s.kb != nil {
		resp.VectorStore.Backend = s.kb.Backend()
		if n, err := s.kb.Count(ctx); err != nil {
			resp.VectorStore.Error = err.Error()
		} else {
			resp.VectorStore.Status = "ok"
			resp.VectorStore.Chunks = &n
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) storeBackend() string {
	if s.store == nil {
		return "none"
	}
	return s.store.Backend()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// errorStatus maps a pipeline or store error onto an HTTP status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, faq.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, faq.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, faq.ErrPersistence):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, faq.ErrRetrievalTimeout), errors.Is(err, faq.ErrGenerationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, faq.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// respondFailure writes err in the error shape. Caller faults carry the
// error text; server faults are logged and answered generically.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if !faq.IsInfrastructure(err) {
		respondError(w, status, code, err.Error())
		return
	}
	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"code", code,
		"error", err,
	)
	respondError(w, status, code, http.StatusText(status))
}
