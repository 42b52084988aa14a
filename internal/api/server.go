package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

// Researcher runs one bounded research request.
type Researcher interface {
	RunWithTimeout(ctx context.Context, req research.Request, emit stream.Emitter, timeout time.Duration, opts ...research.RunOption) research.Outcome
}

// JobService starts and cancels background research jobs.
type JobService interface {
	StartJob(ctx context.Context, runID string) error
	CancelJob(ctx context.Context, runID string) error
}

// Probe checks one dependency for the readiness endpoint.
type Probe func(ctx context.Context) error

type Deps struct {
	Researcher Researcher
	Registry   *session.Registry
	Store      store.Store
	Recorder   *events.Recorder
	Jobs       JobService
	Metrics    *metrics.Metrics
	Probes     map[string]Probe
	Logger     *zap.Logger
}

type Server struct {
	researcher Researcher
	registry   *session.Registry
	store      store.Store
	recorder   *events.Recorder
	jobs       JobService
	metrics    *metrics.Metrics
	probes     map[string]Probe
	cfg        config.Config
	logger     *zap.Logger
}

func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := deps.Registry
	if registry == nil {
		registry = session.NewRegistry(session.WithLogger(logger))
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = events.NewRecorder(deps.Store, events.NewBroker(), logger)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = research.DefaultRequestTimeout
	}
	return &Server{
		researcher: deps.Researcher,
		registry:   registry,
		store:      deps.Store,
		recorder:   recorder,
		jobs:       deps.Jobs,
		metrics:    m,
		probes:     deps.Probes,
		cfg:        cfg,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(quietRequestLogger(s.logger))
	r.Use(s.recoverer)
	r.Use(corsMiddleware)

	r.Post("/research", s.research)
	r.Post("/research/cancel", s.cancelResearch)
	r.Get("/research/active", s.listActive)
	r.Post("/research/jobs", s.createJob)
	r.Post("/research/jobs/{id}/cancel", s.cancelJob)
	r.Get("/research/runs", s.listRuns)
	r.Get("/research/runs/{id}", s.getRun)
	r.Delete("/research/runs/{id}", s.deleteRun)
	r.Get("/research/runs/{id}/steps", s.listRunSteps)
	r.Get("/research/runs/{id}/events", s.streamEvents)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

func quietRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logged := middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  zap.NewStdLog(logger.Named("http")),
		NoColor: true,
	})
	return func(next http.Handler) http.Handler {
		withLog := logged(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSuppressRequestLog(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			withLog.ServeHTTP(w, r)
		})
	}
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready" || cleanPath == "/metrics") {
		return true
	}
	if method == http.MethodOptions {
		return true
	}
	return false
}

// recoverer turns a handler panic into the 500 envelope. Streams that have
// already started cannot change status, so the panic is only logged there.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panicked",
				zap.String("path", r.URL.Path),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			if w.Header().Get("Content-Type") == "text/event-stream" {
				return
			}
			writeInternalError(w, "unexpected server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id, X-Run-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status         string                     `json:"status"`
	ActiveRequests int                        `json:"activeRequests"`
	Subsystems     map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if _, err := s.store.ListRuns(ctx, 1); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}
	if s.jobs == nil {
		subsystems["jobs"] = subsystemStatus{Status: "skipped"}
	}
	for name, probe := range s.probes {
		if err := probe(ctx); err != nil {
			subsystems[name] = subsystemStatus{Status: "error", Error: err.Error()}
			overall = http.StatusServiceUnavailable
			continue
		}
		subsystems[name] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, ActiveRequests: s.registry.Len(), Subsystems: subsystems}, overall)
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
