// Package httptransport serves the operational endpoints: liveness,
// dependency health and Prometheus metrics. Domain operations are exposed
// through the oracle gateway, not over HTTP.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	dErrors "collateraloracle/pkg/domain-errors"
	"collateraloracle/pkg/platform/httputil"
	"collateraloracle/pkg/platform/middleware/metadata"
	"collateraloracle/pkg/platform/middleware/requesttime"
	"collateraloracle/pkg/requestcontext"
)

const defaultCheckTimeout = 2 * time.Second

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Handler serves the ops endpoints.
type Handler struct {
	checks  map[string]Check
	metrics http.Handler
	logger  *slog.Logger
	timeout time.Duration
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithCheck adds a named dependency check to /healthz.
func WithCheck(name string, check Check) Option {
	return func(h *Handler) {
		if check != nil {
			h.checks[name] = check
		}
	}
}

// WithMetricsHandler serves metrics at /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		checks:  make(map[string]Check),
		logger:  slog.Default(),
		timeout: defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter mounts the ops endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metadata.RequestMetadata)
	r.Use(requesttime.Middleware)

	r.Get("/livez", h.handleLive)
	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, r.Method+" is not allowed on "+r.URL.Path))
	})
	return r
}

func (h *Handler) handleLive(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// handleHealth runs every check concurrently under one timeout.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	slices.Sort(names)

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		resp   = healthResponse{Status: "ok", Checks: make(map[string]string, len(names)), CheckedAt: requestcontext.Now(r.Context())}
		failed []string
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.checks[name](ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				resp.Checks[name] = err.Error()
				failed = append(failed, name)
				return
			}
			resp.Checks[name] = "ok"
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		slices.Sort(failed)
		h.logger.WarnContext(ctx, "health check failed", "checks", failed, "request_id", requestcontext.RequestID(r.Context()))
		resp.Status = string(dErrors.CodeUnavailable)
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
