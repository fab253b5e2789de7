package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apimw "github.com/aridsondez/claimq/internal/api/middleware"
	"github.com/aridsondez/claimq/internal/engine"
	"github.com/aridsondez/claimq/internal/metrics"
	"github.com/aridsondez/claimq/internal/queue"
)

// Request headers carrying the caller's identity.
const (
	ProjectHeader  = "X-Project-ID"
	ClientIDHeader = "Client-ID"
)

type Server struct {
	engine  *engine.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer backs GET /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
	// Timeout bounds each request; zero means 30s.
	Timeout time.Duration
}

// NewServer wraps NewRouter in an *http.Server listening on addr.
func NewServer(addr string, eng *engine.Engine, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(eng, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route.
func NewRouter(eng *engine.Engine, opts Options) http.Handler {
	srv := &Server{
		engine:  eng,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.Timeout,
	}
	if srv.logger == nil {
		srv.logger = zap.NewNop()
	}
	if srv.timeout <= 0 {
		srv.timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(srv.logger, srv.metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(bodyLimit(eng)))
	r.Use(middleware.Timeout(srv.timeout))

	r.Get("/healthz", srv.handleHealth)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues", srv.handleListQueues)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Put("/", srv.handleCreateQueue)
			r.Get("/", srv.handleGetQueue)
			r.Delete("/", srv.handleDeleteQueue)

			r.Get("/metadata", srv.handleGetMetadata)
			r.Put("/metadata", srv.handleSetMetadata)
			r.Get("/stats", srv.handleStats)

			r.Post("/messages", srv.handlePostMessages)
			r.Get("/messages", srv.handleListMessages)
			r.Delete("/messages", srv.handleDeleteMessages)
			r.Get("/messages/{id}", srv.handleGetMessage)
			r.Delete("/messages/{id}", srv.handleDeleteMessage)

			r.Post("/claims", srv.handleClaim)
			r.Get("/claims/{claim}", srv.handleGetClaim)
			r.Patch("/claims/{claim}", srv.handleRenewClaim)
			r.Delete("/claims/{claim}", srv.handleReleaseClaim)
		})
	})

	return r
}

// bodyLimit admits a full batch of maximum-size messages plus JSON framing.
func bodyLimit(eng *engine.Engine) int64 {
	l := eng.Limits()
	n := int64(l.MessageSizeUplimit) * int64(l.MessagePagingUplimit)
	if m := int64(l.MetadataSizeUplimit); m > n {
		n = m
	}
	return n + 64*1024
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		httpError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ---------- helpers ----------

func project(r *http.Request) string {
	return r.Header.Get(ProjectHeader)
}

func queueParam(r *http.Request) string {
	return chi.URLParam(r, "queue")
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", queue.ErrValidation, name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", queue.ErrValidation, name)
	}
	return b, nil
}

// queryIDs splits ?ids=a,b,c; ok is false when the parameter is absent.
func queryIDs(r *http.Request) (ids []string, ok bool) {
	v, ok := r.URL.Query()["ids"]
	if !ok {
		return nil, false
	}
	for _, part := range strings.Split(strings.Join(v, ","), ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids, true
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return fmt.Errorf("%w: invalid json: %v", queue.ErrValidation, err)
	}
	return nil
}

// mapError translates engine errors to HTTP status codes. All mapping
// lives here so individual handlers stay concise.
func (s *Server) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		httpError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, queue.ErrValidation):
		httpError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, queue.ErrNotFound):
		httpError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, queue.ErrAlreadyExists),
		errors.Is(err, queue.ErrClaimConflict):
		httpError(w, http.StatusConflict, "%v", err)
	case errors.Is(err, queue.ErrStorageWriteFailed),
		errors.Is(err, queue.ErrStorageTransient):
		s.logger.Error("storage unavailable",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err))
		httpError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err))
		httpError(w, http.StatusInternalServerError, "internal server error")
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// fromSeconds converts a wire value in seconds, refusing anything past limit
// before the multiplication can wrap around int64.
func fromSeconds(n int64, limit time.Duration, kind error, field string) (time.Duration, error) {
	if n < 0 || n > seconds(limit) {
		return 0, fmt.Errorf("%w: %s must be within [0, %d] seconds", kind, field, seconds(limit))
	}
	return time.Duration(n) * time.Second, nil
}
