// Package http serves the review dashboard API: pending-review listing,
// approve/reject/edit mutations, a dependency health probe, and the
// Prometheus scrape endpoint. Reviewers are the only writers the pipeline
// has; everything here funnels into the review manager.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
	"github.com/nadia-hitl/nadia/internal/review"
)

const handlerTimeout = 5 * time.Second

// ReviewService is the slice of the review manager the dashboard drives.
type ReviewService interface {
	ListPending(ctx context.Context, limit int, filter review.Filter) ([]review.Item, error)
	Get(ctx context.Context, id string) (*models.Interaction, error)
	Approve(ctx context.Context, id string, dec persistence.ReviewDecision) (*models.Interaction, error)
	Reject(ctx context.Context, id string, reason string) (*models.Interaction, error)
	Edit(ctx context.Context, id string, patch persistence.EditPatch) (*models.Interaction, error)
}

// KVHealth probes the queue store for the health endpoint.
type KVHealth interface {
	Ping(ctx context.Context) error
	WALDepth(ctx context.Context) (int64, error)
	ReviewDepth(ctx context.Context) (int64, error)
	OutboundDepth(ctx context.Context) (int64, error)
}

// Deps bundles the server's collaborators. Gatherer may be nil to skip
// the /metrics endpoint.
type Deps struct {
	Reviews  ReviewService
	KV       KVHealth
	DB       persistence.RepositoryHealth
	Gatherer prometheus.Gatherer
	Version  string
	Logger   zerolog.Logger
}

// Server hosts the dashboard API.
type Server struct {
	router  *mux.Router
	server  *http.Server
	reviews ReviewService
	kv      KVHealth
	db      persistence.RepositoryHealth
	apiKey  string
	version string
	started time.Time
	logger  zerolog.Logger
}

// NewServer wires routes and middleware around the review manager.
func NewServer(cfg config.DashboardConfig, deps Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		reviews: deps.Reviews,
		kv:      deps.KV,
		db:      deps.DB,
		apiKey:  cfg.APIKey,
		version: deps.Version,
		started: time.Now(),
		logger:  deps.Logger.With().Str("component", "dashboard").Logger(),
	}
	if s.version == "" {
		s.version = "dev"
	}

	s.routes(deps.Gatherer)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      corsMiddleware(s.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware)
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware, timeoutMiddleware(handlerTimeout), jsonContentTypeMiddleware)

	// /reviews/pending must register ahead of /reviews/{id}; mux matches
	// in registration order.
	api.HandleFunc("/reviews/pending", s.handleListPending).Methods(http.MethodGet)
	api.HandleFunc("/reviews/{id}", s.handleGetReview).Methods(http.MethodGet)
	api.HandleFunc("/reviews/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/reviews/{id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/reviews/{id}/edit", s.handleEdit).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Start begins serving and blocks until the listener stops. A clean
// Shutdown is reported as nil.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Dashboard listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Addr reports the configured bind address.
func (s *Server) Addr() string { return s.server.Addr }

type ctxKey string

const requestIDKey ctxKey = "request_id"

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware tags every request with a short correlation id,
// honoring one supplied by the caller.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		evt := s.logger.Info()
		if r.URL.Path == "/metrics" || r.URL.Path == "/api/health" {
			// Scrapes and probes arrive every few seconds; keep them out
			// of the info stream.
			evt = s.logger.Debug()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", requestID(r.Context())).
			Msg("Request served")
	})
}

// authMiddleware requires the dashboard bearer token on every /api route.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "missing or invalid bearer token", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware wraps the whole router so preflights reach it before
// route matching; it admits browser dashboards served from localhost dev
// ports and leaves non-browser clients untouched.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
