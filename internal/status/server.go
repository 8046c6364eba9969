package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/soldier/backend/internal/axis"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/snapshot"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// =============================================================================
// Status surface — 읽기 전용 관측 창구
// ⭐ SSOT: 외부에서 커널 상태를 보는 유일한 경로. 쓰기 엔드포인트는 없다
// =============================================================================

// Deps is the read-only view the status server exposes.
type Deps struct {
	Resolver *axis.Resolver
	Provider *snapshot.Provider
	Latch    *latch.Latch
	Ledger   *ledger.Ledger

	Version   string
	GitCommit string
	StartedAt time.Time
}

// Server represents the status HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
	port       string
}

// New creates a new status server.
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         ":" + cfg.StatusPort,
			Handler:      NewRouter(deps, log),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log,
		port:   cfg.StatusPort,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithFields(map[string]interface{}{
		"port": s.port,
	}).Info("Starting status server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}
	return nil
}

// NewRouter creates and configures the HTTP router.
// ⭐ SSOT: 라우팅 설정은 이 함수에서만. GET 전용
func NewRouter(deps Deps, log *logger.Logger) http.Handler {
	h := &handler{deps: deps, logger: log}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods("GET")
	r.HandleFunc("/status", h.status).Methods("GET")
	r.HandleFunc("/status/latch", h.latchState).Methods("GET")
	r.HandleFunc("/status/ledger", h.ledgerState).Methods("GET")

	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

type handler struct {
	deps   Deps
	logger *logger.Logger
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "soldier-kernel",
	})
}

// status reports the full resolved view from a fresh snapshot.
// 모드는 절대 캐시하지 않는다 — 호출 시점마다 다시 계산.
func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	snap, err := h.deps.Provider.Acquire()
	if err != nil {
		h.logger.WithError(err).Warn("Status snapshot acquisition failed")
		snap = nil
	}
	res := h.deps.Resolver.Resolve(snap)

	body := map[string]interface{}{
		"mode":    res.Mode.String(),
		"reasons": reasonStrings(res.Reasons),
		"axes": map[string]string{
			"capital": res.Axes.Capital.String(),
			"market":  res.Axes.Market.String(),
			"system":  res.Axes.System.String(),
		},
		"latch_blocked": h.deps.Latch.Blocked(),
		"uptime":        time.Since(h.deps.StartedAt).Round(time.Second).String(),
		"version":       h.deps.Version,
		"git_commit":    h.deps.GitCommit,
	}
	if snap != nil {
		body["snapshot_version"] = snap.Version
	}

	respondJSON(w, http.StatusOK, body)
}

func (h *handler) latchState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"blocked": h.deps.Latch.Blocked(),
		"reasons": reasonStrings(h.deps.Latch.Reasons()),
	})
}

func (h *handler) ledgerState(w http.ResponseWriter, _ *http.Request) {
	led := h.deps.Ledger
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue_depth":      led.QueueDepth(),
		"queue_capacity":   led.QueueCapacity(),
		"write_errors":     led.WriteErrorCount(),
		"rejected_records": led.RejectedCount(),
		"duplicate_trades": led.DuplicateTradeCount(),
		"in_flight":        len(led.InFlight()),
	})
}

func reasonStrings[T ~string](in []T) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, string(v))
	}
	return out
}

func respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics.
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					respondJSON(w, http.StatusInternalServerError, map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
