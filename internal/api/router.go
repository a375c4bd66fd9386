package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/playok/fitalert/internal/alerting"
	"github.com/playok/fitalert/internal/collector"
	"github.com/playok/fitalert/internal/jobs"
	"github.com/playok/fitalert/internal/metrics"
	"github.com/playok/fitalert/internal/notify"
	"github.com/playok/fitalert/internal/progress"
)

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API serves.
type Deps struct {
	Thresholds  ThresholdStore
	Evaluator   *alerting.Evaluator
	Manager     *alerting.Manager
	Dispatcher  *notify.Dispatcher
	Jobs        *jobs.Runner
	Registry    *collector.Registry
	Hub         *progress.Hub
	Metrics     *metrics.Metrics
	DB          Pinger
	Log         *slog.Logger
	BasePath    string
	MetricsPath string
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()
	log := d.Log.With("component", "http")

	ta := &thresholdsAPI{store: d.Thresholds, evaluator: d.Evaluator, log: log}
	aa := &alertsAPI{manager: d.Manager}
	na := &notificationsAPI{dispatcher: d.Dispatcher}
	ja := &jobsAPI{runner: d.Jobs}
	sa := &samplesAPI{evaluator: d.Evaluator}
	ca := &collectorsAPI{registry: d.Registry}

	// Thresholds
	mux.HandleFunc("GET /api/v1/thresholds", ta.list)
	mux.HandleFunc("POST /api/v1/thresholds", ta.create)
	mux.HandleFunc("GET /api/v1/thresholds/{id}", ta.get)
	mux.HandleFunc("PUT /api/v1/thresholds/{id}", ta.update)
	mux.HandleFunc("DELETE /api/v1/thresholds/{id}", ta.delete)

	// Alerts
	mux.HandleFunc("GET /api/v1/alerts", aa.list)
	mux.HandleFunc("GET /api/v1/alerts/{id}", aa.get)
	mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", aa.acknowledge)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", aa.resolve)
	mux.HandleFunc("GET /api/v1/alert-history", aa.history)
	mux.HandleFunc("GET /api/v1/alert-history/{id}", aa.historyEntry)

	// Notifications
	mux.HandleFunc("GET /api/v1/notifications", na.list)
	mux.HandleFunc("GET /api/v1/notifications/unread-count", na.unreadCount)
	mux.HandleFunc("POST /api/v1/notifications/{id}/read", na.markRead)
	mux.HandleFunc("POST /api/v1/notifications/read-all", na.markAllRead)

	// Jobs
	mux.HandleFunc("GET /api/v1/jobs", ja.list)
	mux.HandleFunc("POST /api/v1/jobs", ja.enqueue)
	mux.HandleFunc("GET /api/v1/jobs/{id}", ja.get)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", ja.cancel)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", ja.retry)

	// Samples and collectors
	mux.HandleFunc("POST /api/v1/samples", sa.ingest)
	mux.HandleFunc("GET /api/v1/collectors", ca.list)
	mux.HandleFunc("PUT /api/v1/collectors/{id}/enable", ca.enable)
	mux.HandleFunc("PUT /api/v1/collectors/{id}/disable", ca.disable)

	// Live progress
	if d.Hub != nil {
		mux.HandleFunc("GET /api/v1/ws", d.Hub.HandleWS)
	}

	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, d.Metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.DB != nil {
			if err := d.DB.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "database unreachable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var handler http.Handler = mux

	// If base_path is set, strip the prefix so internal routing works unchanged
	basePath := d.BasePath
	if basePath != "/" && basePath != "" {
		inner := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == basePath || strings.HasPrefix(r.URL.Path, basePath+"/") {
				r.URL.Path = strings.TrimPrefix(r.URL.Path, basePath)
				if r.URL.Path == "" {
					r.URL.Path = "/"
				}
				r.URL.RawPath = strings.TrimPrefix(r.URL.RawPath, basePath)
			}
			inner.ServeHTTP(w, r)
		})
	}

	return withMiddleware(log, handler)
}

func withMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Recovery
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic in handler", "method", r.Method, "path", r.URL.Path, "panic", err)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		// CORS for local development
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+userHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)

		log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
