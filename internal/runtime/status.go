package runtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/waflow/internal/runtime/deadletter"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
)

// StatusReport is served by /api/status.
type StatusReport struct {
	State             string          `json:"state"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	PubSubSystem      string          `json:"pubsub_system"`
	InboundTopics     []string        `json:"inbound_topics"`
	OutboundTopic     string          `json:"outbound_topic"`
	PoisonQueue       string          `json:"poison_queue,omitempty"`
	SignalsAttached   bool            `json:"signals_attached"`
	Metrics           MetricsSnapshot `json:"metrics"`
	DeadLetterBackend string          `json:"dead_letter_backend"`
}

// Status returns a point-in-time view of the runtime.
func (r *Runtime) Status() StatusReport {
	router := r.normalizer.Router()
	topics := router.Topics()
	inbound := make([]string, len(topics))
	for i, t := range topics {
		inbound[i] = r.publisher.Topic(t)
	}

	report := StatusReport{
		State:             r.State().String(),
		PubSubSystem:      r.conf.PubSubSystem,
		InboundTopics:     inbound,
		OutboundTopic:     r.conf.Topic(r.conf.OutboundCommandTopic),
		SignalsAttached:   r.SignalsAttached(),
		Metrics:           r.metrics.Snapshot(),
		DeadLetterBackend: r.conf.DeadLetterBackend,
	}
	if r.conf.PoisonQueue != "" {
		report.PoisonQueue = r.conf.Topic(r.conf.PoisonQueue)
	}
	if report.DeadLetterBackend == "" {
		report.DeadLetterBackend = "none"
	}
	if r.State() == StateRunning {
		startedAt := time.Unix(0, r.startedAt.Load()).UTC()
		report.StartedAt = &startedAt
	}
	return report
}

// adminHandler serves the health, status and metrics endpoints.
func (r *Runtime) adminHandler() http.Handler {
	router := mux.NewRouter()
	router.Use(r.corsMiddleware)

	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/status", r.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/deadletters", r.handleDeadLetters).Methods(http.MethodGet, http.MethodOptions)
	if r.conf.MetricsEnabled {
		router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	status := http.StatusOK
	body := map[string]string{"status": "ok", "state": r.State().String()}
	if r.State() != StateRunning {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	r.writeJSON(w, status, body)
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	r.writeJSON(w, http.StatusOK, r.Status())
}

func (r *Runtime) handleDeadLetters(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	lister, ok := r.deadLetterStore().(deadletter.Lister)
	if !ok {
		http.Error(w, "dead letter backend does not support listing", http.StatusNotImplemented)
		return
	}

	reason := deadletter.Reason(req.URL.Query().Get("reason"))
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := lister.List(req.Context(), reason, limit)
	if err != nil {
		r.logger.Error("Failed to list dead letters", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	total, err := lister.Count(req.Context(), reason)
	if err != nil {
		r.logger.Error("Failed to count dead letters", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"total": total, "entries": entries})
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, body any) {
	payload, err := jsoncodec.Marshal(body)
	if err != nil {
		r.logger.Error("Failed to encode admin response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// corsMiddleware sets CORS headers based on configuration.
func (r *Runtime) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if allowed := r.allowedCORSOrigin(req.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		next.ServeHTTP(w, req)
	})
}

// allowedCORSOrigin checks if the request origin is allowed and returns the
// appropriate Access-Control-Allow-Origin value.
func (r *Runtime) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range r.conf.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

type adminServer struct {
	srv    *http.Server
	addr   string
	done   chan struct{}
	logger loggingpkg.ServiceLogger
}

// startAdminServer binds addr before returning so a port conflict fails
// Start.
func startAdminServer(addr string, handler http.Handler, logger loggingpkg.ServiceLogger) (*adminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &adminServer{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		addr:   ln.Addr().String(),
		done:   make(chan struct{}),
		logger: logger,
	}
	logger.Info("Starting admin HTTP server", loggingpkg.LogFields{"address": s.addr})
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", err, loggingpkg.LogFields{"address": s.addr})
		}
	}()
	return s, nil
}

func (s *adminServer) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	<-s.done
	return err
}
