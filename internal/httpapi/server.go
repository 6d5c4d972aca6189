// Package httpapi is the HTTP surface: webhook intake, the realtime WebSocket
// endpoint and the operational API. Intake handlers do no processing beyond
// validation and enqueue; providers get their 2xx in milliseconds.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/ingest"
	"github.com/omnidesk/omnidesk/internal/queue"
	"github.com/omnidesk/omnidesk/internal/realtime"
)

// Options tunes the HTTP server.
type Options struct {
	Addr            string  // listen address (default :8080)
	MaxBodyBytes    int64   // webhook body cap (default 1 MiB)
	WebhookRate     float64 // sustained webhooks/sec per remote IP (default 50)
	WebhookBurst    int     // burst allowance per remote IP (default 100)
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.WebhookRate <= 0 {
		o.WebhookRate = 50
	}
	if o.WebhookBurst <= 0 {
		o.WebhookBurst = 100
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	return o
}

// Server serves intake, ops and WebSocket traffic on one listener.
type Server struct {
	queue    *queue.Queue
	sender   *ingest.Sender
	hub      *realtime.Hub
	registry *channels.Registry
	opts     Options
	limiter  *ipLimiter
	httpSrv  *http.Server
}

// NewServer wires the routes. hub, sender and registry may be nil in reduced
// setups (intake-only deployments); their routes 404 or skip enforcement in
// that case.
func NewServer(q *queue.Queue, sender *ingest.Sender, hub *realtime.Hub, registry *channels.Registry, opts Options) *Server {
	s := &Server{
		queue:    q,
		sender:   sender,
		hub:      hub,
		registry: registry,
		opts:     opts.withDefaults(),
	}
	s.limiter = newIPLimiter(s.opts.WebhookRate, s.opts.WebhookBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{channel}", s.rateLimited(s.handleChannelWebhook))
	mux.HandleFunc("GET /webhooks/{channel}", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhooks", s.rateLimited(s.handleGenericWebhook))
	mux.HandleFunc("GET /api/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /api/queue/stats/sources", s.handleQueueStatsBySource)
	mux.HandleFunc("GET /api/queue/deadletters", s.handleDeadLetters)
	mux.HandleFunc("POST /api/queue/cleanup", s.handleCleanup)
	mux.HandleFunc("POST /api/messages/send", s.handleSendMessage)
	mux.HandleFunc("GET /health", s.handleHealth)
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.ServeWS)
	}

	s.httpSrv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start runs the listener. Blocks until the server stops.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.opts.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests within the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("write response failed", "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
