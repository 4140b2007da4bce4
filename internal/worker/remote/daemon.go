// Daemon is the server side of the remote worker protocol: it fronts
// a worker.Backend (normally an internal/worker/local.Backend running
// inside the same process as the daemon) with the
// v1/worker/{submit,poll,pause,stop} HTTP routes, using Go 1.22
// method+pattern mux routing, graceful shutdown on SIGINT/SIGTERM, and
// Origin-based CSRF rejection on POST.
package remote

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/worker"
)

// DaemonConfig configures the HTTP daemon.
type DaemonConfig struct {
	Addr string
	// TokenEnv, if set, requires "Authorization: Bearer <value of env
	// var>" on every request except GET /health — an optional bearer
	// token read from a configured env var.
	TokenEnv string
}

// Daemon serves a worker.Backend over HTTP.
type Daemon struct {
	cfg     DaemonConfig
	backend worker.Backend
	token   string
	log     logr.Logger

	httpSrv *http.Server
	cancel  context.CancelFunc
}

// NewDaemon wraps backend for HTTP service per cfg.
func NewDaemon(cfg DaemonConfig, backend worker.Backend, log logr.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	d := &Daemon{cfg: cfg, backend: backend, token: token, log: log, cancel: cancel}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("POST /v1/worker/submit", d.handleSubmit)
	mux.HandleFunc("POST /v1/worker/poll", d.handlePoll)
	mux.HandleFunc("POST /v1/worker/pause", d.handlePause)
	mux.HandleFunc("POST /v1/worker/stop", d.handleStop)

	d.httpSrv = &http.Server{
		Handler:      csrfProtect(d.authenticate(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return d
}

func (d *Daemon) authenticate(next http.Handler) http.Handler {
	if d.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + d.token
		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfProtect rejects cross-origin POSTs: browsers set Origin on
// cross-origin requests, so a mismatched Origin blocks browser-borne
// CSRF while leaving programmatic callers (which omit Origin)
// unaffected.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if origin := r.Header.Get("Origin"); origin != "" {
				if u, err := url.Parse(origin); err != nil || (u.Host != "" && u.Host != r.Host) {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func envelope(body any) Envelope {
	raw, _ := json.Marshal(body)
	return Envelope{SchemaVersion: SchemaVersion, Body: raw}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "quarantined": d.backend.Quarantined()})
}

func (d *Daemon) decodeEnvelope(r *http.Request, into any) error {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return err
	}
	return json.Unmarshal(env.Body, into)
}

func (d *Daemon) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := d.decodeEnvelope(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := d.backend.Submit(r.Context(), req.Dispatch)
	if err != nil {
		if err == worker.ErrCapacitySaturated {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope(submitResponse{Ticket: ticket}))
}

func (d *Daemon) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := d.decodeEnvelope(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	completions, err := d.backend.PollCompletions(r.Context(), timeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope(pollResponse{Completions: completions}))
}

func (d *Daemon) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := d.decodeEnvelope(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ack, err := d.backend.RequestPause(r.Context(), req.WorkerID, req.Label)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope(ack))
}

func (d *Daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := d.decodeEnvelope(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := d.backend.RequestStop(r.Context(), req.WorkerID, req.Reason); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope(map[string]string{}))
}

// ListenAndServe starts the daemon and blocks until shutdown,
// installing its own SIGINT/SIGTERM handler for a graceful stop.
func (d *Daemon) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		d.log.Info("received shutdown signal")
		_ = d.Shutdown(context.Background())
	}()

	d.log.Info("worker daemon listening", "addr", d.cfg.Addr)
	d.httpSrv.Addr = d.cfg.Addr
	err := d.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.cancel()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return d.httpSrv.Shutdown(ctx)
}
