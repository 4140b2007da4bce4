// Package remote implements the HTTP WorkerBackend protocol:
// schema-versioned request/response envelopes posted to
// v1/worker/{submit,poll,pause,stop} on a remote worker daemon (see
// cmd/workerd), with an optional bearer token from a configured env
// var and an optional msgpack encoding of the envelope, chosen by
// Config.UseMsgpack and announced in Content-Type. The Daemon in this
// package reads and writes JSON envelopes only.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/worker"
)

// SchemaVersion is the only envelope schema this client speaks; a
// response carrying any other value quarantines the backend.
const SchemaVersion = "v1"

// Envelope is the common wrapper every request/response carries.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Body          json.RawMessage `json:"body"`
}

// Config configures the HTTP client backend.
type Config struct {
	BaseURL string
	// TokenEnv names an environment variable holding a bearer token;
	// empty means no Authorization header is sent.
	TokenEnv string
	// UseMsgpack switches the client's wire encoding from JSON to
	// msgpack and sets Content-Type / Accept to match; nothing is
	// negotiated with the server.
	UseMsgpack   bool
	PollBatch    int
	HTTPClient   *http.Client
}

// Backend is an HTTP-transport WorkerBackend.
type Backend struct {
	cfg    Config
	client *http.Client
	token  string

	mu          sync.Mutex
	quarantined bool
	lastSeq     map[string]int64 // dedupe key prefix (schedule_idx/trial_id; run_id is not part of it) -> highest completion_seq seen
}

// New builds a Backend from cfg.
func New(cfg Config) *Backend {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	return &Backend{cfg: cfg, client: client, token: token, lastSeq: make(map[string]int64)}
}

func (b *Backend) contentType() string {
	if b.cfg.UseMsgpack {
		return "application/vnd.agentlab.worker+msgpack"
	}
	return "application/json"
}

func (b *Backend) encode(v any) ([]byte, error) {
	if b.cfg.UseMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

func (b *Backend) decode(data []byte, v any) error {
	if b.cfg.UseMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func (b *Backend) do(ctx context.Context, path string, reqBody any, respBody any) error {
	body, err := b.encode(Envelope{SchemaVersion: SchemaVersion, Body: mustRaw(b, reqBody)})
	if err != nil {
		return fmt.Errorf("remote: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", b.contentType())
	httpReq.Header.Set("Accept", b.contentType())
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", worker.ErrCapacitySaturated, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remote: read response: %w", err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return worker.ErrCapacitySaturated
	}
	if resp.StatusCode != http.StatusOK {
		b.Quarantine()
		return fmt.Errorf("%w: status %d: %s", worker.ErrProtocolError, resp.StatusCode, string(raw))
	}

	var env Envelope
	if err := b.decode(raw, &env); err != nil {
		b.Quarantine()
		return fmt.Errorf("%w: decode envelope: %v", worker.ErrProtocolError, err)
	}
	if env.SchemaVersion != SchemaVersion {
		b.Quarantine()
		return fmt.Errorf("%w: schema_version %q", worker.ErrProtocolError, env.SchemaVersion)
	}
	if respBody != nil {
		if err := json.Unmarshal(env.Body, respBody); err != nil {
			b.Quarantine()
			return fmt.Errorf("%w: decode body: %v", worker.ErrProtocolError, err)
		}
	}
	return nil
}

func mustRaw(b *Backend, v any) json.RawMessage {
	// Envelope.Body is always the encoding/json form of reqBody, even
	// with UseMsgpack: msgpack, when selected, encodes only the outer
	// envelope, whose Body stays JSON bytes (json.RawMessage) for
	// inspection by intermediary tooling.
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// submitRequest/Response mirror the documented envelope
// shape for v1/worker/submit.
type submitRequest struct {
	Dispatch model.DispatchPayload `json:"dispatch"`
}

type submitResponse struct {
	Ticket worker.Ticket `json:"ticket"`
}

// Submit implements worker.Backend.
func (b *Backend) Submit(ctx context.Context, dispatch model.DispatchPayload) (worker.Ticket, error) {
	if b.Quarantined() {
		return worker.Ticket{}, worker.ErrProtocolError
	}
	var resp submitResponse
	if err := b.do(ctx, "v1/worker/submit", submitRequest{Dispatch: dispatch}, &resp); err != nil {
		return worker.Ticket{}, err
	}
	return resp.Ticket, nil
}

type pollRequest struct {
	TimeoutMS int `json:"timeout_ms"`
	BatchSize int `json:"batch_size,omitempty"`
}

type pollResponse struct {
	Completions []model.Completion `json:"completions"`
}

// PollCompletions implements worker.Backend, deduping by
// (schedule_idx, trial_id, completion_seq) so at-least-once delivery
// from the remote daemon never double-hands a completion to the
// coordinator.
func (b *Backend) PollCompletions(ctx context.Context, timeout time.Duration) ([]model.Completion, error) {
	if b.Quarantined() {
		return nil, worker.ErrProtocolError
	}
	var resp pollResponse
	req := pollRequest{TimeoutMS: int(timeout / time.Millisecond), BatchSize: b.cfg.PollBatch}
	if err := b.do(ctx, "v1/worker/poll", req, &resp); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Completion
	for _, c := range resp.Completions {
		key := fmt.Sprintf("%d/%s", c.ScheduleIdx, c.TrialID)
		if seq := b.lastSeq[key]; c.CompletionSeq <= seq && seq != 0 {
			continue
		}
		b.lastSeq[key] = c.CompletionSeq
		out = append(out, c)
	}
	return out, nil
}

type pauseRequest struct {
	WorkerID string `json:"worker_id"`
	Label    string `json:"label"`
}

// RequestPause implements worker.Backend.
func (b *Backend) RequestPause(ctx context.Context, workerID, label string) (worker.PauseAck, error) {
	var ack worker.PauseAck
	if err := b.do(ctx, "v1/worker/pause", pauseRequest{WorkerID: workerID, Label: label}, &ack); err != nil {
		return worker.PauseAck{}, err
	}
	return ack, nil
}

type stopRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// RequestStop implements worker.Backend.
func (b *Backend) RequestStop(ctx context.Context, workerID, reason string) error {
	return b.do(ctx, "v1/worker/stop", stopRequest{WorkerID: workerID, Reason: reason}, nil)
}

// Quarantined implements worker.Backend.
func (b *Backend) Quarantined() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quarantined
}

// Quarantine permanently faults the backend.
func (b *Backend) Quarantine() {
	b.mu.Lock()
	b.quarantined = true
	b.mu.Unlock()
}

var _ worker.Backend = (*Backend)(nil)
