// Package heartbeat reports agent liveness and counters to the
// control plane.
//
// A failed heartbeat is logged and retried on the next tick; it never
// stops the agent. The reply can carry an enrollment status the
// control plane uses to flag revoked or expired agents.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"activityd/internal/logging"
	"activityd/internal/metrics"
)

// Enrollment statuses the control plane can report.
const (
	StatusOK      = "ok"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// PendingSource reports buffer depth for the heartbeat payload.
type PendingSource interface {
	PendingCount() int
	PendingBytes() int64
}

// Config holds reporter construction parameters.
type Config struct {
	Endpoint string
	AgentID  string
	Version  string

	// Token returns the current bearer token. Optional.
	Token func() (string, error)

	Interval time.Duration
	Timeout  time.Duration
}

// Reporter posts periodic heartbeats.
type Reporter struct {
	cfg       Config
	client    *http.Client
	reg       *metrics.Registry
	pending   PendingSource
	log       *logging.Logger
	startedAt time.Time
	status    atomic.Value // string
}

// payload is the heartbeat request body.
type payload struct {
	AgentID        string            `json:"agent_id"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	PendingRecords int               `json:"pending_records"`
	PendingBytes   int64             `json:"pending_bytes"`
	Counters       map[string]uint64 `json:"counters"`
}

// reply is the heartbeat response body.
type reply struct {
	Status string `json:"status"`
}

// New creates a reporter. pending may be nil.
func New(cfg Config, reg *metrics.Registry, pending PendingSource, log *logging.Logger) (*Reporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("heartbeat: endpoint is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	r := &Reporter{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		reg:       reg,
		pending:   pending,
		log:       log,
		startedAt: time.Now(),
	}
	r.status.Store(StatusOK)
	return r, nil
}

// Status returns the last enrollment status the control plane
// reported.
func (r *Reporter) Status() string {
	return r.status.Load().(string)
}

// Run beats until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Beat(ctx); err != nil && r.log != nil {
				r.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Beat sends one heartbeat.
func (r *Reporter) Beat(ctx context.Context) error {
	p := payload{
		AgentID:       r.cfg.AgentID,
		Version:       r.cfg.Version,
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
		Counters:      r.reg.Snapshot(),
	}
	if r.pending != nil {
		p.PendingRecords = r.pending.PendingCount()
		p.PendingBytes = r.pending.PendingBytes()
	}

	body, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != nil {
		token, err := r.cfg.Token()
		if err != nil {
			return fmt.Errorf("fetch token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server status %d", resp.StatusCode)
	}

	var rep reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&rep); err != nil {
		// An empty or non-JSON 2xx body still counts as a delivered
		// heartbeat.
		return nil
	}
	if rep.Status == "" {
		return nil
	}

	prev := r.Status()
	r.status.Store(rep.Status)
	if rep.Status != StatusOK && rep.Status != prev && r.log != nil {
		r.log.Error("agent enrollment flagged by control plane", "enrollment_status", rep.Status)
	}
	return nil
}
