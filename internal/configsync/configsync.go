// Package configsync periodically refreshes the agent's remote
// configuration document.
//
// The remote document is validated against an embedded JSON Schema
// before it replaces the in-memory snapshot; a failed fetch or an
// invalid document keeps the last-known-good snapshot in effect.
package configsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"activityd/internal/logging"
)

// RemoteConfig is the server-controlled portion of the agent's
// configuration.
type RemoteConfig struct {
	UploadIntervalSeconds    int             `json:"upload_interval_seconds"`
	BatchMaxRecords          int             `json:"batch_max_records"`
	BatchMaxBytes            int64           `json:"batch_max_bytes"`
	HeartbeatIntervalSeconds int             `json:"heartbeat_interval_seconds"`
	IdleTimeoutSeconds       int             `json:"idle_timeout_seconds"`
	PIIPatternsVersion       string          `json:"pii_patterns_version"`
	Features                 map[string]bool `json:"features"`
}

// schemaJSON is the contract the server-side document must satisfy.
// Unknown fields are allowed so older agents tolerate newer servers.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "upload_interval_seconds":    {"type": "integer", "minimum": 1, "maximum": 86400},
    "batch_max_records":          {"type": "integer", "minimum": 1, "maximum": 10000},
    "batch_max_bytes":            {"type": "integer", "minimum": 1024},
    "heartbeat_interval_seconds": {"type": "integer", "minimum": 1, "maximum": 86400},
    "idle_timeout_seconds":       {"type": "integer", "minimum": 1},
    "pii_patterns_version":       {"type": "string"},
    "features": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    }
  },
  "additionalProperties": true
}`

var schema = jsonschema.MustCompileString("agent-config.json", schemaJSON)

// Config holds refresher construction parameters.
type Config struct {
	Endpoint string
	AgentID  string

	// Token returns the current bearer token. Optional.
	Token func() (string, error)

	Interval time.Duration
	Timeout  time.Duration

	// Initial is the snapshot served until the first successful
	// fetch.
	Initial RemoteConfig
}

// Refresher polls the config endpoint and exposes the latest valid
// document.
type Refresher struct {
	cfg     Config
	client  *http.Client
	log     *logging.Logger
	current atomic.Pointer[RemoteConfig]
}

// New creates a refresher seeded with cfg.Initial.
func New(cfg Config, log *logging.Logger) (*Refresher, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("configsync: endpoint is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	r := &Refresher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
	initial := cfg.Initial
	r.current.Store(&initial)
	return r, nil
}

// Snapshot returns the current configuration. The returned value must
// not be mutated.
func (r *Refresher) Snapshot() *RemoteConfig {
	return r.current.Load()
}

// Run polls until the context is cancelled. An immediate refresh runs
// on start so the agent does not spend a full interval on defaults.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil && r.log != nil {
		r.log.Warn("initial config refresh failed, using defaults", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && r.log != nil {
				r.log.Warn("config refresh failed, keeping last known good", "error", err)
			}
		}
	}
}

// Refresh fetches and applies the remote document once.
func (r *Refresher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if r.cfg.AgentID != "" {
		req.Header.Set("X-Agent-ID", r.cfg.AgentID)
	}
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
		return fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config failed schema validation: %w", err)
	}

	next := r.cfg.Initial
	if err := json.Unmarshal(body, &next); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	prev := r.current.Load()
	r.current.Store(&next)

	if r.log != nil && (prev == nil || prev.PIIPatternsVersion != next.PIIPatternsVersion) {
		r.log.Info("remote config updated", "pii_patterns_version", next.PIIPatternsVersion)
	}
	return nil
}

// UploadInterval returns the snapshot's upload interval as a duration,
// or def when unset.
func (r *Refresher) UploadInterval(def time.Duration) time.Duration {
	if s := r.Snapshot().UploadIntervalSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return def
}

// Feature reports whether the named feature toggle is on.
func (r *Refresher) Feature(name string) bool {
	return r.Snapshot().Features[name]
}
