// Package uploader drains the durable buffer and ships batches to the
// ingest endpoint.
//
// Delivery is at-least-once: records are acknowledged only after the
// server lists them as accepted, so a crash between upload and ack
// re-sends the batch and the server dedupes on the idempotency key.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"activityd/internal/buffer"
	"activityd/internal/logging"
	"activityd/internal/metrics"
	"activityd/internal/model"
)

// ErrNonRetryable marks a server rejection that will not succeed on
// retry (4xx). The batch is dropped from the retry path.
var ErrNonRetryable = errors.New("uploader: non-retryable rejection")

// Store is the slice of the buffer the uploader needs.
type Store interface {
	Drain(maxCount int, maxBytes int64) ([]buffer.Pending, error)
	Ack(ids []int64) error
	Compact() (int64, error)
}

// Tuning holds the knobs the remote config can adjust between ticks.
type Tuning struct {
	Interval        time.Duration
	BatchMaxRecords int
	BatchMaxBytes   int64
}

// Config holds uploader construction parameters.
type Config struct {
	Endpoint string
	AgentID  string

	// Token returns the current bearer token. Called per request so a
	// rotated token takes effect without restart.
	Token func() (string, error)

	// Tune returns the current tuning. Called at the top of every
	// cycle; nil uses Default.
	Tune func() Tuning

	// Default tuning when Tune is nil or returns zero values.
	Default Tuning

	Timeout        time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Compress       bool
}

// Uploader is the batch upload loop.
type Uploader struct {
	cfg    Config
	store  Store
	client *http.Client
	reg    *metrics.Registry
	log    *logging.Logger

	backoff time.Duration
}

// batchRecord is one record in the upload body.
type batchRecord struct {
	BufferID int64               `json:"buffer_id"`
	Kind     string              `json:"kind"`
	Event    *model.CaptureEvent `json:"event,omitempty"`
	Record   *model.VCERecord    `json:"record,omitempty"`
}

// uploadRequest is the ingest request body.
type uploadRequest struct {
	AgentID string        `json:"agent_id"`
	Records []batchRecord `json:"records"`
}

// uploadResponse is the ingest reply. Accepted lists the buffer ids
// the server durably took; everything else stays pending.
type uploadResponse struct {
	Accepted []int64 `json:"accepted"`
}

// New creates an uploader.
func New(cfg Config, store Store, reg *metrics.Registry, log *logging.Logger) (*Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("uploader: endpoint is required")
	}
	if store == nil {
		return nil, fmt.Errorf("uploader: store is required")
	}
	if cfg.Default.Interval <= 0 {
		cfg.Default.Interval = 30 * time.Second
	}
	if cfg.Default.BatchMaxRecords <= 0 {
		cfg.Default.BatchMaxRecords = 200
	}
	if cfg.Default.BatchMaxBytes <= 0 {
		cfg.Default.BatchMaxBytes = 4 * 1024 * 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	return &Uploader{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		reg:    reg,
		log:    log,
	}, nil
}

func (u *Uploader) tuning() Tuning {
	t := u.cfg.Default
	if u.cfg.Tune != nil {
		got := u.cfg.Tune()
		if got.Interval > 0 {
			t.Interval = got.Interval
		}
		if got.BatchMaxRecords > 0 {
			t.BatchMaxRecords = got.BatchMaxRecords
		}
		if got.BatchMaxBytes > 0 {
			t.BatchMaxBytes = got.BatchMaxBytes
		}
	}
	return t
}

// Run uploads on a fixed interval until the context is cancelled.
// Transport failures stretch the interval with capped exponential
// backoff; success resets it.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		wait := u.tuning().Interval
		if u.backoff > 0 {
			wait = u.backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := u.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Storage failure is not retryable: the buffer is the
			// source of truth and nothing can proceed without it.
			if errors.Is(err, buffer.ErrStorage) {
				return err
			}
			u.reg.Counter(metrics.UploadFailures).Inc()
			u.stepBackoff()
			if u.log != nil {
				u.log.Warn("upload cycle failed", "error", err, "next_retry", u.backoff.String())
			}
			continue
		}
		u.backoff = 0
	}
}

// Cycle drains and uploads until the buffer has no full batch left.
// A partial trailing batch is also sent so nothing waits more than one
// interval.
func (u *Uploader) Cycle(ctx context.Context) error {
	t := u.tuning()

	for {
		pending, err := u.store.Drain(t.BatchMaxRecords, t.BatchMaxBytes)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		if len(pending) == 0 {
			if _, err := u.store.Compact(); err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			return nil
		}

		accepted, err := u.uploadBatch(ctx, pending)
		if errors.Is(err, ErrNonRetryable) {
			// The server will never take this batch; keeping it would
			// wedge the queue behind it.
			ids := pendingIDs(pending)
			if ackErr := u.store.Ack(ids); ackErr != nil {
				return fmt.Errorf("ack rejected batch: %w", ackErr)
			}
			u.reg.Counter(metrics.RecordsDropped).Add(uint64(len(ids)))
			if u.log != nil {
				u.log.Error("batch rejected by server, dropped from retry", "records", len(ids), "error", err)
			}
			continue
		}
		if err != nil {
			return err
		}

		if err := u.store.Ack(accepted); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		u.reg.Counter(metrics.RecordsUploaded).Add(uint64(len(accepted)))

		if len(pending) < t.BatchMaxRecords {
			// Buffer is drained past a full batch; stop here.
			if _, err := u.store.Compact(); err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			return nil
		}
		if len(accepted) < len(pending) {
			// Partial acceptance: the remainder stays pending and is
			// retried next cycle rather than hot-looping now.
			return nil
		}
	}
}

func (u *Uploader) uploadBatch(ctx context.Context, pending []buffer.Pending) ([]int64, error) {
	req := uploadRequest{AgentID: u.cfg.AgentID}

	for _, p := range pending {
		rec := batchRecord{BufferID: p.ID, Kind: p.Kind}
		switch p.Kind {
		case model.KindCaptureEvent:
			ev, err := p.DecodeCaptureEvent()
			if err != nil {
				// Undecodable after a clean unseal: drop it rather
				// than block the batch forever.
				u.reg.Counter(metrics.RecordsCorrupt).Inc()
				if ackErr := u.store.Ack([]int64{p.ID}); ackErr != nil {
					return nil, fmt.Errorf("ack undecodable record: %w", ackErr)
				}
				continue
			}
			rec.Event = &ev
		case model.KindVCERecord:
			vr, err := p.DecodeVCERecord()
			if err != nil {
				u.reg.Counter(metrics.RecordsCorrupt).Inc()
				if ackErr := u.store.Ack([]int64{p.ID}); ackErr != nil {
					return nil, fmt.Errorf("ack undecodable record: %w", ackErr)
				}
				continue
			}
			rec.Record = &vr
		default:
			u.reg.Counter(metrics.RecordsCorrupt).Inc()
			if ackErr := u.store.Ack([]int64{p.ID}); ackErr != nil {
				return nil, fmt.Errorf("ack unknown-kind record: %w", ackErr)
			}
			continue
		}
		req.Records = append(req.Records, rec)
	}

	if len(req.Records) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	var reader io.Reader = bytes.NewReader(body)
	if u.cfg.Compress {
		var gz bytes.Buffer
		zw := gzip.NewWriter(&gz)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		reader = &gz
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.Endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if u.cfg.Compress {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}
	if u.cfg.Token != nil {
		token, err := u.cfg.Token()
		if err != nil {
			return nil, fmt.Errorf("fetch token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Fall through to decode.
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrNonRetryable, resp.StatusCode, msg)
	default:
		return nil, fmt.Errorf("server status %d", resp.StatusCode)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Accepted, nil
}

func (u *Uploader) stepBackoff() {
	if u.backoff == 0 {
		u.backoff = u.cfg.BackoffInitial
		return
	}
	u.backoff *= 2
	if u.backoff > u.cfg.BackoffMax {
		u.backoff = u.cfg.BackoffMax
	}
}

func pendingIDs(pending []buffer.Pending) []int64 {
	ids := make([]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	return ids
}
