package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"

	"activityd/internal/buffer"
	"activityd/internal/metrics"
	"activityd/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	pending []buffer.Pending
	acked   map[int64]bool
	compact int
}

func newFakeStore(events ...model.CaptureEvent) *fakeStore {
	fs := &fakeStore{acked: make(map[int64]bool)}
	for i, ev := range events {
		data, _ := cbor.Marshal(ev)
		fs.pending = append(fs.pending, buffer.Pending{
			ID:   int64(i + 1),
			Kind: model.KindCaptureEvent,
			Data: data,
		})
	}
	return fs
}

func (f *fakeStore) Drain(maxCount int, maxBytes int64) ([]buffer.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []buffer.Pending
	for _, p := range f.pending {
		if f.acked[p.ID] {
			continue
		}
		out = append(out, p)
		if len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) Ack(ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.acked[id] = true
	}
	return nil
}

func (f *fakeStore) Compact() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compact++
	return 0, nil
}

func (f *fakeStore) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pending {
		if !f.acked[p.ID] {
			n++
		}
	}
	return n
}

func event(seq uint64) model.CaptureEvent {
	return model.CaptureEvent{
		Type:            model.EventAppSwitch,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Sequence:        seq,
		ApplicationName: "ClaimsDesk",
	}
}

func newUploader(t *testing.T, endpoint string, store Store, reg *metrics.Registry, compress bool) *Uploader {
	t.Helper()
	u, err := New(Config{
		Endpoint: endpoint,
		AgentID:  "agent-1",
		Token:    func() (string, error) { return "tok-123", nil },
		Compress: compress,
	}, store, reg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return u
}

func TestCycleUploadsAndAcks(t *testing.T) {
	store := newFakeStore(event(1), event(2), event(3))
	reg := metrics.NewRegistry()

	var got uploadRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body := decodeBody(t, r)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		ids := make([]int64, 0, len(got.Records))
		for _, rec := range got.Records {
			ids = append(ids, rec.BufferID)
		}
		json.NewEncoder(w).Encode(uploadResponse{Accepted: ids})
	}))
	defer srv.Close()

	u := newUploader(t, srv.URL, store, reg, true)
	if err := u.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("agent id = %q", got.AgentID)
	}
	if store.pendingCount() != 0 {
		t.Errorf("pending after cycle = %d", store.pendingCount())
	}
	if reg.Counter(metrics.RecordsUploaded).Value() != 3 {
		t.Errorf("records_uploaded = %d", reg.Counter(metrics.RecordsUploaded).Value())
	}
	if store.compact == 0 {
		t.Error("expected compact after drain")
	}
}

func TestPartialAcceptanceLeavesRestPending(t *testing.T) {
	store := newFakeStore(event(1), event(2), event(3))
	reg := metrics.NewRegistry()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		// Accept only the first two records.
		json.NewEncoder(w).Encode(uploadResponse{Accepted: []int64{1, 2}})
	}))
	defer srv.Close()

	u := newUploader(t, srv.URL, store, reg, false)
	if err := u.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if store.pendingCount() != 1 {
		t.Errorf("pending = %d, want 1", store.pendingCount())
	}
	if reg.Counter(metrics.RecordsUploaded).Value() != 2 {
		t.Errorf("records_uploaded = %d, want 2", reg.Counter(metrics.RecordsUploaded).Value())
	}
}

func TestServerErrorLeavesEverythingPending(t *testing.T) {
	store := newFakeStore(event(1), event(2))
	reg := metrics.NewRegistry()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusBadGateway)
	}))
	defer srv.Close()

	u := newUploader(t, srv.URL, store, reg, false)
	if err := u.Cycle(context.Background()); err == nil {
		t.Fatal("expected error for 5xx")
	}

	if store.pendingCount() != 2 {
		t.Errorf("pending = %d, want 2 (nothing acked)", store.pendingCount())
	}
}

func TestClientErrorDropsBatch(t *testing.T) {
	store := newFakeStore(event(1), event(2))
	reg := metrics.NewRegistry()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "schema violation", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	u := newUploader(t, srv.URL, store, reg, false)
	if err := u.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle should swallow non-retryable rejection: %v", err)
	}

	if store.pendingCount() != 0 {
		t.Errorf("pending = %d, want 0 (batch dropped from retry)", store.pendingCount())
	}
	if reg.Counter(metrics.RecordsDropped).Value() != 2 {
		t.Errorf("records_dropped = %d, want 2", reg.Counter(metrics.RecordsDropped).Value())
	}
	if reg.Counter(metrics.RecordsUploaded).Value() != 0 {
		t.Error("dropped records must not count as uploaded")
	}
}

func TestUndecodableRecordSkippedNotFatal(t *testing.T) {
	store := newFakeStore(event(1))
	store.pending = append(store.pending, buffer.Pending{
		ID:   2,
		Kind: model.KindCaptureEvent,
		Data: []byte{0xff, 0x00, 0x01}, // not valid CBOR for the struct
	})
	reg := metrics.NewRegistry()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req uploadRequest
		json.Unmarshal(decodeBody(t, r), &req)
		if len(req.Records) != 1 {
			t.Errorf("expected 1 decodable record, got %d", len(req.Records))
		}
		json.NewEncoder(w).Encode(uploadResponse{Accepted: []int64{1}})
	}))
	defer srv.Close()

	u := newUploader(t, srv.URL, store, reg, false)
	if err := u.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if store.pendingCount() != 0 {
		t.Errorf("pending = %d, want 0", store.pendingCount())
	}
	if reg.Counter(metrics.RecordsCorrupt).Value() != 1 {
		t.Error("records_corrupt not counted")
	}
}

func TestGzipBody(t *testing.T) {
	store := newFakeStore(event(1))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Error("missing gzip content encoding")
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		var req uploadRequest
		if err := json.NewDecoder(zr).Decode(&req); err != nil {
			t.Errorf("decode gzipped body: %v", err)
		}
		json.NewEncoder(w).Encode(uploadResponse{Accepted: []int64{1}})
	}))
	defer srv.Close()

	u := newUploader(t, srv.URL, store, metrics.NewRegistry(), true)
	if err := u.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
}

func TestRunBacksOffOnFailure(t *testing.T) {
	store := newFakeStore(event(1))

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u, err := New(Config{
		Endpoint:       srv.URL,
		AgentID:        "agent-1",
		Default:        Tuning{Interval: 10 * time.Millisecond},
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
	}, store, metrics.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	u.Run(ctx)

	if calls < 2 {
		t.Errorf("expected retries, got %d calls", calls)
	}
	if u.backoff == 0 {
		t.Error("backoff should be set after failures")
	}
	if u.backoff > 40*time.Millisecond {
		t.Errorf("backoff exceeded cap: %v", u.backoff)
	}
}

func decodeBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		reader = zr
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

type brokenStore struct {
	fakeStore
}

func (b *brokenStore) Drain(int, int64) ([]buffer.Pending, error) {
	return nil, fmt.Errorf("%w: database disk image is malformed", buffer.ErrStorage)
}

func TestRunStopsOnStorageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the server")
	}))
	defer srv.Close()

	u, err := New(Config{
		Endpoint: srv.URL,
		AgentID:  "agent-1",
		Default:  Tuning{Interval: 5 * time.Millisecond},
	}, &brokenStore{}, metrics.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = u.Run(ctx)
	if !errors.Is(err, buffer.ErrStorage) {
		t.Fatalf("Run returned %v, want storage failure", err)
	}
	if ctx.Err() != nil {
		t.Error("Run should have returned before the deadline")
	}
}
