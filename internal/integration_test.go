//go:build !windows

// Package internal provides integration tests for the activityd
// telemetry pipeline.
//
// These tests verify the complete local flow:
// 1. A capture client connects over the IPC socket
// 2. Events are redacted and appended to the encrypted buffer
// 3. Screen observations are classified into visual-context records
// 4. The uploader drains, ships, and acknowledges batches
package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activityd/internal/buffer"
	"activityd/internal/crypt"
	"activityd/internal/ipc"
	"activityd/internal/metrics"
	"activityd/internal/model"
	"activityd/internal/pii"
	"activityd/internal/uploader"
	"activityd/internal/vce"
)

type pipeline struct {
	buf    *buffer.Buffer
	server *ipc.Server
	reg    *metrics.Registry
	socket string
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()

	key, err := crypt.GenerateKey()
	require.NoError(t, err)

	buf, err := buffer.Open(buffer.Config{
		Path:              filepath.Join(dir, "buffer.db"),
		Key:               key,
		MaxPendingRecords: 1000,
		MaxPendingBytes:   10 * 1024 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	reg := metrics.NewRegistry()
	recorder := vce.NewRecorder(buf, nil, nil)

	socket := filepath.Join(dir, "agent.sock")
	srv, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath: socket,
		Version:    "test",
		AgentID:    "agent-pipeline",
	}, buf, recorder, pii.EventRules(), reg, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return &pipeline{buf: buf, server: srv, reg: reg, socket: socket}
}

// TestCaptureToUploadPipeline walks one event and one observation from
// the capture socket through redaction and storage to an acknowledged
// upload.
func TestCaptureToUploadPipeline(t *testing.T) {
	p := startPipeline(t)

	client, err := ipc.Dial(p.socket)
	require.NoError(t, err)
	defer client.Close()

	hello, err := client.Hello("capture-test", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "agent-pipeline", hello.AgentID)

	// Step 1: an event carrying PII in the window title.
	ack, err := client.SendEvent(model.IPCMessage{
		Version:     1,
		Sequence:    1,
		TimestampNs: time.Now().UnixNano(),
		Event: model.CaptureEvent{
			Type:            model.EventWindowFocus,
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
			Sequence:        1,
			ApplicationName: "claims-portal",
			WindowTitle:     "Case for ssn 123-45-6789",
			IdempotencyKey:  "evt-1",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ipc.AckOK, ack.Status)
	assert.NotZero(t, ack.BufferID)

	// Step 2: a screen observation that classifies as an error state.
	obsAck, err := client.SendObservation(model.ScreenObservation{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		ApplicationName: "claims-portal",
		WindowTitle:     "Claims",
		OCRText:         "Error: request failed, contact jane@example.com",
		TriggerReason:   "app_switch",
		DwellMs:         1200,
	})
	require.NoError(t, err)
	assert.Equal(t, ipc.AckOK, obsAck.Status)

	require.Equal(t, 2, p.buf.PendingCount())

	// Step 3: the ingest endpoint sees only redacted text and acks
	// everything it receives.
	var received struct {
		AgentID string `json:"agent_id"`
		Records []struct {
			BufferID int64               `json:"buffer_id"`
			Kind     string              `json:"kind"`
			Event    *model.CaptureEvent `json:"event,omitempty"`
			Record   *model.VCERecord    `json:"record,omitempty"`
		} `json:"records"`
	}
	ingest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			body = gz
		}
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &received))

		var accepted []int64
		for _, rec := range received.Records {
			accepted = append(accepted, rec.BufferID)
		}
		fmt.Fprintf(w, `{"accepted":%s}`, mustJSON(t, accepted))
	}))
	defer ingest.Close()

	up, err := uploader.New(uploader.Config{
		Endpoint: ingest.URL,
		AgentID:  "agent-pipeline",
		Compress: true,
	}, p.buf, p.reg, nil)
	require.NoError(t, err)
	require.NoError(t, up.Cycle(context.Background()))

	assert.Equal(t, "agent-pipeline", received.AgentID)
	require.Len(t, received.Records, 2)

	ev := received.Records[0].Event
	require.NotNil(t, ev)
	assert.NotContains(t, ev.WindowTitle, "123-45-6789")
	assert.Contains(t, ev.WindowTitle, pii.Marker)
	assert.NotEmpty(t, ev.PIIFlags)

	rec := received.Records[1].Record
	require.NotNil(t, rec)
	assert.Equal(t, model.StateError, rec.ScreenState)
	assert.NotContains(t, rec.RedactedOCRText, "jane@example.com")

	// Step 4: acknowledged records are gone after the cycle.
	assert.Equal(t, 0, p.buf.PendingCount())

	snap := p.reg.Snapshot()
	assert.Equal(t, uint64(1), snap[metrics.EventsAppended])
	assert.Equal(t, uint64(1), snap[metrics.EventsRedacted])
	assert.Equal(t, uint64(1), snap[metrics.VCEAppended])
	assert.Equal(t, uint64(2), snap[metrics.RecordsUploaded])
}

// TestPipelineSurvivesIngestOutage verifies records stay pending across
// failed cycles and ship once the endpoint recovers.
func TestPipelineSurvivesIngestOutage(t *testing.T) {
	p := startPipeline(t)

	client, err := ipc.Dial(p.socket)
	require.NoError(t, err)
	defer client.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		ack, err := client.SendEvent(model.IPCMessage{
			Version:  1,
			Sequence: seq,
			Event: model.CaptureEvent{
				Type:           model.EventKeyboardAction,
				Timestamp:      time.Now().UTC().Format(time.RFC3339),
				Sequence:       seq,
				IdempotencyKey: fmt.Sprintf("evt-%d", seq),
			},
		})
		require.NoError(t, err)
		require.Equal(t, ipc.AckOK, ack.Status)
	}

	healthy := false
	ingest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req struct {
			Records []struct {
				BufferID int64 `json:"buffer_id"`
			} `json:"records"`
		}
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &req))
		var accepted []int64
		for _, rec := range req.Records {
			accepted = append(accepted, rec.BufferID)
		}
		fmt.Fprintf(w, `{"accepted":%s}`, mustJSON(t, accepted))
	}))
	defer ingest.Close()

	up, err := uploader.New(uploader.Config{
		Endpoint: ingest.URL,
		AgentID:  "agent-pipeline",
	}, p.buf, p.reg, nil)
	require.NoError(t, err)

	require.Error(t, up.Cycle(context.Background()))
	assert.Equal(t, 3, p.buf.PendingCount(), "records must survive a failed cycle")

	healthy = true
	require.NoError(t, up.Cycle(context.Background()))
	assert.Equal(t, 0, p.buf.PendingCount())
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
