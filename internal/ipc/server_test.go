//go:build !windows

package ipc

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"activityd/internal/buffer"
	"activityd/internal/metrics"
	"activityd/internal/model"
	"activityd/internal/pii"
)

type fakeEventSink struct {
	mu     sync.Mutex
	events []model.CaptureEvent
	nextID int64
	err    error
}

func (f *fakeEventSink) AppendEvent(ev model.CaptureEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.events = append(f.events, ev)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeEventSink) last(t *testing.T) model.CaptureEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatal("no events appended")
	}
	return f.events[len(f.events)-1]
}

type fakeContextSink struct {
	mu  sync.Mutex
	obs []model.ScreenObservation
	err error
}

func (f *fakeContextSink) Observe(o model.ScreenObservation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.obs = append(f.obs, o)
	return int64(len(f.obs)), nil
}

func startTestServer(t *testing.T, events EventSink, contexts ContextSink, reg *metrics.Registry) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agent.sock")
	srv, err := NewServer(ServerConfig{
		SocketPath: path,
		Version:    "test",
		AgentID:    "agent-test",
	}, events, contexts, pii.EventRules(), reg, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return path
}

func testEvent(seq uint64) model.IPCMessage {
	return model.IPCMessage{
		Version:  ProtocolVersion,
		Sequence: seq,
		Event: model.CaptureEvent{
			Type:            model.EventAppSwitch,
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
			Sequence:        seq,
			ApplicationName: "ClaimsDesk",
			WindowTitle:     "Case 4411 - Review",
		},
	}
}

func TestHelloHandshake(t *testing.T) {
	path := startTestServer(t, &fakeEventSink{}, nil, metrics.NewRegistry())

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	ack, err := c.Hello("capture-shim", "0.1.0")
	if err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	if ack.AgentID != "agent-test" {
		t.Errorf("agent id = %q", ack.AgentID)
	}
	if ack.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %d", ack.ProtocolVersion)
	}
}

func TestEventAppendedAndAcked(t *testing.T) {
	sink := &fakeEventSink{}
	reg := metrics.NewRegistry()
	path := startTestServer(t, sink, nil, reg)

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	ack, err := c.SendEvent(testEvent(1))
	if err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if ack.Status != AckOK {
		t.Fatalf("status = %q, want ok (%s)", ack.Status, ack.Reason)
	}
	if ack.BufferID != 1 {
		t.Errorf("buffer id = %d, want 1", ack.BufferID)
	}
	if got := reg.Counter(metrics.EventsAppended).Value(); got != 1 {
		t.Errorf("events_appended = %d", got)
	}
}

func TestEventRedactedBeforeAppend(t *testing.T) {
	sink := &fakeEventSink{}
	reg := metrics.NewRegistry()
	path := startTestServer(t, sink, nil, reg)

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	msg := testEvent(1)
	msg.Event.WindowTitle = "Claim for 123-45-6789"

	ack, err := c.SendEvent(msg)
	if err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if ack.Status != AckOK {
		t.Fatalf("status = %q (%s)", ack.Status, ack.Reason)
	}

	got := sink.last(t)
	if got.WindowTitle != "Claim for "+pii.Marker {
		t.Errorf("window title not redacted: %q", got.WindowTitle)
	}
	if len(got.PIIFlags) == 0 {
		t.Error("expected PII flags on redacted event")
	}
	if reg.Counter(metrics.EventsRedacted).Value() != 1 {
		t.Error("events_redacted not counted")
	}
}

func TestBackpressureAck(t *testing.T) {
	sink := &fakeEventSink{err: buffer.ErrCapacityExceeded}
	reg := metrics.NewRegistry()
	path := startTestServer(t, sink, nil, reg)

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	ack, err := c.SendEvent(testEvent(1))
	if err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if ack.Status != AckBackpressure {
		t.Errorf("status = %q, want backpressure", ack.Status)
	}
	if reg.Counter(metrics.BackpressureHits).Value() != 1 {
		t.Error("backpressure_hits not counted")
	}
}

func TestInvalidEventRejected(t *testing.T) {
	sink := &fakeEventSink{}
	reg := metrics.NewRegistry()
	path := startTestServer(t, sink, nil, reg)

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	msg := testEvent(1)
	msg.Event.Type = "not_a_real_type"

	ack, err := c.SendEvent(msg)
	if err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if ack.Status != AckRejected {
		t.Errorf("status = %q, want rejected", ack.Status)
	}
	if reg.Counter(metrics.EventsRejected).Value() != 1 {
		t.Error("events_rejected not counted")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 0 {
		t.Error("rejected event reached the sink")
	}
}

func TestSequenceGapAndDuplicateCounted(t *testing.T) {
	sink := &fakeEventSink{}
	reg := metrics.NewRegistry()
	path := startTestServer(t, sink, nil, reg)

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	for _, seq := range []uint64{1, 2, 7, 7} {
		if _, err := c.SendEvent(testEvent(seq)); err != nil {
			t.Fatalf("SendEvent(%d) failed: %v", seq, err)
		}
	}

	if got := reg.Counter(metrics.SequenceGaps).Value(); got != 1 {
		t.Errorf("sequence_gaps = %d, want 1", got)
	}
	if got := reg.Counter(metrics.EventsDeduped).Value(); got != 1 {
		t.Errorf("events_deduped = %d, want 1", got)
	}
}

func TestObservationDelivered(t *testing.T) {
	ctxSink := &fakeContextSink{}
	reg := metrics.NewRegistry()
	path := startTestServer(t, &fakeEventSink{}, ctxSink, reg)

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	ack, err := c.SendObservation(model.ScreenObservation{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		ApplicationName: "ClaimsDesk",
		WindowTitle:     "Queue",
		OCRText:         "12 items waiting",
		TriggerReason:   model.TriggerPeriodic,
		DwellMs:         4200,
	})
	if err != nil {
		t.Fatalf("SendObservation failed: %v", err)
	}
	if ack.Status != AckOK {
		t.Errorf("status = %q (%s)", ack.Status, ack.Reason)
	}
	if reg.Counter(metrics.VCEAppended).Value() != 1 {
		t.Error("vce_appended not counted")
	}
}

func TestObservationWithoutSinkErrors(t *testing.T) {
	path := startTestServer(t, &fakeEventSink{}, nil, metrics.NewRegistry())

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if _, err := c.SendObservation(model.ScreenObservation{}); err == nil {
		t.Error("expected error when visual context is disabled")
	}
}

func TestVersionMismatchClosesConnection(t *testing.T) {
	path := startTestServer(t, &fakeEventSink{}, nil, metrics.NewRegistry())

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := NewMessage(MsgEvent, 1, []byte(`{}`))
	msg.Header.Version = 99
	if err := msg.Write(conn); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := ReadMessage(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if resp.Header.Type != MsgError {
		t.Fatalf("expected MsgError, got %#04x", uint16(resp.Header.Type))
	}

	var er ErrorResponse
	if err := Decode(resp.Payload, &er); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if er.Code != ErrVersionMismatch {
		t.Errorf("code = %d, want version mismatch", er.Code)
	}

	// The server hangs up after a version mismatch.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ReadMessage(conn); err == nil {
		t.Error("expected connection to be closed")
	}
}

func TestInternalErrorReply(t *testing.T) {
	sink := &fakeEventSink{err: errors.New("disk on fire")}
	path := startTestServer(t, sink, nil, metrics.NewRegistry())

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if _, err := c.SendEvent(testEvent(1)); err == nil {
		t.Error("expected server error reply")
	}
}

func TestStorageFailureInvokesOnFatal(t *testing.T) {
	sink := &fakeEventSink{err: fmt.Errorf("%w: write failed", buffer.ErrStorage)}

	fatal := make(chan error, 1)
	path := filepath.Join(t.TempDir(), "agent.sock")
	srv, err := NewServer(ServerConfig{
		SocketPath: path,
		Version:    "test",
		AgentID:    "agent-test",
		OnFatal:    func(err error) { fatal <- err },
	}, sink, nil, pii.EventRules(), metrics.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if _, err := c.SendEvent(testEvent(1)); err == nil {
		t.Error("expected server error reply")
	}

	select {
	case err := <-fatal:
		if !errors.Is(err, buffer.ErrStorage) {
			t.Errorf("OnFatal got %v, want storage failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal was not invoked")
	}
}
