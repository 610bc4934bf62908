package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"activityd/internal/buffer"
	"activityd/internal/logging"
	"activityd/internal/metrics"
	"activityd/internal/model"
	"activityd/internal/pii"
)

// EventSink persists redacted capture events.
type EventSink interface {
	AppendEvent(ev model.CaptureEvent) (int64, error)
}

// ContextSink classifies and persists screen observations.
type ContextSink interface {
	Observe(obs model.ScreenObservation) (int64, error)
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	Version        string // Server version reported in hello
	AgentID        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	// OnFatal is invoked when a sink reports a storage failure. The
	// buffer is unrecoverable at that point; the owner should shut
	// down. Optional.
	OnFatal func(error)
}

// Server accepts connections from the native capture process and feeds
// redacted events into the durable buffer.
type Server struct {
	mu       sync.RWMutex
	listener net.Listener
	cfg      ServerConfig
	events   EventSink
	contexts ContextSink
	filter   *pii.RuleSet
	reg      *metrics.Registry
	log      *logging.Logger
	conns    map[net.Conn]struct{}

	ctx     chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates an IPC server. contexts may be nil when visual
// context classification is disabled.
func NewServer(cfg ServerConfig, events EventSink, contexts ContextSink, filter *pii.RuleSet, reg *metrics.Registry, log *logging.Logger) (*Server, error) {
	if events == nil {
		return nil, fmt.Errorf("ipc: event sink is required")
	}
	if filter == nil {
		filter = pii.EventRules()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	return &Server{
		cfg:      cfg,
		events:   events,
		contexts: contexts,
		filter:   filter,
		reg:      reg,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
		ctx:      make(chan struct{}),
	}, nil
}

// Start begins listening for capture connections.
func (s *Server) Start() error {
	l, err := listen(s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	s.listener = l
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	if s.log != nil {
		s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	close(s.ctx)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	cleanupSocket(s.cfg.SocketPath)
	return nil
}

// SetFilter swaps the redaction rules. Used when the local rules file
// is live-reloaded.
func (s *Server) SetFilter(r *pii.RuleSet) {
	if r == nil {
		return
	}
	s.mu.Lock()
	s.filter = r
	s.mu.Unlock()
}

func (s *Server) getFilter() *pii.RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// ConnCount returns the number of connected capture processes.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// connState tracks per-connection ordering.
type connState struct {
	helloDone bool
	haveSeq   bool
	lastSeq   uint64
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	state := &connState{}

	for {
		select {
		case <-s.ctx:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := ReadMessage(conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Malformed frame: isolate this connection only.
			if s.log != nil {
				s.log.Warn("ipc read failed, dropping connection", "error", err)
			}
			return
		}

		if msg.Header.Version != ProtocolVersion {
			s.send(conn, NewErrorMessage(msg.Header.Sequence, ErrVersionMismatch,
				fmt.Sprintf("protocol version %d not supported", msg.Header.Version)))
			return
		}

		resp := s.processMessage(state, msg)
		if resp != nil {
			if err := s.send(conn, resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(state *connState, msg *Message) *Message {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.Sequence, nil)

	case MsgHello:
		return s.handleHello(state, msg)

	case MsgEvent:
		return s.handleEvent(state, msg)

	case MsgContext:
		return s.handleContext(msg)

	default:
		return NewErrorMessage(msg.Header.Sequence, ErrInvalidRequest,
			fmt.Sprintf("unexpected message type %#04x", uint16(msg.Header.Type)))
	}
}

func (s *Server) handleHello(state *connState, msg *Message) *Message {
	var req HelloRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.Sequence, ErrInvalidRequest, "invalid hello")
	}

	state.helloDone = true
	if s.log != nil {
		s.log.Info("capture process connected",
			"client", req.ClientName, "client_version", req.ClientVersion, "pid", req.PID)
	}

	resp, err := NewResponse(MsgHelloAck, msg.Header.Sequence, &HelloResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		AgentID:         s.cfg.AgentID,
	})
	if err != nil {
		return NewErrorMessage(msg.Header.Sequence, ErrInternalError, err.Error())
	}
	return resp
}

func (s *Server) handleEvent(state *connState, msg *Message) *Message {
	s.reg.Counter(metrics.EventsReceived).Inc()

	var in model.IPCMessage
	if err := Decode(msg.Payload, &in); err != nil {
		s.reg.Counter(metrics.EventsRejected).Inc()
		return NewErrorMessage(msg.Header.Sequence, ErrInvalidRequest, "invalid event payload")
	}

	ack := func(status string, bufID int64, reason string) *Message {
		resp, err := NewResponse(MsgEventAck, msg.Header.Sequence, &EventAck{
			Sequence: in.Sequence,
			Status:   status,
			BufferID: bufID,
			Reason:   reason,
		})
		if err != nil {
			return NewErrorMessage(msg.Header.Sequence, ErrInternalError, err.Error())
		}
		return resp
	}

	if err := in.Event.Validate(); err != nil {
		s.reg.Counter(metrics.EventsRejected).Inc()
		return ack(AckRejected, 0, err.Error())
	}

	s.trackSequence(state, in.Sequence)

	ev := s.getFilter().FilterEvent(in.Event)
	if len(ev.PIIFlags) > 0 {
		s.reg.Counter(metrics.EventsRedacted).Inc()
	}

	id, err := s.events.AppendEvent(ev)
	switch {
	case errors.Is(err, buffer.ErrCapacityExceeded):
		s.reg.Counter(metrics.BackpressureHits).Inc()
		return ack(AckBackpressure, 0, "buffer at capacity")
	case err != nil:
		if s.log != nil {
			s.log.Error("append event failed", "error", err)
		}
		s.reportFatal(err)
		return NewErrorMessage(msg.Header.Sequence, ErrInternalError, "append failed")
	}

	s.reg.Counter(metrics.EventsAppended).Inc()
	return ack(AckOK, id, "")
}

func (s *Server) handleContext(msg *Message) *Message {
	if s.contexts == nil {
		return NewErrorMessage(msg.Header.Sequence, ErrInvalidRequest, "visual context disabled")
	}

	var obs model.ScreenObservation
	if err := Decode(msg.Payload, &obs); err != nil {
		return NewErrorMessage(msg.Header.Sequence, ErrInvalidRequest, "invalid observation payload")
	}

	id, err := s.contexts.Observe(obs)
	switch {
	case errors.Is(err, buffer.ErrCapacityExceeded):
		s.reg.Counter(metrics.BackpressureHits).Inc()
		resp, _ := NewResponse(MsgContextAck, msg.Header.Sequence, &EventAck{
			Status: AckBackpressure,
			Reason: "buffer at capacity",
		})
		return resp
	case err != nil:
		if s.log != nil {
			s.log.Error("append observation failed", "error", err)
		}
		s.reportFatal(err)
		return NewErrorMessage(msg.Header.Sequence, ErrInternalError, "append failed")
	}

	s.reg.Counter(metrics.VCEAppended).Inc()
	resp, err := NewResponse(MsgContextAck, msg.Header.Sequence, &EventAck{
		Status:   AckOK,
		BufferID: id,
	})
	if err != nil {
		return NewErrorMessage(msg.Header.Sequence, ErrInternalError, err.Error())
	}
	return resp
}

// trackSequence counts gaps and duplicates in the capture stream. The
// stream is advisory; nothing is dropped on a gap, it is only counted
// so operators can see capture-side loss.
func (s *Server) trackSequence(state *connState, seq uint64) {
	if !state.haveSeq {
		state.haveSeq = true
		state.lastSeq = seq
		return
	}
	switch {
	case seq == state.lastSeq+1:
		state.lastSeq = seq
	case seq > state.lastSeq+1:
		s.reg.Counter(metrics.SequenceGaps).Inc()
		if s.log != nil {
			s.log.Warn("sequence gap in capture stream",
				"expected", state.lastSeq+1, "got", seq)
		}
		state.lastSeq = seq
	default:
		// Replay of an already-seen sequence. The buffer dedupes on
		// the idempotency key, so this is safe; just count it.
		s.reg.Counter(metrics.EventsDeduped).Inc()
	}
}

// reportFatal forwards unrecoverable storage failures to the owner.
func (s *Server) reportFatal(err error) {
	if s.cfg.OnFatal != nil && errors.Is(err, buffer.ErrStorage) {
		s.cfg.OnFatal(err)
	}
}

func (s *Server) send(conn net.Conn, msg *Message) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(conn)
}
