// Package ipc receives capture telemetry from the native capture
// process over a local socket.
//
// The protocol is a fixed-size binary header followed by a JSON
// payload. It is designed for:
// - One-way event flow with per-message acknowledgement
// - Protocol versioning for capture/agent skew
// - Cheap framing over unix sockets and named pipes
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Protocol version for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x41495043 // "AIPC"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages.
	MsgHello    MessageType = 0x0001
	MsgHelloAck MessageType = 0x0002
	MsgPing     MessageType = 0x0003
	MsgPong     MessageType = 0x0004
	MsgError    MessageType = 0x0005

	// Telemetry messages.
	MsgEvent      MessageType = 0x0010
	MsgEventAck   MessageType = 0x0011
	MsgContext    MessageType = 0x0012
	MsgContextAck MessageType = 0x0013
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic    uint32      // Protocol magic number
	Version  uint8       // Protocol version
	Flags    uint8       // Message flags, reserved
	Type     MessageType // Message type
	Sequence uint32      // Sequence number for correlation
	Length   uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// MaxPayloadSize caps a single message payload. Capture events and
// screen observations are small; anything past this is a broken or
// hostile peer.
const MaxPayloadSize = 4 * 1024 * 1024

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, sequence uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:    ProtocolMagic,
			Version:  ProtocolVersion,
			Type:     msgType,
			Sequence: sequence,
			Length:   uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:    binary.BigEndian.Uint32(buf[0:4]),
		Version:  buf[4],
		Flags:    buf[5],
		Type:     MessageType(binary.BigEndian.Uint16(buf[6:8])),
		Sequence: binary.BigEndian.Uint32(buf[8:12]),
		Length:   binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	return h, nil
}

// Write writes the message to a writer.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HelloRequest is sent by the capture process to initiate a connection.
type HelloRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	PID             int    `json:"pid,omitempty"`
}

// HelloResponse acknowledges the connection.
type HelloResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	AgentID         string `json:"agent_id"`
}

// Ack statuses.
const (
	AckOK           = "ok"
	AckBackpressure = "backpressure"
	AckRejected     = "rejected"
)

// EventAck acknowledges one event or context message. BufferID is the
// durable storage id when Status is "ok".
type EventAck struct {
	Sequence uint64 `json:"sequence"`
	Status   string `json:"status"`
	BufferID int64  `json:"buffer_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorResponse is sent when a message cannot be processed.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrUnknown         = 1
	ErrInvalidRequest  = 2
	ErrVersionMismatch = 3
	ErrInternalError   = 4
)

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(sequence uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, sequence, payload)
}

// NewResponse creates a response message.
func NewResponse(msgType MessageType, sequence uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, sequence, payload), nil
}
