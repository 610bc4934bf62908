package ipc

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"activityd/internal/model"
)

// Client is the capture-process side of the protocol. It is used by
// the native capture shim and by tests.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	nextSeq uint32
	timeout time.Duration
}

// Dial connects to the agent socket at path.
func Dial(path string) (*Client, error) {
	conn, err := dial(path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return &Client{conn: conn, timeout: 10 * time.Second}, nil
}

// Hello performs the version handshake.
func (c *Client) Hello(name, version string) (*HelloResponse, error) {
	payload, err := Encode(&HelloRequest{
		ClientName:      name,
		ClientVersion:   version,
		ProtocolVersion: ProtocolVersion,
		PID:             os.Getpid(),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(MsgHello, payload)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != MsgHelloAck {
		return nil, c.unexpected(resp)
	}

	var ack HelloResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return nil, fmt.Errorf("ipc: decode hello ack: %w", err)
	}
	return &ack, nil
}

// SendEvent delivers one capture event and returns its acknowledgement.
func (c *Client) SendEvent(msg model.IPCMessage) (*EventAck, error) {
	payload, err := Encode(&msg)
	if err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(MsgEvent, payload)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != MsgEventAck {
		return nil, c.unexpected(resp)
	}

	var ack EventAck
	if err := Decode(resp.Payload, &ack); err != nil {
		return nil, fmt.Errorf("ipc: decode event ack: %w", err)
	}
	return &ack, nil
}

// SendObservation delivers one screen observation.
func (c *Client) SendObservation(obs model.ScreenObservation) (*EventAck, error) {
	payload, err := Encode(&obs)
	if err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(MsgContext, payload)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != MsgContextAck {
		return nil, c.unexpected(resp)
	}

	var ack EventAck
	if err := Decode(resp.Payload, &ack); err != nil {
		return nil, fmt.Errorf("ipc: decode context ack: %w", err)
	}
	return &ack, nil
}

// Ping checks liveness.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return c.unexpected(resp)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(msgType MessageType, payload []byte) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSeq++
	msg := NewMessage(msgType, c.nextSeq, payload)

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := msg.Write(c.conn); err != nil {
		return nil, fmt.Errorf("ipc: write: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("ipc: read reply: %w", err)
	}
	return resp, nil
}

func (c *Client) unexpected(resp *Message) error {
	if resp.Header.Type == MsgError {
		var er ErrorResponse
		if err := Decode(resp.Payload, &er); err == nil {
			return fmt.Errorf("ipc: server error %d: %s", er.Code, er.Message)
		}
	}
	return fmt.Errorf("ipc: unexpected reply type %#04x", uint16(resp.Header.Type))
}
