package ipc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a synchronous request/response client for the inputd control
// socket.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	nextID  atomic.Uint32
	timeout time.Duration
}

// Dial connects to the daemon's control socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Call sends a request and waits for its response.
func (c *Client) Call(msgType MessageType, payload any) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	requestID := c.nextID.Add(1)
	msg, err := NewJSONMessage(msgType, requestID, payload)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	_ = c.conn.SetDeadline(deadline)
	if err := msg.Write(c.conn); err != nil {
		return nil, fmt.Errorf("ipc: write: %w", err)
	}

	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("ipc: read: %w", err)
	}
	if resp.Header.RequestID != requestID {
		return nil, fmt.Errorf("ipc: response id %d does not match request %d",
			resp.Header.RequestID, requestID)
	}
	if resp.Header.Type == MsgError {
		var errPayload ErrorPayload
		if err := resp.Unmarshal(&errPayload); err == nil && errPayload.Message != "" {
			return nil, fmt.Errorf("ipc: %s", errPayload.Message)
		}
		return nil, fmt.Errorf("ipc: request failed")
	}
	return resp, nil
}

// Ping round-trips a ping frame.
func (c *Client) Ping() error {
	resp, err := c.Call(MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("ipc: unexpected response type %d", resp.Header.Type)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
