// Package ipc provides inter-process communication between the inputd daemon
// and client applications (CLI, window managers, test harnesses).
//
// The protocol is a length-prefixed frame over a unix socket: a fixed binary
// header carrying magic, version, message type, request id and payload
// length, followed by a JSON payload. Requests and responses correlate by
// request id.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Protocol constants for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x494e5043 // "INPC"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing     MessageType = 0x0001
	MsgPong     MessageType = 0x0002
	MsgError    MessageType = 0x0005
	MsgShutdown MessageType = 0x0006

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgDumpRequest    MessageType = 0x0102
	MsgDumpResponse   MessageType = 0x0103

	// Injection (0x02xx)
	MsgInject     MessageType = 0x0200
	MsgInjectResp MessageType = 0x0201

	// Configuration (0x03xx)
	MsgReloadConfig     MessageType = 0x0300
	MsgReloadConfigResp MessageType = 0x0301
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// MaxPayloadSize bounds a frame's JSON payload.
const MaxPayloadSize = 1 << 20

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// NewJSONMessage marshals v as the payload of a new message.
func NewJSONMessage(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	if h.Length > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d", h.Length)
	}
	return h, nil
}

// Write writes the full message.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads one full message.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Unmarshal decodes the JSON payload into v.
func (m *Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// ErrorPayload is the body of a MsgError response.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StatusPayload is the body of a MsgStatusResponse.
type StatusPayload struct {
	Version     string `json:"version"`
	UptimeSec   int64  `json:"uptime_sec"`
	Alive       bool   `json:"alive"`
	Connections int64  `json:"connections"`
}

// DumpPayload is the body of a MsgDumpResponse.
type DumpPayload struct {
	Text string `json:"text"`
}

// InjectRequest is the body of a MsgInject. It is validated against
// InjectRequestSchema before being acted on.
type InjectRequest struct {
	Kind string `json:"kind"` // "key" or "motion"

	// SyncMode is "none", "wait_for_result" or "wait_for_finished".
	SyncMode  string `json:"sync_mode,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`

	// Key fields.
	Action  string `json:"action,omitempty"` // "down", "up", "move", ...
	KeyCode int32  `json:"key_code,omitempty"`

	// Motion fields.
	DeviceID int32           `json:"device_id,omitempty"`
	Pointers []InjectPointer `json:"pointers,omitempty"`
}

// InjectPointer is one pointer of an injected motion event.
type InjectPointer struct {
	ID int32   `json:"id"`
	X  float32 `json:"x"`
	Y  float32 `json:"y"`
}

// InjectResponse is the body of a MsgInjectResp.
type InjectResponse struct {
	Result string `json:"result"`
}
