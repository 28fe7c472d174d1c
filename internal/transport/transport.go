// Package transport carries published input events from the dispatcher to a
// consumer and finished acknowledgements back. A channel pair is the
// in-process equivalent of the kernel socket pair the system historically
// used: a bounded event ring in one direction, an unbounded ack ring in the
// other, with back-pressure surfaced as ErrWouldBlock and consumer death as
// ErrDeadObject.
package transport

import (
	"errors"
	"sync"

	"inputd/internal/event"
)

// Errors reported by publisher and consumer endpoints.
var (
	// ErrWouldBlock means the operation cannot proceed without waiting:
	// the event ring is full (publish) or empty (receive).
	ErrWouldBlock = errors.New("transport: operation would block")

	// ErrDeadObject means the peer endpoint has been closed.
	ErrDeadObject = errors.New("transport: peer is gone")
)

// DefaultCapacity is the event ring depth when the caller passes zero.
const DefaultCapacity = 32

// MessageType discriminates published messages.
type MessageType int32

const (
	MessageTypeKey MessageType = iota + 1
	MessageTypeMotion
)

// Message is one published event as the consumer sees it, already
// transmuted, transformed and sequence-stamped by the dispatcher.
type Message struct {
	Type MessageType
	Seq  uint32

	DeviceID  int32
	Source    event.Source
	DisplayID int32

	// Key fields.
	KeyAction   event.KeyAction
	KeyFlags    event.KeyFlags
	KeyCode     event.KeyCode
	ScanCode    int32
	RepeatCount int32

	// Motion fields.
	MotionAction event.MotionAction
	MotionFlags  event.MotionFlags
	EdgeFlags    int32
	ButtonState  event.ButtonState
	XPrecision   float32
	YPrecision   float32

	MetaState event.MetaState
	DownTime  int64
	EventTime int64

	PointerProperties []event.PointerProperties
	PointerCoords     []event.PointerCoords
}

// FinishedSignal is one consumer acknowledgement.
type FinishedSignal struct {
	Seq     uint32
	Handled bool
}

// pair is the shared state behind the two endpoints of a channel.
type pair struct {
	mu       sync.Mutex
	name     string
	capacity int

	events   []Message
	finished []FinishedSignal

	serverClosed bool
	clientClosed bool

	// onFinishedReadable fires, outside the lock, when the finished ring
	// transitions from empty to non-empty or the client closes. The
	// dispatcher points it at its looper wake.
	onFinishedReadable func()

	// onEventReadable is the consumer-side counterpart, used by consumer
	// loops that do not want to poll.
	onEventReadable func()
}

// Channel is one endpoint of a pair. The server endpoint publishes events
// and receives finished signals; the client endpoint is the mirror image.
type Channel struct {
	p      *pair
	server bool
}

// Pair creates a connected channel pair. The server endpoint goes to the
// dispatcher, the client endpoint to the consumer.
func Pair(name string, capacity int) (server, client *Channel) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &pair{name: name, capacity: capacity}
	return &Channel{p: p, server: true}, &Channel{p: p, server: false}
}

// Name returns the label the pair was created with.
func (c *Channel) Name() string { return c.p.name }

// Close shuts down this endpoint. Further operations on the peer report
// ErrDeadObject.
func (c *Channel) Close() {
	p := c.p
	p.mu.Lock()
	if c.server {
		p.serverClosed = true
	} else {
		p.clientClosed = true
	}
	finCb := p.onFinishedReadable
	evCb := p.onEventReadable
	p.mu.Unlock()
	// Wake both sides so blocked pollers observe the death.
	if !c.server && finCb != nil {
		finCb()
	}
	if c.server && evCb != nil {
		evCb()
	}
}

// SetFinishedCallback registers the server-side readability callback.
func (c *Channel) SetFinishedCallback(fn func()) {
	c.p.mu.Lock()
	c.p.onFinishedReadable = fn
	c.p.mu.Unlock()
}

// SetEventCallback registers the client-side readability callback.
func (c *Channel) SetEventCallback(fn func()) {
	c.p.mu.Lock()
	c.p.onEventReadable = fn
	c.p.mu.Unlock()
}

// Publish appends a message to the event ring. Server endpoint only.
func (c *Channel) Publish(msg Message) error {
	if !c.server {
		panic("transport: publish on client endpoint")
	}
	p := c.p
	p.mu.Lock()
	if p.clientClosed {
		p.mu.Unlock()
		return ErrDeadObject
	}
	if len(p.events) >= p.capacity {
		p.mu.Unlock()
		return ErrWouldBlock
	}
	p.events = append(p.events, msg)
	cb := p.onEventReadable
	notify := len(p.events) == 1
	p.mu.Unlock()
	if notify && cb != nil {
		cb()
	}
	return nil
}

// ReceiveFinishedSignal pops one acknowledgement. Server endpoint only.
func (c *Channel) ReceiveFinishedSignal() (FinishedSignal, error) {
	if !c.server {
		panic("transport: receive finished on client endpoint")
	}
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.finished) == 0 {
		if p.clientClosed {
			return FinishedSignal{}, ErrDeadObject
		}
		return FinishedSignal{}, ErrWouldBlock
	}
	sig := p.finished[0]
	p.finished = p.finished[1:]
	return sig, nil
}

// ReceiveEvent pops one published message. Client endpoint only.
func (c *Channel) ReceiveEvent() (Message, error) {
	if c.server {
		panic("transport: receive event on server endpoint")
	}
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		if p.serverClosed {
			return Message{}, ErrDeadObject
		}
		return Message{}, ErrWouldBlock
	}
	msg := p.events[0]
	p.events = p.events[1:]
	return msg, nil
}

// SendFinishedSignal appends an acknowledgement. Client endpoint only.
func (c *Channel) SendFinishedSignal(seq uint32, handled bool) error {
	if c.server {
		panic("transport: send finished on server endpoint")
	}
	p := c.p
	p.mu.Lock()
	if p.serverClosed {
		p.mu.Unlock()
		return ErrDeadObject
	}
	p.finished = append(p.finished, FinishedSignal{Seq: seq, Handled: handled})
	cb := p.onFinishedReadable
	notify := len(p.finished) == 1
	p.mu.Unlock()
	if notify && cb != nil {
		cb()
	}
	return nil
}

// PendingEvents returns the event ring depth, for dumps and tests.
func (c *Channel) PendingEvents() int {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return len(c.p.events)
}
