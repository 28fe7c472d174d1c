package dispatch

import (
	"inputd/internal/event"
	"inputd/internal/transport"
)

// TargetFlags qualify one delivery of an event to one window.
type TargetFlags uint32

const (
	// TargetFlagForeground marks the primary recipient; ANR accounting and
	// injection-finished accounting only count foreground deliveries.
	TargetFlagForeground TargetFlags = 1 << 0

	// TargetFlagWindowIsObscured means another window covers the touched
	// point; the delivery carries the obscured motion flag.
	TargetFlagWindowIsObscured TargetFlags = 1 << 1

	// TargetFlagSplit means the motion event is split across windows and
	// only the target's pointer-id subset is delivered.
	TargetFlagSplit TargetFlags = 1 << 2

	// TargetFlagZeroCoords strips coordinates from an outside delivery to
	// a window owned by a different uid.
	TargetFlagZeroCoords TargetFlags = 1 << 3

	TargetFlagDispatchAsIs            TargetFlags = 1 << 8
	TargetFlagDispatchAsOutside       TargetFlags = 1 << 9
	TargetFlagDispatchAsHoverEnter    TargetFlags = 1 << 10
	TargetFlagDispatchAsHoverExit     TargetFlags = 1 << 11
	TargetFlagDispatchAsSlipperyExit  TargetFlags = 1 << 12
	TargetFlagDispatchAsSlipperyEnter TargetFlags = 1 << 13

	// TargetFlagDispatchMask covers every dispatch-mode bit.
	TargetFlagDispatchMask = TargetFlagDispatchAsIs |
		TargetFlagDispatchAsOutside |
		TargetFlagDispatchAsHoverEnter |
		TargetFlagDispatchAsHoverExit |
		TargetFlagDispatchAsSlipperyExit |
		TargetFlagDispatchAsSlipperyEnter
)

// Target is one resolved destination for an event: where to send it, how to
// transmute it, and how to transform its coordinates.
type Target struct {
	Channel *transport.Channel
	Flags   TargetFlags

	// XOffset and YOffset translate motion coordinates into the window's
	// frame; ignored for keys.
	XOffset float32
	YOffset float32

	ScaleFactor float32

	// PointerIDs is the subset to deliver when Flags has TargetFlagSplit.
	PointerIDs event.PointerIDSet
}

// ConnectionStatus is the lifecycle state of a registered connection.
type ConnectionStatus int32

const (
	// ConnectionNormal connections are actively dispatching.
	ConnectionNormal ConnectionStatus = iota

	// ConnectionBroken connections encountered an unrecoverable transport
	// error; no further dispatch is attempted.
	ConnectionBroken

	// ConnectionZombie connections have been unregistered and only linger
	// until the last reference drops.
	ConnectionZombie
)

// String returns the status label used in dumps.
func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionNormal:
		return "NORMAL"
	case ConnectionBroken:
		return "BROKEN"
	case ConnectionZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// DispatchEntry is one scheduled delivery of an event to one connection. It
// lives first on the connection's outbound queue, then on its wait queue
// until the consumer acknowledges the sequence number.
type DispatchEntry struct {
	link event.Node[DispatchEntry]

	eventEntry *event.Entry

	// seq matches the delivery to its finished acknowledgement. Zero is
	// never used.
	seq uint32

	targetFlags TargetFlags
	xOffset     float32
	yOffset     float32
	scaleFactor float32

	deliveryTime int64

	// resolvedAction and resolvedFlags are what is actually published; they
	// differ from the event's own action when the delivery is transmuted.
	resolvedKeyAction    event.KeyAction
	resolvedMotionAction event.MotionAction
	resolvedKeyFlags     event.KeyFlags
	resolvedMotionFlags  event.MotionFlags
}

// hasForegroundTarget reports whether this delivery counts against ANR and
// injection-finished accounting.
func (d *DispatchEntry) hasForegroundTarget() bool {
	return d.targetFlags&TargetFlagForeground != 0
}

func newDispatchQueue() event.Queue[DispatchEntry] {
	return event.NewQueue(func(d *DispatchEntry) *event.Node[DispatchEntry] { return &d.link })
}

// Connection is the dispatcher's per-consumer state: the channel, the queues
// that preserve delivery order, and the input state used for cancellation
// synthesis.
type Connection struct {
	status  ConnectionStatus
	channel *transport.Channel
	window  *WindowHandle
	monitor bool

	// publisherBlocked is set while the transport reports WOULD_BLOCK and
	// cleared when the consumer drains.
	publisherBlocked bool

	outboundQueue event.Queue[DispatchEntry]
	waitQueue     event.Queue[DispatchEntry]

	inputState InputState

	// readyPending dedupes readable notifications between loop iterations.
	readyPending bool
}

func newConnection(channel *transport.Channel, window *WindowHandle, monitor bool) *Connection {
	return &Connection{
		status:        ConnectionNormal,
		channel:       channel,
		window:        window,
		monitor:       monitor,
		outboundQueue: newDispatchQueue(),
		waitQueue:     newDispatchQueue(),
	}
}

// Name returns the channel label.
func (c *Connection) Name() string { return c.channel.Name() }

// WindowName returns the attached window's label, or the channel label for
// monitors.
func (c *Connection) WindowName() string {
	if c.window != nil {
		return c.window.Name()
	}
	return c.channel.Name()
}

// findWaitQueueEntry locates the published-but-unacknowledged entry with the
// given sequence number, or nil if it has already been drained.
func (c *Connection) findWaitQueueEntry(seq uint32) *DispatchEntry {
	for e := c.waitQueue.Head(); e != nil; e = c.waitQueue.Next(e) {
		if e.seq == seq {
			return e
		}
	}
	return nil
}
