package event

// Entry is one inbound event: a common header plus exactly one populated
// variant selected by Kind. Entries are reference counted; each queue that
// holds an entry owns one reference. An entry may sit in at most one
// intrusive queue at a time.
type Entry struct {
	link Node[Entry]
	refs int32

	Kind        Kind
	EventTime   int64 // monotonic nanoseconds
	PolicyFlags PolicyFlags
	Injection   *InjectionState

	// DispatchInProgress is set while the loop holds the entry as the
	// pending event and has begun identifying targets for it.
	DispatchInProgress bool

	Key         *Key
	Motion      *Motion
	DeviceReset *DeviceReset
}

// InterceptResult records the outcome of interceptKeyBeforeDispatching for a
// key entry so a deferred decision is not asked twice.
type InterceptResult int32

const (
	InterceptUnknown InterceptResult = iota
	InterceptContinue
	InterceptSkip
	InterceptTryAgainLater
)

// Key is the key-event variant payload.
type Key struct {
	DeviceID    int32
	Source      Source
	Action      KeyAction
	Flags       KeyFlags
	KeyCode     KeyCode
	ScanCode    int32
	MetaState   MetaState
	RepeatCount int32
	DownTime    int64

	InterceptResult     InterceptResult
	InterceptWakeupTime int64

	// SyntheticRepeat marks entries fabricated by the key-repeat timer.
	SyntheticRepeat bool
}

// Motion is the motion-event variant payload. The properties and coords
// slices are index-aligned and share one length, the pointer count.
type Motion struct {
	DeviceID    int32
	Source      Source
	DisplayID   int32
	Action      MotionAction
	Flags       MotionFlags
	MetaState   MetaState
	ButtonState ButtonState
	EdgeFlags   int32
	XPrecision  float32
	YPrecision  float32
	DownTime    int64

	PointerProperties []PointerProperties
	PointerCoords     []PointerCoords
}

// PointerCount returns the number of pointers in the sample.
func (m *Motion) PointerCount() int { return len(m.PointerProperties) }

// DeviceReset is the device-reset variant payload.
type DeviceReset struct {
	DeviceID int32
}

// NewEntry allocates an entry with one reference owned by the caller.
func NewEntry(kind Kind, eventTime int64, policyFlags PolicyFlags) *Entry {
	return &Entry{refs: 1, Kind: kind, EventTime: eventTime, PolicyFlags: policyFlags}
}

// Acquire adds a reference.
func (e *Entry) Acquire() *Entry {
	e.refs++
	return e
}

// Release drops a reference and reports whether this was the last one. The
// caller decides what to do about unresolved injections before the entry
// goes away; Release itself only counts.
func (e *Entry) Release() bool {
	if e.refs <= 0 {
		panic("event: release of entry with no references")
	}
	e.refs--
	return e.refs == 0
}

// Refs returns the current reference count, for dumps.
func (e *Entry) Refs() int32 { return e.refs }

// InQueue reports whether the entry is currently linked into a queue.
func (e *Entry) InQueue() bool { return e.link.inList }

// DeviceID returns the originating device for variants that carry one, and
// -1 for configuration changes.
func (e *Entry) DeviceID() int32 {
	switch e.Kind {
	case KindKey:
		return e.Key.DeviceID
	case KindMotion:
		return e.Motion.DeviceID
	case KindDeviceReset:
		return e.DeviceReset.DeviceID
	}
	return -1
}

// NewEntryQueue returns a queue over event entries.
func NewEntryQueue() Queue[Entry] {
	return NewQueue(func(e *Entry) *Node[Entry] { return &e.link })
}
