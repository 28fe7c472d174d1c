// Package event defines the low-level input event model shared by the reader
// surface, the dispatcher core, and the transport: tagged event entries with
// explicit reference counts, per-pointer data, policy flags, injection
// bookkeeping, and the intrusive queues that carry entries through the
// dispatch pipeline.
package event

import "fmt"

// Limits on per-event pointer data.
const (
	// MaxPointers is the maximum number of simultaneous pointers in one
	// motion event.
	MaxPointers = 16

	// MaxPointerID is the largest valid pointer id. Ids fit a 32-bit set.
	MaxPointerID = 31
)

// Kind discriminates the event entry variants.
type Kind int32

const (
	KindConfigurationChanged Kind = iota
	KindDeviceReset
	KindKey
	KindMotion
)

// String returns the kind name used in logs and dumps.
func (k Kind) String() string {
	switch k {
	case KindConfigurationChanged:
		return "configuration_changed"
	case KindDeviceReset:
		return "device_reset"
	case KindKey:
		return "key"
	case KindMotion:
		return "motion"
	default:
		return fmt.Sprintf("unknown(%d)", int32(k))
	}
}

// Source identifies the class and concrete kind of input device that
// produced an event. The low byte holds the class bits.
type Source uint32

const (
	SourceClassMask       Source = 0x000000ff
	SourceClassButton     Source = 0x00000001
	SourceClassPointer    Source = 0x00000002
	SourceClassNavigation Source = 0x00000004
	SourceClassPosition   Source = 0x00000008
	SourceClassJoystick   Source = 0x00000010

	SourceUnknown     Source = 0x00000000
	SourceKeyboard    Source = 0x00000100 | SourceClassButton
	SourceDpad        Source = 0x00000200 | SourceClassButton
	SourceTouchscreen Source = 0x00001000 | SourceClassPointer
	SourceMouse       Source = 0x00002000 | SourceClassPointer
	SourceStylus      Source = 0x00004000 | SourceClassPointer
	SourceTrackball   Source = 0x00010000 | SourceClassNavigation
	SourceTouchpad    Source = 0x00100000 | SourceClassPosition
	SourceJoystick    Source = 0x01000000 | SourceClassJoystick
)

// IsPointer reports whether the source delivers absolute pointer positions
// that participate in window hit testing.
func (s Source) IsPointer() bool {
	return s&SourceClassPointer != 0
}

// KeyAction is the direction of a key transition.
type KeyAction int32

const (
	KeyActionDown KeyAction = 0
	KeyActionUp   KeyAction = 1
)

// KeyFlags carry per-key-event modifiers set by the dispatcher or the policy.
type KeyFlags uint32

const (
	KeyFlagCanceled          KeyFlags = 0x20
	KeyFlagLongPress         KeyFlags = 0x80
	KeyFlagCanceledLongPress KeyFlags = 0x100
	KeyFlagFallback          KeyFlags = 0x400
)

// MotionAction encodes the masked action in the low byte and, for
// pointer-down/pointer-up, the pointer index in the second byte.
type MotionAction int32

const (
	MotionActionMask              MotionAction = 0xff
	MotionActionPointerIndexMask  MotionAction = 0xff00
	MotionActionPointerIndexShift              = 8

	MotionActionDown        MotionAction = 0
	MotionActionUp          MotionAction = 1
	MotionActionMove        MotionAction = 2
	MotionActionCancel      MotionAction = 3
	MotionActionOutside     MotionAction = 4
	MotionActionPointerDown MotionAction = 5
	MotionActionPointerUp   MotionAction = 6
	MotionActionHoverMove   MotionAction = 7
	MotionActionScroll      MotionAction = 8
	MotionActionHoverEnter  MotionAction = 9
	MotionActionHoverExit   MotionAction = 10
)

// Masked strips the pointer index, leaving the base action.
func (a MotionAction) Masked() MotionAction {
	return a & MotionActionMask
}

// PointerIndex extracts the pointer index of a pointer-down/pointer-up.
func (a MotionAction) PointerIndex() int {
	return int(a&MotionActionPointerIndexMask) >> MotionActionPointerIndexShift
}

// WithPointerIndex combines a base action with a pointer index.
func (a MotionAction) WithPointerIndex(index int) MotionAction {
	return a.Masked() | MotionAction(index<<MotionActionPointerIndexShift)
}

// IsHover reports whether the masked action is part of a hover sequence.
func (a MotionAction) IsHover() bool {
	switch a.Masked() {
	case MotionActionHoverEnter, MotionActionHoverMove, MotionActionHoverExit:
		return true
	}
	return false
}

// MotionFlags carry per-motion-event modifiers.
type MotionFlags uint32

const (
	MotionFlagWindowIsObscured MotionFlags = 0x1
)

// MetaState is the modifier key bitset (shift, alt, ...).
type MetaState uint32

// ButtonState is the mouse/stylus button bitset.
type ButtonState uint32

// KeyCode identifies a key independently of its scan code.
type KeyCode int32

const (
	KeycodeUnknown KeyCode = 0
	KeycodeHome    KeyCode = 3
	KeycodeBack    KeyCode = 4
	KeycodeEndcall KeyCode = 6
	KeycodeA       KeyCode = 29
	KeycodeB       KeyCode = 30
	KeycodeSpace   KeyCode = 62
	KeycodeEnter   KeyCode = 66
)

// IsAppSwitch reports whether the key participates in app-switch preemption.
func (k KeyCode) IsAppSwitch() bool {
	return k == KeycodeHome || k == KeycodeEndcall
}

// PolicyFlags tag an event with decisions made by the policy at queue time.
type PolicyFlags uint32

const (
	PolicyFlagWake             PolicyFlags = 0x00000001
	PolicyFlagVirtual          PolicyFlags = 0x00000002
	PolicyFlagInjected         PolicyFlags = 0x01000000
	PolicyFlagPassToUser       PolicyFlags = 0x40000000
	PolicyFlagTrusted          PolicyFlags = 0x00800000
	PolicyFlagFiltered         PolicyFlags = 0x04000000
	PolicyFlagDisableKeyRepeat PolicyFlags = 0x08000000
)

// ToolType identifies what touched the screen.
type ToolType int32

const (
	ToolTypeUnknown ToolType = iota
	ToolTypeFinger
	ToolTypeStylus
	ToolTypeMouse
	ToolTypeEraser
)

// PointerProperties are the per-pointer attributes that never change during
// a gesture.
type PointerProperties struct {
	ID       int32
	ToolType ToolType
}

// PointerCoords are the per-pointer axis values of one motion sample.
type PointerCoords struct {
	X           float32
	Y           float32
	Pressure    float32
	Size        float32
	TouchMajor  float32
	TouchMinor  float32
	ToolMajor   float32
	ToolMinor   float32
	Orientation float32
}

// Scale multiplies the geometric axes by a window scale factor.
func (c *PointerCoords) Scale(factor float32) {
	c.X *= factor
	c.Y *= factor
	c.TouchMajor *= factor
	c.TouchMinor *= factor
	c.ToolMajor *= factor
	c.ToolMinor *= factor
}

// PointerIDSet is a set of pointer ids in [0, MaxPointerID].
type PointerIDSet uint32

// Has reports membership.
func (s PointerIDSet) Has(id int32) bool {
	return s&(1<<uint(id)) != 0
}

// Insert returns the set with id added.
func (s PointerIDSet) Insert(id int32) PointerIDSet {
	return s | 1<<uint(id)
}

// Remove returns the set with id removed.
func (s PointerIDSet) Remove(id int32) PointerIDSet {
	return s &^ (1 << uint(id))
}

// Empty reports whether no ids are present.
func (s PointerIDSet) Empty() bool { return s == 0 }

// Count returns the number of ids present.
func (s PointerIDSet) Count() int {
	n := 0
	for v := s; v != 0; v &= v - 1 {
		n++
	}
	return n
}

// Intersects reports whether the two sets share any id.
func (s PointerIDSet) Intersects(other PointerIDSet) bool {
	return s&other != 0
}

// ValidateKeyAction reports whether the action code is well formed.
func ValidateKeyAction(action KeyAction) bool {
	switch action {
	case KeyActionDown, KeyActionUp:
		return true
	}
	return false
}

// ValidateMotionAction reports whether the action code is well formed with
// respect to the pointer count: pointer-down/up must carry an index that is
// a valid position in the pointer array.
func ValidateMotionAction(action MotionAction, pointerCount int) bool {
	switch action.Masked() {
	case MotionActionDown, MotionActionUp, MotionActionCancel,
		MotionActionMove, MotionActionOutside, MotionActionHoverMove,
		MotionActionScroll, MotionActionHoverEnter, MotionActionHoverExit:
		return true
	case MotionActionPointerDown, MotionActionPointerUp:
		index := action.PointerIndex()
		return index >= 0 && index < pointerCount
	}
	return false
}

// ValidatePointers checks the pointer count and id invariants: count in
// [1, MaxPointers], every id in [0, MaxPointerID], no duplicate ids.
func ValidatePointers(props []PointerProperties) bool {
	if len(props) < 1 || len(props) > MaxPointers {
		return false
	}
	var seen PointerIDSet
	for i := range props {
		id := props[i].ID
		if id < 0 || id > MaxPointerID {
			return false
		}
		if seen.Has(id) {
			return false
		}
		seen = seen.Insert(id)
	}
	return true
}
