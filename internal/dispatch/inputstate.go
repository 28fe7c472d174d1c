package dispatch

import "inputd/internal/event"

// CancelMode selects which mementos a cancellation sweep applies to.
type CancelMode int32

const (
	// CancelAllEvents cancels everything the connection has seen.
	CancelAllEvents CancelMode = iota

	// CancelPointerEvents cancels gestures from pointer-class sources.
	CancelPointerEvents

	// CancelNonPointerEvents cancels keys and navigation gestures.
	CancelNonPointerEvents

	// CancelFallbackEvents cancels only fallback keys.
	CancelFallbackEvents
)

// CancelationOptions filter a cancellation sweep.
type CancelationOptions struct {
	Mode   CancelMode
	Reason string

	// DeviceID restricts the sweep to one device when HasDeviceID is set.
	DeviceID    int32
	HasDeviceID bool

	// KeyCode restricts key cancellation to one key code when HasKeyCode
	// is set.
	KeyCode    event.KeyCode
	HasKeyCode bool
}

type keyMemento struct {
	deviceID    int32
	source      event.Source
	keyCode     event.KeyCode
	scanCode    int32
	metaState   event.MetaState
	flags       event.KeyFlags
	downTime    int64
	policyFlags event.PolicyFlags
}

type motionMemento struct {
	deviceID    int32
	source      event.Source
	displayID   int32
	flags       event.MotionFlags
	xPrecision  float32
	yPrecision  float32
	downTime    int64
	hovering    bool
	policyFlags event.PolicyFlags

	pointerProperties []event.PointerProperties
	pointerCoords     []event.PointerCoords
}

func (m *motionMemento) setPointers(motion *event.Motion) {
	m.pointerProperties = append(m.pointerProperties[:0], motion.PointerProperties...)
	m.pointerCoords = append(m.pointerCoords[:0], motion.PointerCoords...)
}

// InputState remembers what a connection's consumer currently believes: which
// keys are down, which gestures are in progress, and which fallback key was
// latched for each original key. It exists so the dispatcher can synthesize
// the exact cancellation events that restore a consistent remote view.
type InputState struct {
	keyMementos    []keyMemento
	motionMementos []motionMemento
	fallbackKeys   map[event.KeyCode]event.KeyCode
}

// IsNeutral reports whether the consumer holds no keys and no gestures.
func (s *InputState) IsNeutral() bool {
	return len(s.keyMementos) == 0 && len(s.motionMementos) == 0
}

// IsHovering reports whether the consumer is in a hover sequence from the
// given device, source and display.
func (s *InputState) IsHovering(deviceID int32, source event.Source, displayID int32) bool {
	for i := range s.motionMementos {
		m := &s.motionMementos[i]
		if m.deviceID == deviceID && m.source == source && m.displayID == displayID && m.hovering {
			return true
		}
	}
	return false
}

// TrackKey records the delivery of a key event with the given resolved
// action and flags. It reports false when the delivery would be inconsistent
// with the consumer's state and must be dropped.
func (s *InputState) TrackKey(key *event.Key, entry *event.Entry, resolvedAction event.KeyAction, resolvedFlags event.KeyFlags) bool {
	switch resolvedAction {
	case event.KeyActionUp:
		if key.Flags&event.KeyFlagFallback != 0 {
			for original, fallback := range s.fallbackKeys {
				if fallback == key.KeyCode {
					delete(s.fallbackKeys, original)
				}
			}
		}
		if i := s.findKeyMemento(key); i >= 0 {
			s.keyMementos = append(s.keyMementos[:i], s.keyMementos[i+1:]...)
		}
		// A spurious up is allowed: popup windows shown while a key is held
		// legitimately see the up without the down.
		return true

	case event.KeyActionDown:
		if i := s.findKeyMemento(key); i >= 0 {
			s.keyMementos = append(s.keyMementos[:i], s.keyMementos[i+1:]...)
		}
		s.keyMementos = append(s.keyMementos, keyMemento{
			deviceID:    key.DeviceID,
			source:      key.Source,
			keyCode:     key.KeyCode,
			scanCode:    key.ScanCode,
			metaState:   key.MetaState,
			flags:       resolvedFlags,
			downTime:    key.DownTime,
			policyFlags: entry.PolicyFlags,
		})
		return true

	default:
		return true
	}
}

// TrackMotion records the delivery of a motion event with the given resolved
// action and flags. It reports false when the delivery would be inconsistent
// with the consumer's state and must be dropped.
func (s *InputState) TrackMotion(motion *event.Motion, entry *event.Entry, resolvedAction event.MotionAction, resolvedFlags event.MotionFlags) bool {
	switch resolvedAction.Masked() {
	case event.MotionActionUp, event.MotionActionCancel:
		if i := s.findMotionMemento(motion, false); i >= 0 {
			s.motionMementos = append(s.motionMementos[:i], s.motionMementos[i+1:]...)
			return true
		}
		return false

	case event.MotionActionDown:
		if i := s.findMotionMemento(motion, false); i >= 0 {
			s.motionMementos = append(s.motionMementos[:i], s.motionMementos[i+1:]...)
		}
		s.addMotionMemento(motion, entry, resolvedFlags, false)
		return true

	case event.MotionActionPointerUp, event.MotionActionPointerDown, event.MotionActionMove:
		if i := s.findMotionMemento(motion, false); i >= 0 {
			s.motionMementos[i].setPointers(motion)
			return true
		}
		if resolvedAction.Masked() == event.MotionActionMove &&
			motion.Source&(event.SourceClassJoystick|event.SourceClassNavigation) != 0 {
			// Joysticks and trackballs send moves without a down or up.
			return true
		}
		return false

	case event.MotionActionHoverExit:
		if i := s.findMotionMemento(motion, true); i >= 0 {
			s.motionMementos = append(s.motionMementos[:i], s.motionMementos[i+1:]...)
			return true
		}
		return false

	case event.MotionActionHoverEnter, event.MotionActionHoverMove:
		if i := s.findMotionMemento(motion, true); i >= 0 {
			s.motionMementos = append(s.motionMementos[:i], s.motionMementos[i+1:]...)
		}
		s.addMotionMemento(motion, entry, resolvedFlags, true)
		return true

	default:
		return true
	}
}

func (s *InputState) findKeyMemento(key *event.Key) int {
	for i := range s.keyMementos {
		m := &s.keyMementos[i]
		if m.deviceID == key.DeviceID && m.source == key.Source &&
			m.keyCode == key.KeyCode && m.scanCode == key.ScanCode {
			return i
		}
	}
	return -1
}

func (s *InputState) findMotionMemento(motion *event.Motion, hovering bool) int {
	for i := range s.motionMementos {
		m := &s.motionMementos[i]
		if m.deviceID == motion.DeviceID && m.source == motion.Source &&
			m.displayID == motion.DisplayID && m.hovering == hovering {
			return i
		}
	}
	return -1
}

func (s *InputState) addMotionMemento(motion *event.Motion, entry *event.Entry, flags event.MotionFlags, hovering bool) {
	m := motionMemento{
		deviceID:    motion.DeviceID,
		source:      motion.Source,
		displayID:   motion.DisplayID,
		flags:       flags,
		xPrecision:  motion.XPrecision,
		yPrecision:  motion.YPrecision,
		downTime:    motion.DownTime,
		hovering:    hovering,
		policyFlags: entry.PolicyFlags,
	}
	m.setPointers(motion)
	s.motionMementos = append(s.motionMementos, m)
}

// SynthesizeCancelationEvents returns the events that bring the consumer
// back to a neutral view: a canceled key-up for each matching held key and a
// cancel (or hover-exit) for each matching gesture. It is a pure function of
// the state and the options; the matched mementos stay in place until the
// synthesized events are themselves tracked.
func (s *InputState) SynthesizeCancelationEvents(currentTime int64, options *CancelationOptions) []*event.Entry {
	var out []*event.Entry
	for i := range s.keyMementos {
		m := &s.keyMementos[i]
		if !s.shouldCancelKey(m, options) {
			continue
		}
		entry := event.NewEntry(event.KindKey, currentTime, m.policyFlags)
		entry.Key = &event.Key{
			DeviceID:  m.deviceID,
			Source:    m.source,
			Action:    event.KeyActionUp,
			Flags:     m.flags | event.KeyFlagCanceled,
			KeyCode:   m.keyCode,
			ScanCode:  m.scanCode,
			MetaState: m.metaState,
			DownTime:  m.downTime,
		}
		out = append(out, entry)
	}
	for i := range s.motionMementos {
		m := &s.motionMementos[i]
		if !s.shouldCancelMotion(m, options) {
			continue
		}
		action := event.MotionActionCancel
		if m.hovering {
			action = event.MotionActionHoverExit
		}
		entry := event.NewEntry(event.KindMotion, currentTime, m.policyFlags)
		entry.Motion = &event.Motion{
			DeviceID:          m.deviceID,
			Source:            m.source,
			DisplayID:         m.displayID,
			Action:            action,
			Flags:             m.flags,
			XPrecision:        m.xPrecision,
			YPrecision:        m.yPrecision,
			DownTime:          m.downTime,
			PointerProperties: append([]event.PointerProperties(nil), m.pointerProperties...),
			PointerCoords:     append([]event.PointerCoords(nil), m.pointerCoords...),
		}
		out = append(out, entry)
	}
	return out
}

// Clear forgets all mementos and fallback keys.
func (s *InputState) Clear() {
	s.keyMementos = s.keyMementos[:0]
	s.motionMementos = s.motionMementos[:0]
	s.fallbackKeys = nil
}

// CopyPointerStateTo copies this state's pointer-class mementos onto another
// connection's state, replacing any the other held for the same device,
// source and display. This state keeps its own mementos. Used when touch
// focus is transferred between windows.
func (s *InputState) CopyPointerStateTo(other *InputState) {
	for i := range s.motionMementos {
		m := &s.motionMementos[i]
		if m.source&event.SourceClassPointer == 0 {
			continue
		}
		for j := 0; j < len(other.motionMementos); {
			o := &other.motionMementos[j]
			if m.deviceID == o.deviceID && m.source == o.source && m.displayID == o.displayID {
				other.motionMementos = append(other.motionMementos[:j], other.motionMementos[j+1:]...)
			} else {
				j++
			}
		}
		copied := *m
		copied.pointerProperties = append([]event.PointerProperties(nil), m.pointerProperties...)
		copied.pointerCoords = append([]event.PointerCoords(nil), m.pointerCoords...)
		other.motionMementos = append(other.motionMementos, copied)
	}
}

// getFallbackKey returns the latched fallback for an original key code.
func (s *InputState) getFallbackKey(originalKeyCode event.KeyCode) (event.KeyCode, bool) {
	code, ok := s.fallbackKeys[originalKeyCode]
	return code, ok
}

func (s *InputState) setFallbackKey(originalKeyCode, fallbackKeyCode event.KeyCode) {
	if s.fallbackKeys == nil {
		s.fallbackKeys = make(map[event.KeyCode]event.KeyCode)
	}
	s.fallbackKeys[originalKeyCode] = fallbackKeyCode
}

func (s *InputState) removeFallbackKey(originalKeyCode event.KeyCode) {
	delete(s.fallbackKeys, originalKeyCode)
}

func (s *InputState) shouldCancelKey(m *keyMemento, options *CancelationOptions) bool {
	if options.HasKeyCode && m.keyCode != options.KeyCode {
		return false
	}
	if options.HasDeviceID && m.deviceID != options.DeviceID {
		return false
	}
	switch options.Mode {
	case CancelAllEvents, CancelNonPointerEvents:
		return true
	case CancelFallbackEvents:
		return m.flags&event.KeyFlagFallback != 0
	default:
		return false
	}
}

func (s *InputState) shouldCancelMotion(m *motionMemento, options *CancelationOptions) bool {
	if options.HasDeviceID && m.deviceID != options.DeviceID {
		return false
	}
	switch options.Mode {
	case CancelAllEvents:
		return true
	case CancelPointerEvents:
		return m.source&event.SourceClassPointer != 0
	case CancelNonPointerEvents:
		return m.source&event.SourceClassPointer == 0
	default:
		return false
	}
}
