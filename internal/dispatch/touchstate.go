package dispatch

import "inputd/internal/event"

// TouchedWindow records one window's share of the current touch gesture.
type TouchedWindow struct {
	Window      *WindowHandle
	TargetFlags TargetFlags

	// PointerIDs is empty unless TargetFlags has TargetFlagSplit.
	PointerIDs event.PointerIDSet
}

// TouchState tracks which windows own the in-progress touch gesture. The
// dispatcher keeps one committed instance plus a scratch instance that is
// only folded back in once the resolver succeeds.
type TouchState struct {
	Down      bool
	Split     bool
	DeviceID  int32
	Source    event.Source
	DisplayID int32
	Windows   []TouchedWindow
}

func (s *TouchState) reset() {
	s.Down = false
	s.Split = false
	s.DeviceID = -1
	s.Source = 0
	s.DisplayID = -1
	s.Windows = s.Windows[:0]
}

func (s *TouchState) copyFrom(other *TouchState) {
	s.Down = other.Down
	s.Split = other.Split
	s.DeviceID = other.DeviceID
	s.Source = other.Source
	s.DisplayID = other.DisplayID
	s.Windows = append(s.Windows[:0], other.Windows...)
}

// addOrUpdateWindow merges flags and pointer ids into the window's entry,
// creating it if absent.
func (s *TouchState) addOrUpdateWindow(window *WindowHandle, targetFlags TargetFlags, pointerIDs event.PointerIDSet) {
	if targetFlags&TargetFlagSplit != 0 {
		s.Split = true
	}
	for i := range s.Windows {
		w := &s.Windows[i]
		if w.Window == window {
			w.TargetFlags |= targetFlags
			if targetFlags&TargetFlagDispatchAsSlipperyExit != 0 {
				w.TargetFlags &^= TargetFlagDispatchAsIs
			}
			w.PointerIDs |= pointerIDs
			return
		}
	}
	s.Windows = append(s.Windows, TouchedWindow{
		Window:      window,
		TargetFlags: targetFlags,
		PointerIDs:  pointerIDs,
	})
}

// removeWindow drops the window's entry if present.
func (s *TouchState) removeWindow(window *WindowHandle) {
	for i := range s.Windows {
		if s.Windows[i].Window == window {
			s.Windows = append(s.Windows[:i], s.Windows[i+1:]...)
			return
		}
	}
}

// filterNonAsIsTouchWindows keeps only the windows that will receive the
// rest of the gesture: outside, hover and slippery-exit targets are one-shot.
func (s *TouchState) filterNonAsIsTouchWindows() {
	for i := 0; i < len(s.Windows); {
		w := &s.Windows[i]
		if w.TargetFlags&(TargetFlagDispatchAsIs|TargetFlagDispatchAsSlipperyEnter) != 0 {
			w.TargetFlags &^= TargetFlagDispatchMask
			w.TargetFlags |= TargetFlagDispatchAsIs
			i++
		} else {
			s.Windows = append(s.Windows[:i], s.Windows[i+1:]...)
		}
	}
}

// firstForegroundWindow returns the gesture's primary recipient, or nil.
func (s *TouchState) firstForegroundWindow() *WindowHandle {
	for i := range s.Windows {
		if s.Windows[i].TargetFlags&TargetFlagForeground != 0 {
			return s.Windows[i].Window
		}
	}
	return nil
}

// isSlippery reports whether the gesture may slip to another window under
// motion: exactly one foreground window, and it is marked slippery.
func (s *TouchState) isSlippery() bool {
	var haveSlipperyForeground bool
	for i := range s.Windows {
		w := &s.Windows[i]
		if w.TargetFlags&TargetFlagForeground != 0 {
			if haveSlipperyForeground {
				return false
			}
			info := w.Window.Info()
			if info == nil || info.LayoutFlags&FlagSlippery == 0 {
				return false
			}
			haveSlipperyForeground = true
		}
	}
	return haveSlipperyForeground
}
