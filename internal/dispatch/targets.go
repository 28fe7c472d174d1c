package dispatch

import (
	"inputd/internal/event"
)

// findTouchedWindowAt hit-tests the window list front to back on one
// display. A system-error window on top silently swallows the touch.
func (d *Dispatcher) findTouchedWindowAt(displayID, x, y int32) *WindowHandle {
	for _, handle := range d.windows {
		info := handle.Info()
		if info == nil || info.DisplayID != displayID {
			continue
		}
		if info.Visible {
			if info.LayoutFlags&FlagNotTouchable == 0 {
				if info.TouchModal() || info.TouchableRegion.Contains(x, y) {
					return handle
				}
			}
		}
		if info.LayoutFlags&FlagSystemError != 0 {
			// Error window is on top but not visible, so the touch is lost.
			return nil
		}
	}
	return nil
}

// findFocusedWindowTargets resolves targets for keys and non-pointer motion:
// everything goes to the focused window, serialized behind its prior input.
func (d *Dispatcher) findFocusedWindowTargets(currentTime int64, entry *event.Entry,
	targets *[]Target, nextWakeupTime *int64) event.InjectionResult {

	var injectionResult event.InjectionResult

	if d.focusedWindow == nil {
		if d.focusedApplication != nil {
			injectionResult = d.handleTargetsNotReady(currentTime, entry,
				d.focusedApplication, nil, nextWakeupTime,
				"Waiting because no window has focus but there is a focused "+
					"application that may eventually add a window when it finishes starting up.")
			return d.finishTargetResolution(currentTime, injectionResult)
		}
		d.log.Info("dropping event: no focused window or focused application")
		return d.finishTargetResolution(currentTime, event.InjectionFailed)
	}

	if !d.checkInjectionPermission(d.focusedWindow, entry.Injection) {
		return d.finishTargetResolution(currentTime, event.InjectionPermissionDenied)
	}

	if info := d.focusedWindow.Info(); info != nil && info.Paused {
		injectionResult = d.handleTargetsNotReady(currentTime, entry,
			d.focusedApplication, d.focusedWindow, nextWakeupTime,
			"Waiting because the focused window is paused.")
		return d.finishTargetResolution(currentTime, injectionResult)
	}

	if !d.isWindowReadyForMoreInput(currentTime, d.focusedWindow, entry) {
		injectionResult = d.handleTargetsNotReady(currentTime, entry,
			d.focusedApplication, d.focusedWindow, nextWakeupTime,
			"Waiting because the focused window has not finished processing "+
				"the input events that were previously delivered to it.")
		return d.finishTargetResolution(currentTime, injectionResult)
	}

	d.addWindowTarget(d.focusedWindow,
		TargetFlagForeground|TargetFlagDispatchAsIs, 0, targets)
	return d.finishTargetResolution(currentTime, event.InjectionSucceeded)
}

// finishTargetResolution records per-resolution statistics and passes the
// result through.
func (d *Dispatcher) finishTargetResolution(currentTime int64, result event.InjectionResult) event.InjectionResult {
	d.metrics.TargetResolution(result.String(),
		d.timeSpentWaitingForApplication(currentTime))
	return result
}

// findTouchedWindowTargets resolves targets for pointer events: hit testing,
// splitting, slippery transfers, hover transitions, obscuration, outside
// watchers and wallpapers. Touch state is only committed once it is certain
// that injection is permitted.
func (d *Dispatcher) findTouchedWindowTargets(currentTime int64, entry *event.Entry,
	targets *[]Target, nextWakeupTime *int64, outConflictingPointerActions *bool) event.InjectionResult {

	m := entry.Motion
	displayID := m.DisplayID
	action := m.Action
	maskedAction := action.Masked()

	injectionResult := event.InjectionPending
	injectionPermission := injectionPermissionUnknown
	var newHoverWindow *WindowHandle

	isSplit := d.touchState.Split
	switchedDevice := d.touchState.DeviceID >= 0 && d.touchState.DisplayID >= 0 &&
		(d.touchState.DeviceID != m.DeviceID ||
			d.touchState.Source != m.Source ||
			d.touchState.DisplayID != displayID)
	isHoverAction := maskedAction.IsHover()
	newGesture := maskedAction == event.MotionActionDown ||
		maskedAction == event.MotionActionScroll || isHoverAction
	wrongDevice := false

	if newGesture {
		down := maskedAction == event.MotionActionDown
		if switchedDevice && d.touchState.Down && !down {
			// A pointer from a different device is already down.
			d.log.Debug("dropping event: pointer for a different device is already down")
			d.tempTouchState.copyFrom(&d.touchState)
			injectionResult = event.InjectionFailed
			switchedDevice = false
			wrongDevice = true
			goto Failed
		}
		d.tempTouchState.reset()
		d.tempTouchState.Down = down
		d.tempTouchState.DeviceID = m.DeviceID
		d.tempTouchState.Source = m.Source
		d.tempTouchState.DisplayID = displayID
		isSplit = false
	} else {
		d.tempTouchState.copyFrom(&d.touchState)
	}

	if newGesture || (isSplit && maskedAction == event.MotionActionPointerDown) {
		// Case 1: a new gesture, or a new splittable pointer going down.
		pointerIndex := 0
		if maskedAction == event.MotionActionPointerDown {
			pointerIndex = action.PointerIndex()
		}
		x := int32(m.PointerCoords[pointerIndex].X)
		y := int32(m.PointerCoords[pointerIndex].Y)
		var newTouchedWindow, topErrorWindow *WindowHandle

		// Traverse windows front to back to find the touched window and any
		// outside targets.
		for _, handle := range d.windows {
			info := handle.Info()
			if info == nil || info.DisplayID != displayID {
				continue
			}
			if info.LayoutFlags&FlagSystemError != 0 && topErrorWindow == nil {
				topErrorWindow = handle
			}
			if info.Visible {
				if info.LayoutFlags&FlagNotTouchable == 0 {
					if info.TouchModal() || info.TouchableRegion.Contains(x, y) {
						newTouchedWindow = handle
						break
					}
				}
				if maskedAction == event.MotionActionDown &&
					info.LayoutFlags&FlagWatchOutsideTouch != 0 {
					outsideFlags := TargetFlagDispatchAsOutside
					if d.isWindowObscuredAtPoint(handle, x, y) {
						outsideFlags |= TargetFlagWindowIsObscured
					}
					d.tempTouchState.addOrUpdateWindow(handle, outsideFlags, 0)
				}
			}
		}

		// If an error window exists but is not taking the touch, a modal
		// error dialog is about to appear; hold everything.
		if topErrorWindow != nil && newTouchedWindow != topErrorWindow {
			injectionResult = d.handleTargetsNotReady(currentTime, entry,
				nil, nil, nextWakeupTime,
				"Waiting because a system error window is about to be displayed.")
			injectionPermission = injectionPermissionUnknown
			goto Unresponsive
		}

		// Figure out whether splitting is allowed for this window.
		if newTouchedWindow != nil {
			if info := newTouchedWindow.Info(); info != nil && info.SupportsSplitTouch() {
				isSplit = true
			} else if isSplit {
				// The window does not support splitting but the gesture is
				// already split; the new pointer has nowhere to go.
				newTouchedWindow = nil
			}
		}

		if newTouchedWindow == nil {
			newTouchedWindow = d.tempTouchState.firstForegroundWindow()
			if newTouchedWindow == nil {
				if maskedAction == event.MotionActionDown && d.focusedApplication != nil {
					// Wait so an application that is starting up still gets
					// its ANR if it never puts up a window.
					injectionResult = d.handleTargetsNotReady(currentTime, entry,
						d.focusedApplication, nil, nextWakeupTime,
						"Waiting because there is no touchable window that can handle "+
							"the event but there is a focused application that may "+
							"eventually add a new window when it finishes starting up.")
					goto Unresponsive
				}
				d.log.Info("dropping event: no touched window")
				injectionResult = event.InjectionFailed
				goto Failed
			}
		}

		targetFlags := TargetFlagForeground | TargetFlagDispatchAsIs
		if isSplit {
			targetFlags |= TargetFlagSplit
		}
		if d.isWindowObscuredAtPoint(newTouchedWindow, x, y) {
			targetFlags |= TargetFlagWindowIsObscured
		}

		if isHoverAction {
			newHoverWindow = newTouchedWindow
		} else if maskedAction == event.MotionActionScroll {
			newHoverWindow = d.lastHoverWindow
		}

		var pointerIDs event.PointerIDSet
		if isSplit {
			pointerIDs = pointerIDs.Insert(m.PointerProperties[pointerIndex].ID)
		}
		d.tempTouchState.addOrUpdateWindow(newTouchedWindow, targetFlags, pointerIDs)
	} else {
		// Case 2: pointer move, up, cancel or non-splittable pointer down.
		if !d.tempTouchState.Down {
			d.log.Debug("dropping event: pointer is not down or the down was dropped")
			injectionResult = event.InjectionFailed
			goto Failed
		}

		// Check whether the touch should slip out of the current window.
		if maskedAction == event.MotionActionMove && m.PointerCount() == 1 &&
			d.tempTouchState.isSlippery() {
			x := int32(m.PointerCoords[0].X)
			y := int32(m.PointerCoords[0].Y)

			oldTouchedWindow := d.tempTouchState.firstForegroundWindow()
			newTouchedWindow := d.findTouchedWindowAt(displayID, x, y)
			if oldTouchedWindow != newTouchedWindow && newTouchedWindow != nil {
				d.log.Debug("touch is slipping between windows",
					"from", oldTouchedWindow.Name(), "to", newTouchedWindow.Name())

				d.tempTouchState.addOrUpdateWindow(oldTouchedWindow,
					TargetFlagDispatchAsSlipperyExit, 0)

				if info := newTouchedWindow.Info(); info != nil && info.SupportsSplitTouch() {
					isSplit = true
				}
				targetFlags := TargetFlagForeground | TargetFlagDispatchAsSlipperyEnter
				if isSplit {
					targetFlags |= TargetFlagSplit
				}
				if d.isWindowObscuredAtPoint(newTouchedWindow, x, y) {
					targetFlags |= TargetFlagWindowIsObscured
				}

				var pointerIDs event.PointerIDSet
				if isSplit {
					pointerIDs = pointerIDs.Insert(m.PointerProperties[0].ID)
				}
				d.tempTouchState.addOrUpdateWindow(newTouchedWindow, targetFlags, pointerIDs)
			}
		}
	}

	if newHoverWindow != d.lastHoverWindow {
		// Let the previous window know the hover sequence is over.
		if d.lastHoverWindow != nil {
			d.tempTouchState.addOrUpdateWindow(d.lastHoverWindow,
				TargetFlagDispatchAsHoverExit, 0)
		}
		// Let the new window know the hover sequence is starting.
		if newHoverWindow != nil {
			d.tempTouchState.addOrUpdateWindow(newHoverWindow,
				TargetFlagDispatchAsHoverEnter, 0)
		}
	}

	// Check permission to inject into every touched foreground window and
	// ensure there is at least one.
	{
		haveForegroundWindow := false
		for i := range d.tempTouchState.Windows {
			touched := &d.tempTouchState.Windows[i]
			if touched.TargetFlags&TargetFlagForeground != 0 {
				haveForegroundWindow = true
				if !d.checkInjectionPermission(touched.Window, entry.Injection) {
					injectionResult = event.InjectionPermissionDenied
					injectionPermission = injectionPermissionDenied
					goto Failed
				}
			}
		}
		if !haveForegroundWindow {
			d.log.Debug("dropping event: no touched foreground window")
			injectionResult = event.InjectionFailed
			goto Failed
		}
		injectionPermission = injectionPermissionGranted
	}

	// Outside watchers owned by a foreign uid must not learn coordinates.
	if maskedAction == event.MotionActionDown {
		foreground := d.tempTouchState.firstForegroundWindow()
		foregroundUid := foreground.Info().OwnerUid
		for i := range d.tempTouchState.Windows {
			touched := &d.tempTouchState.Windows[i]
			if touched.TargetFlags&TargetFlagDispatchAsOutside != 0 {
				if info := touched.Window.Info(); info != nil && info.OwnerUid != foregroundUid {
					d.tempTouchState.addOrUpdateWindow(touched.Window,
						TargetFlagZeroCoords, 0)
				}
			}
		}
	}

	// Ensure all touched foreground windows are ready for new input.
	for i := range d.tempTouchState.Windows {
		touched := &d.tempTouchState.Windows[i]
		if touched.TargetFlags&TargetFlagForeground == 0 {
			continue
		}
		if info := touched.Window.Info(); info != nil && info.Paused {
			injectionResult = d.handleTargetsNotReady(currentTime, entry,
				nil, touched.Window, nextWakeupTime,
				"Waiting because the touched window is paused.")
			goto Unresponsive
		}
		if !d.isWindowReadyForMoreInput(currentTime, touched.Window, entry) {
			injectionResult = d.handleTargetsNotReady(currentTime, entry,
				nil, touched.Window, nextWakeupTime,
				"Waiting because the touched window has not finished processing "+
					"the input events that were previously delivered to it.")
			goto Unresponsive
		}
	}

	// On the first pointer down, lock in the wallpaper windows behind a
	// wallpaper-backed foreground window for the rest of the gesture.
	if maskedAction == event.MotionActionDown {
		foreground := d.tempTouchState.firstForegroundWindow()
		if info := foreground.Info(); info != nil && info.HasWallpaper {
			for _, handle := range d.windows {
				wi := handle.Info()
				if wi != nil && wi.DisplayID == displayID && wi.Type == TypeWallpaper {
					d.tempTouchState.addOrUpdateWindow(handle,
						TargetFlagWindowIsObscured|TargetFlagDispatchAsIs, 0)
				}
			}
		}
	}

	// Success: output targets.
	injectionResult = event.InjectionSucceeded
	for i := range d.tempTouchState.Windows {
		touched := &d.tempTouchState.Windows[i]
		d.addWindowTarget(touched.Window, touched.TargetFlags, touched.PointerIDs, targets)
	}

	// Outside, hover-transition and slippery-exit windows are one-shot;
	// drop them from the carried state.
	d.tempTouchState.filterNonAsIsTouchWindows()

Failed:
	// Resolve injection permission once and for all.
	if injectionPermission == injectionPermissionUnknown {
		if d.checkInjectionPermission(nil, entry.Injection) {
			injectionPermission = injectionPermissionGranted
		} else {
			injectionPermission = injectionPermissionDenied
		}
	}

	// Commit touch state only if the injector had permission.
	if injectionPermission == injectionPermissionGranted {
		if !wrongDevice {
			if switchedDevice {
				*outConflictingPointerActions = true
			}
			switch {
			case isHoverAction:
				// Started hovering, therefore no longer down.
				if d.touchState.Down {
					*outConflictingPointerActions = true
				}
				d.touchState.reset()
				if maskedAction == event.MotionActionHoverEnter ||
					maskedAction == event.MotionActionHoverMove {
					d.touchState.DeviceID = m.DeviceID
					d.touchState.Source = m.Source
					d.touchState.DisplayID = displayID
				}
			case maskedAction == event.MotionActionUp ||
				maskedAction == event.MotionActionCancel:
				d.touchState.reset()
			case maskedAction == event.MotionActionDown:
				if d.touchState.Down {
					*outConflictingPointerActions = true
				}
				d.touchState.copyFrom(&d.tempTouchState)
			case maskedAction == event.MotionActionPointerUp:
				// One pointer went up; release its id from split windows.
				if isSplit {
					pointerID := m.PointerProperties[action.PointerIndex()].ID
					for i := 0; i < len(d.tempTouchState.Windows); {
						touched := &d.tempTouchState.Windows[i]
						if touched.TargetFlags&TargetFlagSplit != 0 {
							touched.PointerIDs = touched.PointerIDs.Remove(pointerID)
							if touched.PointerIDs.Empty() {
								d.tempTouchState.Windows = append(
									d.tempTouchState.Windows[:i],
									d.tempTouchState.Windows[i+1:]...)
								continue
							}
						}
						i++
					}
				}
				d.touchState.copyFrom(&d.tempTouchState)
			case maskedAction == event.MotionActionScroll:
				// Scroll is discrete; the temporary state was only valid
				// for this one action.
			default:
				d.touchState.copyFrom(&d.tempTouchState)
			}

			d.lastHoverWindow = newHoverWindow
		}
	} else {
		d.log.Debug("not updating touch focus: injection was denied")
	}

Unresponsive:
	// Drop scratch references promptly.
	d.tempTouchState.reset()
	return d.finishTargetResolution(currentTime, injectionResult)
}

type injectionPermission int

const (
	injectionPermissionUnknown injectionPermission = iota
	injectionPermissionGranted
	injectionPermissionDenied
)

func (d *Dispatcher) addWindowTarget(window *WindowHandle, targetFlags TargetFlags,
	pointerIDs event.PointerIDSet, targets *[]Target) {
	info := window.Info()
	if info == nil {
		return
	}
	*targets = append(*targets, Target{
		Channel:     info.Channel,
		Flags:       targetFlags,
		XOffset:     float32(-info.Frame.Left),
		YOffset:     float32(-info.Frame.Top),
		ScaleFactor: info.ScaleFactor,
		PointerIDs:  pointerIDs,
	})
}

func (d *Dispatcher) addMonitoringTargets(targets *[]Target) {
	for _, channel := range d.monitoringChannels {
		*targets = append(*targets, Target{
			Channel:     channel,
			Flags:       TargetFlagDispatchAsIs,
			ScaleFactor: 1,
		})
	}
}

// checkInjectionPermission allows reader events, root injectors, injectors
// the policy blesses, and otherwise only injection into the caller's own
// windows.
func (d *Dispatcher) checkInjectionPermission(window *WindowHandle, injection *event.InjectionState) bool {
	if injection == nil {
		return true
	}
	if window != nil {
		if info := window.Info(); info != nil && info.OwnerUid == injection.InjectorUid {
			return true
		}
	}
	if d.hasInjectionPermission(injection.InjectorPid, injection.InjectorUid) {
		return true
	}
	if window != nil {
		d.log.Warn("permission denied injecting event",
			"injectorPid", injection.InjectorPid,
			"injectorUid", injection.InjectorUid,
			"window", window.Name())
	} else {
		d.log.Warn("permission denied injecting event",
			"injectorPid", injection.InjectorPid,
			"injectorUid", injection.InjectorUid)
	}
	return false
}

func (d *Dispatcher) hasInjectionPermission(injectorPid, injectorUid int32) bool {
	return injectorUid == 0 ||
		d.policy.CheckInjectEventsPermission(injectorPid, injectorUid)
}

// isWindowObscuredAtPoint reports whether a visible non-trusted window above
// the target on the same display covers the point.
func (d *Dispatcher) isWindowObscuredAtPoint(window *WindowHandle, x, y int32) bool {
	info := window.Info()
	if info == nil {
		return false
	}
	displayID := info.DisplayID
	for _, other := range d.windows {
		if other == window {
			break
		}
		oi := other.Info()
		if oi == nil {
			continue
		}
		if oi.DisplayID == displayID && oi.Visible && !oi.TrustedOverlay &&
			oi.Frame.Contains(x, y) {
			return true
		}
	}
	return false
}

// isWindowReadyForMoreInput applies the key/motion readiness asymmetry: keys
// serialize behind everything previously delivered because they may chase a
// focus change; motion merely must not run unboundedly ahead of the
// consumer's acknowledgements.
func (d *Dispatcher) isWindowReadyForMoreInput(currentTime int64, window *WindowHandle, entry *event.Entry) bool {
	channel := window.Channel()
	if channel == nil {
		return true
	}
	conn, ok := d.connections[channel]
	if !ok {
		return true
	}
	if conn.publisherBlocked {
		return false
	}
	if entry.Kind == event.KindKey {
		return conn.outboundQueue.Empty() && conn.waitQueue.Empty()
	}
	if head := conn.waitQueue.Head(); head != nil &&
		currentTime >= head.eventEntry.EventTime+int64(streamAheadEventTimeout) {
		return false
	}
	return true
}
