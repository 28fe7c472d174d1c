package dispatch

import (
	"errors"

	"inputd/internal/transport"
)

// Registration errors.
var (
	ErrChannelExists  = errors.New("dispatch: input channel is already registered")
	ErrChannelUnknown = errors.New("dispatch: input channel is not registered")
)

// getWindowHandle finds the registered window that owns a channel, or nil.
func (d *Dispatcher) getWindowHandle(channel *transport.Channel) *WindowHandle {
	for _, handle := range d.windows {
		if handle.Channel() == channel {
			return handle
		}
	}
	return nil
}

func (d *Dispatcher) hasWindowHandle(handle *WindowHandle) bool {
	for _, h := range d.windows {
		if h == handle {
			return true
		}
	}
	return false
}

// SetInputWindows atomically replaces the window set. List order is
// front-to-back z order for hit testing. Windows that disappear have their
// in-flight state cancelled; a focus change cancels the old focus target's
// non-pointer state.
func (d *Dispatcher) SetInputWindows(windows []*WindowHandle) {
	d.mu.Lock()

	oldWindows := d.windows
	kept := make([]*WindowHandle, 0, len(windows))
	var newFocusedWindow *WindowHandle
	foundHoveredWindow := false
	for _, handle := range windows {
		if !handle.UpdateInfo() || handle.Channel() == nil {
			continue
		}
		kept = append(kept, handle)
		if handle.Info().HasFocus {
			if newFocusedWindow == nil {
				newFocusedWindow = handle
			} else {
				// Focus exclusivity: only the front-most focused window
				// keeps it.
				d.log.Warn("multiple windows report focus; keeping the front-most",
					"kept", newFocusedWindow.Name(), "ignored", handle.Name())
			}
		}
		if handle == d.lastHoverWindow {
			foundHoveredWindow = true
		}
	}
	d.windows = kept

	if !foundHoveredWindow {
		// The hovered window is gone; its handle is already invalid, so no
		// hover exit is synthesized.
		d.lastHoverWindow = nil
	}

	if d.focusedWindow != newFocusedWindow {
		if d.focusedWindow != nil {
			d.log.Debug("focus left window", "window", d.focusedWindow.Name())
			if channel := d.focusedWindow.Channel(); channel != nil {
				options := CancelationOptions{
					Mode:   CancelNonPointerEvents,
					Reason: "focus left window",
				}
				d.synthesizeCancelationEventsForChannel(channel, &options)
			}
		}
		if newFocusedWindow != nil {
			d.log.Debug("focus entered window", "window", newFocusedWindow.Name())
		}
		d.focusedWindow = newFocusedWindow
	}

	for i := 0; i < len(d.touchState.Windows); {
		touched := &d.touchState.Windows[i]
		if d.hasWindowHandle(touched.Window) {
			i++
			continue
		}
		d.log.Debug("touched window was removed", "window", touched.Window.Name())
		if channel := touched.Window.Channel(); channel != nil {
			options := CancelationOptions{
				Mode:   CancelPointerEvents,
				Reason: "touched window was removed",
			}
			d.synthesizeCancelationEventsForChannel(channel, &options)
		}
		d.touchState.Windows = append(d.touchState.Windows[:i], d.touchState.Windows[i+1:]...)
	}

	// Release info for windows that left the set so their channels are
	// reclaimed promptly.
	for _, old := range oldWindows {
		if !d.hasWindowHandle(old) {
			old.ReleaseInfo()
		}
	}

	d.mu.Unlock()
	d.looper.wake()
}

// SetFocusedApplication declares which application would own focus if it had
// a window up yet; ANR waits are reset when it changes.
func (d *Dispatcher) SetFocusedApplication(app *ApplicationHandle) {
	d.mu.Lock()
	if d.focusedApplication != app {
		if d.focusedApplication != nil {
			d.resetANRTimeouts()
		}
		d.focusedApplication = app
	}
	d.mu.Unlock()
	d.looper.wake()
}

// SetInputDispatchMode enables/disables and freezes/thaws dispatch.
// Disabling drops everything with cancellation; freezing holds events
// without dropping.
func (d *Dispatcher) SetInputDispatchMode(enabled, frozen bool) {
	changed := false
	d.mu.Lock()
	if d.dispatchEnabled != enabled || d.dispatchFrozen != frozen {
		if d.dispatchFrozen && !frozen {
			d.resetANRTimeouts()
		}
		if d.dispatchEnabled && !enabled {
			d.resetAndDropEverything("dispatcher is being disabled")
		}
		d.dispatchEnabled = enabled
		d.dispatchFrozen = frozen
		changed = true
	}
	d.mu.Unlock()
	if changed {
		d.looper.wake()
	}
}

// SetInputFilterEnabled toggles routing of events through the policy filter.
// The transition drops everything so the filter starts from a neutral state.
func (d *Dispatcher) SetInputFilterEnabled(enabled bool) {
	d.mu.Lock()
	if d.inputFilterEnabled == enabled {
		d.mu.Unlock()
		return
	}
	d.inputFilterEnabled = enabled
	d.resetAndDropEverything("input filter is being enabled or disabled")
	d.mu.Unlock()
	d.looper.wake()
}

// TransferTouchFocus reassigns the current touch gesture from one channel's
// window to another window on the same display, synthesizing cancellation on
// the source.
func (d *Dispatcher) TransferTouchFocus(fromChannel, toChannel *transport.Channel) bool {
	d.mu.Lock()

	fromWindow := d.getWindowHandle(fromChannel)
	toWindow := d.getWindowHandle(toChannel)
	if fromWindow == nil || toWindow == nil {
		d.mu.Unlock()
		d.log.Debug("cannot transfer touch focus: window not found")
		return false
	}
	if fromWindow == toWindow {
		d.mu.Unlock()
		return true
	}
	fromInfo, toInfo := fromWindow.Info(), toWindow.Info()
	if fromInfo == nil || toInfo == nil || fromInfo.DisplayID != toInfo.DisplayID {
		d.mu.Unlock()
		d.log.Debug("cannot transfer touch focus: windows on different displays")
		return false
	}

	found := false
	for i := range d.touchState.Windows {
		touched := d.touchState.Windows[i]
		if touched.Window == fromWindow {
			newTargetFlags := touched.TargetFlags &
				(TargetFlagForeground | TargetFlagSplit | TargetFlagDispatchAsIs)
			pointerIDs := touched.PointerIDs

			d.touchState.Windows = append(d.touchState.Windows[:i], d.touchState.Windows[i+1:]...)
			d.touchState.addOrUpdateWindow(toWindow, newTargetFlags, pointerIDs)
			found = true
			break
		}
	}
	if !found {
		d.mu.Unlock()
		d.log.Debug("touch focus transfer failed: from window does not own the touch")
		return false
	}

	fromConn, fromOK := d.connections[fromChannel]
	toConn, toOK := d.connections[toChannel]
	if fromOK && toOK {
		fromConn.inputState.CopyPointerStateTo(&toConn.inputState)
		options := CancelationOptions{
			Mode:   CancelPointerEvents,
			Reason: "transferring touch focus from this window to another window",
		}
		d.synthesizeCancelationEventsForConnection(fromConn, &options)
	}

	d.mu.Unlock()
	d.looper.wake()
	return true
}

// RegisterInputChannel attaches a consumer channel, optionally associated
// with a window handle, optionally as a monitor of all main-display traffic.
func (d *Dispatcher) RegisterInputChannel(channel *transport.Channel, window *WindowHandle, monitor bool) error {
	d.mu.Lock()
	if _, exists := d.connections[channel]; exists {
		d.mu.Unlock()
		d.log.Warn("attempted to register already registered input channel",
			"channel", channel.Name())
		return ErrChannelExists
	}

	conn := newConnection(channel, window, monitor)
	d.connections[channel] = conn
	if monitor {
		d.monitoringChannels = append(d.monitoringChannels, channel)
	}
	d.metrics.ConnectionCount(len(d.connections))

	channel.SetFinishedCallback(func() {
		d.mu.Lock()
		if !conn.readyPending {
			conn.readyPending = true
			d.readyConnections = append(d.readyConnections, conn)
		}
		d.mu.Unlock()
		d.looper.wake()
	})
	d.mu.Unlock()

	d.looper.wake()
	return nil
}

// UnregisterInputChannel detaches a consumer channel, draining its queues.
func (d *Dispatcher) UnregisterInputChannel(channel *transport.Channel) error {
	d.mu.Lock()
	err := d.unregisterInputChannelLocked(channel, false)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	// Removing the connection may have changed the synchronization state.
	d.looper.wake()
	return nil
}

func (d *Dispatcher) unregisterInputChannelLocked(channel *transport.Channel, notify bool) error {
	conn, ok := d.connections[channel]
	if !ok {
		d.log.Warn("attempted to unregister unknown input channel",
			"channel", channel.Name())
		return ErrChannelUnknown
	}
	delete(d.connections, channel)
	d.metrics.ConnectionCount(len(d.connections))

	if conn.monitor {
		for i, ch := range d.monitoringChannels {
			if ch == channel {
				d.monitoringChannels = append(d.monitoringChannels[:i], d.monitoringChannels[i+1:]...)
				break
			}
		}
	}
	channel.SetFinishedCallback(nil)

	d.abortBrokenDispatchCycle(d.clock.Now(), conn, notify)
	conn.status = ConnectionZombie
	return nil
}
