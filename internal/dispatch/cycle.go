package dispatch

import (
	"errors"
	"time"

	"inputd/internal/event"
	"inputd/internal/transport"
)

// prepareDispatchCycle turns one resolved target into dispatch entries on
// the connection, splitting the motion event first when only a subset of
// pointers belongs to this window.
func (d *Dispatcher) prepareDispatchCycle(currentTime int64, conn *Connection,
	entry *event.Entry, target *Target) {

	// A broken or zombie connection accumulates no further outbound events.
	if conn.status != ConnectionNormal {
		d.log.Debug("dropping event: connection not normal",
			"channel", conn.Name(), "status", conn.status.String())
		return
	}

	if target.Flags&TargetFlagSplit != 0 && entry.Kind == event.KindMotion {
		if target.PointerIDs.Count() != entry.Motion.PointerCount() {
			split := d.splitMotionEvent(entry, target.PointerIDs)
			if split == nil {
				return // the split event was dropped
			}
			d.enqueueDispatchEntries(currentTime, conn, split, target)
			d.releaseEventEntry(split)
			return
		}
	}

	d.enqueueDispatchEntries(currentTime, conn, entry, target)
}

// enqueueDispatchEntries produces one dispatch entry per dispatch-mode bit
// set on the target, in the fixed transmutation order, and kicks the publish
// loop if the outbound queue went non-empty.
func (d *Dispatcher) enqueueDispatchEntries(currentTime int64, conn *Connection,
	entry *event.Entry, target *Target) {

	wasEmpty := conn.outboundQueue.Empty()

	d.enqueueDispatchEntry(conn, entry, target, TargetFlagDispatchAsHoverExit)
	d.enqueueDispatchEntry(conn, entry, target, TargetFlagDispatchAsOutside)
	d.enqueueDispatchEntry(conn, entry, target, TargetFlagDispatchAsHoverEnter)
	d.enqueueDispatchEntry(conn, entry, target, TargetFlagDispatchAsIs)
	d.enqueueDispatchEntry(conn, entry, target, TargetFlagDispatchAsSlipperyExit)
	d.enqueueDispatchEntry(conn, entry, target, TargetFlagDispatchAsSlipperyEnter)

	if wasEmpty && !conn.outboundQueue.Empty() {
		d.startDispatchCycle(currentTime, conn)
	}
}

func (d *Dispatcher) enqueueDispatchEntry(conn *Connection, entry *event.Entry,
	target *Target, dispatchMode TargetFlags) {

	if target.Flags&dispatchMode == 0 {
		return
	}
	targetFlags := (target.Flags &^ TargetFlagDispatchMask) | dispatchMode

	dispatchEntry := &DispatchEntry{
		eventEntry:  entry.Acquire(),
		seq:         d.nextSequence(),
		targetFlags: targetFlags,
		xOffset:     target.XOffset,
		yOffset:     target.YOffset,
		scaleFactor: target.ScaleFactor,
	}

	switch entry.Kind {
	case event.KindKey:
		key := entry.Key
		dispatchEntry.resolvedKeyAction = key.Action
		dispatchEntry.resolvedKeyFlags = key.Flags
		if !conn.inputState.TrackKey(key, entry,
			dispatchEntry.resolvedKeyAction, dispatchEntry.resolvedKeyFlags) {
			d.log.Debug("skipping inconsistent key event", "channel", conn.Name())
			d.releaseEventEntry(entry)
			return
		}

	case event.KindMotion:
		m := entry.Motion
		var resolvedAction event.MotionAction
		switch {
		case dispatchMode&TargetFlagDispatchAsOutside != 0:
			resolvedAction = event.MotionActionOutside
		case dispatchMode&TargetFlagDispatchAsHoverExit != 0:
			resolvedAction = event.MotionActionHoverExit
		case dispatchMode&TargetFlagDispatchAsHoverEnter != 0:
			resolvedAction = event.MotionActionHoverEnter
		case dispatchMode&TargetFlagDispatchAsSlipperyExit != 0:
			resolvedAction = event.MotionActionCancel
		case dispatchMode&TargetFlagDispatchAsSlipperyEnter != 0:
			resolvedAction = event.MotionActionDown
		default:
			resolvedAction = m.Action
		}
		if resolvedAction == event.MotionActionHoverMove &&
			!conn.inputState.IsHovering(m.DeviceID, m.Source, m.DisplayID) {
			// The consumer never saw the hover begin; fill in the enter.
			resolvedAction = event.MotionActionHoverEnter
		}
		dispatchEntry.resolvedMotionAction = resolvedAction

		resolvedFlags := m.Flags
		if targetFlags&TargetFlagWindowIsObscured != 0 {
			resolvedFlags |= event.MotionFlagWindowIsObscured
		}
		dispatchEntry.resolvedMotionFlags = resolvedFlags

		if !conn.inputState.TrackMotion(m, entry, resolvedAction, resolvedFlags) {
			d.log.Debug("skipping inconsistent motion event", "channel", conn.Name())
			d.releaseEventEntry(entry)
			return
		}
	}

	if dispatchEntry.hasForegroundTarget() {
		d.incrementPendingForegroundDispatches(entry)
	}

	conn.outboundQueue.EnqueueAtTail(dispatchEntry)
}

func (d *Dispatcher) nextSequence() uint32 {
	d.nextSeq++
	if d.nextSeq == 0 {
		d.nextSeq = 1 // zero is reserved
	}
	return d.nextSeq
}

// startDispatchCycle publishes outbound entries in order until the queue
// drains, the transport pushes back, or the connection breaks.
func (d *Dispatcher) startDispatchCycle(currentTime int64, conn *Connection) {
	for conn.status == ConnectionNormal && !conn.outboundQueue.Empty() {
		dispatchEntry := conn.outboundQueue.Head()
		dispatchEntry.deliveryTime = currentTime

		entry := dispatchEntry.eventEntry
		var err error
		switch entry.Kind {
		case event.KindKey:
			key := entry.Key
			err = conn.channel.Publish(transport.Message{
				Type:        transport.MessageTypeKey,
				Seq:         dispatchEntry.seq,
				DeviceID:    key.DeviceID,
				Source:      key.Source,
				KeyAction:   dispatchEntry.resolvedKeyAction,
				KeyFlags:    dispatchEntry.resolvedKeyFlags,
				KeyCode:     key.KeyCode,
				ScanCode:    key.ScanCode,
				MetaState:   key.MetaState,
				RepeatCount: key.RepeatCount,
				DownTime:    key.DownTime,
				EventTime:   entry.EventTime,
			})

		case event.KindMotion:
			m := entry.Motion
			coords := m.PointerCoords
			var xOffset, yOffset float32
			scaleFactor := float32(1)
			if m.Source.IsPointer() && dispatchEntry.targetFlags&TargetFlagZeroCoords == 0 {
				scaleFactor = dispatchEntry.scaleFactor
				xOffset = dispatchEntry.xOffset * scaleFactor
				yOffset = dispatchEntry.yOffset * scaleFactor
				if scaleFactor != 1 {
					scaled := make([]event.PointerCoords, len(coords))
					copy(scaled, coords)
					for i := range scaled {
						scaled[i].Scale(scaleFactor)
					}
					coords = scaled
				}
			} else if dispatchEntry.targetFlags&TargetFlagZeroCoords != 0 {
				// The target must not learn where the touch landed.
				coords = make([]event.PointerCoords, len(m.PointerCoords))
			}
			published := make([]event.PointerCoords, len(coords))
			copy(published, coords)
			for i := range published {
				published[i].X += xOffset
				published[i].Y += yOffset
			}
			err = conn.channel.Publish(transport.Message{
				Type:              transport.MessageTypeMotion,
				Seq:               dispatchEntry.seq,
				DeviceID:          m.DeviceID,
				Source:            m.Source,
				DisplayID:         m.DisplayID,
				MotionAction:      dispatchEntry.resolvedMotionAction,
				MotionFlags:       dispatchEntry.resolvedMotionFlags,
				EdgeFlags:         m.EdgeFlags,
				MetaState:         m.MetaState,
				ButtonState:       m.ButtonState,
				XPrecision:        m.XPrecision,
				YPrecision:        m.YPrecision,
				DownTime:          m.DownTime,
				EventTime:         entry.EventTime,
				PointerProperties: append([]event.PointerProperties(nil), m.PointerProperties...),
				PointerCoords:     published,
			})
		}

		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				if conn.waitQueue.Empty() {
					// The pipe is full yet nothing is in flight; the
					// transport is unusable.
					d.log.Error("pipe full with empty wait queue; channel is broken",
						"channel", conn.Name())
					d.abortBrokenDispatchCycle(currentTime, conn, true)
				} else {
					// Wait for the consumer to catch up before sending more.
					conn.publisherBlocked = true
				}
			} else {
				d.log.Error("could not publish event",
					"channel", conn.Name(), "error", err)
				d.abortBrokenDispatchCycle(currentTime, conn, true)
			}
			return
		}

		d.metrics.EventPublished(entry.Kind.String())
		conn.outboundQueue.Dequeue(dispatchEntry)
		conn.waitQueue.EnqueueAtTail(dispatchEntry)
	}
}

// drainReadyConnections reads finished signals from every connection whose
// channel signalled readability since the last iteration, posting a
// dispatch-cycle-finished command per acknowledgement.
func (d *Dispatcher) drainReadyConnections() {
	if len(d.readyConnections) == 0 {
		return
	}
	ready := d.readyConnections
	d.readyConnections = nil
	currentTime := d.clock.Now()

	for _, conn := range ready {
		conn.readyPending = false
		if conn.status == ConnectionZombie {
			continue
		}
		for {
			sig, err := conn.channel.ReceiveFinishedSignal()
			if err != nil {
				if errors.Is(err, transport.ErrWouldBlock) {
					break
				}
				// The consumer is gone. Monitor channels are never
				// explicitly unregistered, so do not report those.
				notify := !conn.monitor
				if notify {
					d.log.Error("failed to receive finished signal",
						"channel", conn.Name(), "error", err)
				}
				d.unregisterInputChannelLocked(conn.channel, notify)
				break
			}
			d.finishDispatchCycle(currentTime, conn, sig.Seq, sig.Handled)
		}
	}
}

// finishDispatchCycle records a consumer acknowledgement and defers the
// post-handle work (fallback keys call into the policy) to the command queue.
func (d *Dispatcher) finishDispatchCycle(currentTime int64, conn *Connection, seq uint32, handled bool) {
	conn.publisherBlocked = false

	if conn.status != ConnectionNormal {
		return
	}

	finishTime := currentTime
	d.postCommand(func() {
		d.doDispatchCycleFinished(conn, seq, handled, finishTime)
	})
}

// doDispatchCycleFinished runs as a command, outside the dispatcher lock.
func (d *Dispatcher) doDispatchCycleFinished(conn *Connection, seq uint32, handled bool, finishTime int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dispatchEntry := conn.findWaitQueueEntry(seq)
	if dispatchEntry == nil {
		// Already drained by cancellation or abort.
		return
	}

	eventDuration := finishTime - dispatchEntry.deliveryTime
	if eventDuration > int64(slowEventProcessingWarningTimeout) {
		d.log.Warn("window spent a long time processing an input event",
			"window", conn.WindowName(),
			"duration", time.Duration(eventDuration))
		d.metrics.SlowEvent()
	}

	restartEvent := false
	if dispatchEntry.eventEntry.Kind == event.KindKey {
		restartEvent = d.afterKeyEventDispatched(conn, dispatchEntry, handled)
	}

	// afterKeyEventDispatched may have released the lock around policy
	// calls; re-verify the entry is still in the wait queue before touching
	// the queues.
	if dispatchEntry == conn.findWaitQueueEntry(seq) {
		conn.waitQueue.Dequeue(dispatchEntry)
		if restartEvent && conn.status == ConnectionNormal {
			conn.outboundQueue.EnqueueAtHead(dispatchEntry)
		} else {
			d.releaseDispatchEntry(dispatchEntry)
		}
	}

	d.startDispatchCycle(d.clock.Now(), conn)
}

// afterKeyEventDispatched implements the fallback-key state machine. Called
// with the lock held; it releases the lock around policy calls. Reports
// whether the entry must be re-dispatched (as its fallback key).
func (d *Dispatcher) afterKeyEventDispatched(conn *Connection, dispatchEntry *DispatchEntry, handled bool) bool {
	keyEntry := dispatchEntry.eventEntry
	key := keyEntry.Key
	if key.Flags&event.KeyFlagFallback != 0 {
		return false
	}

	originalKeyCode := key.KeyCode
	fallbackKeyCode, hasFallback := conn.inputState.getFallbackKey(originalKeyCode)
	if key.Action == event.KeyActionUp {
		// Clear the latched fallback after dispatching the up.
		conn.inputState.removeFallbackKey(originalKeyCode)
	}

	if handled || !dispatchEntry.hasForegroundTarget() {
		// The application handled the original key, or the window is not
		// foreground; cancel any fallback previously generated for it.
		if hasFallback {
			canceled := *key
			canceled.Flags |= event.KeyFlagCanceled
			policyFlags := keyEntry.PolicyFlags
			window := conn.window

			d.mu.Unlock()
			d.policy.DispatchUnhandledKey(window, &canceled, policyFlags)
			d.mu.Lock()

			if fallbackKeyCode != event.KeycodeUnknown {
				options := CancelationOptions{
					Mode: CancelFallbackEvents,
					Reason: "application handled the original non-fallback key " +
						"or is no longer a foreground target, " +
						"canceling previously dispatched fallback key",
					KeyCode:    fallbackKeyCode,
					HasKeyCode: true,
				}
				d.synthesizeCancelationEventsForConnection(conn, &options)
			}
			conn.inputState.removeFallbackKey(originalKeyCode)
		}
		return false
	}

	// The application did not handle a non-fallback key; ask the policy
	// what to do with it, but only on an initial down or once a fallback
	// has already been latched.
	initialDown := key.Action == event.KeyActionDown && key.RepeatCount == 0
	if !hasFallback && !initialDown {
		return false
	}

	asked := *key
	policyFlags := keyEntry.PolicyFlags
	window := conn.window

	d.mu.Unlock()
	fallback := d.policy.DispatchUnhandledKey(window, &asked, policyFlags)
	d.mu.Lock()

	if conn.status != ConnectionNormal {
		conn.inputState.removeFallbackKey(originalKeyCode)
		return false
	}

	// Latch the fallback keycode on the initial down; it cannot change at
	// any other point in the key's lifecycle.
	if initialDown {
		if fallback != nil {
			fallbackKeyCode = fallback.KeyCode
		} else {
			fallbackKeyCode = event.KeycodeUnknown
		}
		conn.inputState.setFallbackKey(originalKeyCode, fallbackKeyCode)
		hasFallback = true
	}

	// Cancel the fallback if the policy no longer wants it or changed its
	// mind about which key to send.
	if fallbackKeyCode != event.KeycodeUnknown &&
		(fallback == nil || fallback.KeyCode != fallbackKeyCode) {
		options := CancelationOptions{
			Mode:       CancelFallbackEvents,
			Reason:     "canceling fallback, policy no longer desires it",
			KeyCode:    fallbackKeyCode,
			HasKeyCode: true,
		}
		d.synthesizeCancelationEventsForConnection(conn, &options)

		fallback = nil
		fallbackKeyCode = event.KeycodeUnknown
		if key.Action != event.KeyActionUp {
			conn.inputState.setFallbackKey(originalKeyCode, fallbackKeyCode)
		}
	}

	if fallback != nil {
		// Restart the dispatch cycle using the fallback key.
		key.DeviceID = fallback.DeviceID
		key.Source = fallback.Source
		key.Flags = fallback.Flags | event.KeyFlagFallback
		key.KeyCode = fallbackKeyCode
		key.ScanCode = fallback.ScanCode
		key.MetaState = fallback.MetaState
		key.RepeatCount = fallback.RepeatCount
		key.DownTime = fallback.DownTime
		key.SyntheticRepeat = false

		// Re-resolve the delivery and bring the connection's state up to
		// date with the substituted key so it can be cancelled later.
		dispatchEntry.resolvedKeyAction = key.Action
		dispatchEntry.resolvedKeyFlags = key.Flags
		conn.inputState.TrackKey(key, keyEntry, key.Action, key.Flags)
		return true
	}
	return false
}

// abortBrokenDispatchCycle drains both queues and transitions the connection
// to broken, optionally notifying the policy.
func (d *Dispatcher) abortBrokenDispatchCycle(currentTime int64, conn *Connection, notify bool) {
	d.drainDispatchQueue(&conn.outboundQueue)
	d.drainDispatchQueue(&conn.waitQueue)

	if conn.status == ConnectionNormal {
		conn.status = ConnectionBroken
		d.metrics.ChannelBroken()

		if notify {
			d.log.Error("channel is unrecoverably broken and will be disposed",
				"channel", conn.Name())
			window := conn.window
			d.postCommand(func() {
				d.mu.Lock()
				zombie := conn.status == ConnectionZombie
				d.mu.Unlock()
				if !zombie {
					d.policy.NotifyInputChannelBroken(window)
				}
			})
		}
	}
}

func (d *Dispatcher) drainDispatchQueue(queue *event.Queue[DispatchEntry]) {
	for !queue.Empty() {
		d.releaseDispatchEntry(queue.DequeueAtHead())
	}
}

func (d *Dispatcher) releaseDispatchEntry(dispatchEntry *DispatchEntry) {
	if dispatchEntry.hasForegroundTarget() {
		d.decrementPendingForegroundDispatches(dispatchEntry.eventEntry)
	}
	d.releaseEventEntry(dispatchEntry.eventEntry)
}

// --- cancellation synthesis ---

func (d *Dispatcher) synthesizeCancelationEventsForAllConnections(options *CancelationOptions) {
	for _, conn := range d.connections {
		d.synthesizeCancelationEventsForConnection(conn, options)
	}
}

func (d *Dispatcher) synthesizeCancelationEventsForChannel(channel *transport.Channel, options *CancelationOptions) {
	if conn, ok := d.connections[channel]; ok {
		d.synthesizeCancelationEventsForConnection(conn, options)
	}
}

func (d *Dispatcher) synthesizeCancelationEventsForConnection(conn *Connection, options *CancelationOptions) {
	if conn.status == ConnectionBroken {
		return
	}

	currentTime := d.clock.Now()
	cancelationEvents := conn.inputState.SynthesizeCancelationEvents(currentTime, options)
	if len(cancelationEvents) == 0 {
		return
	}

	d.log.Debug("synthesized cancelation events to bring channel back in sync",
		"channel", conn.Name(),
		"count", len(cancelationEvents),
		"reason", options.Reason)

	target := Target{
		Channel:     conn.channel,
		Flags:       TargetFlagDispatchAsIs,
		ScaleFactor: 1,
	}
	if window := d.getWindowHandle(conn.channel); window != nil {
		if info := window.Info(); info != nil {
			target.XOffset = float32(-info.Frame.Left)
			target.YOffset = float32(-info.Frame.Top)
			target.ScaleFactor = info.ScaleFactor
		}
	}

	for _, cancelationEntry := range cancelationEvents {
		d.enqueueDispatchEntry(conn, cancelationEntry, &target, TargetFlagDispatchAsIs)
		d.releaseEventEntry(cancelationEntry)
	}

	d.startDispatchCycle(currentTime, conn)
}

// splitMotionEvent builds a copy of the event restricted to the given
// pointer ids, re-indexing the action as needed. Returns nil when the ids do
// not line up with the event, which indicates a broken id sequence from the
// device.
func (d *Dispatcher) splitMotionEvent(entry *event.Entry, pointerIDs event.PointerIDSet) *event.Entry {
	m := entry.Motion

	var splitProperties []event.PointerProperties
	var splitCoords []event.PointerCoords
	for i := range m.PointerProperties {
		if pointerIDs.Has(m.PointerProperties[i].ID) {
			splitProperties = append(splitProperties, m.PointerProperties[i])
			splitCoords = append(splitCoords, m.PointerCoords[i])
		}
	}

	if len(splitProperties) != pointerIDs.Count() {
		d.log.Warn("dropping split motion event: pointer ids do not match",
			"have", len(splitProperties), "want", pointerIDs.Count())
		return nil
	}

	action := m.Action
	maskedAction := action.Masked()
	if maskedAction == event.MotionActionPointerDown || maskedAction == event.MotionActionPointerUp {
		pointerID := m.PointerProperties[action.PointerIndex()].ID
		if pointerIDs.Has(pointerID) {
			if pointerIDs.Count() == 1 {
				// The first or last pointer for this window went down or up.
				if maskedAction == event.MotionActionPointerDown {
					action = event.MotionActionDown
				} else {
					action = event.MotionActionUp
				}
			} else {
				splitIndex := 0
				for splitProperties[splitIndex].ID != pointerID {
					splitIndex++
				}
				action = maskedAction.WithPointerIndex(splitIndex)
			}
		} else {
			// An unrelated pointer changed; this window just sees a move.
			action = event.MotionActionMove
		}
	}

	split := event.NewEntry(event.KindMotion, entry.EventTime, entry.PolicyFlags)
	split.Motion = &event.Motion{
		DeviceID:          m.DeviceID,
		Source:            m.Source,
		DisplayID:         m.DisplayID,
		Action:            action,
		Flags:             m.Flags,
		MetaState:         m.MetaState,
		ButtonState:       m.ButtonState,
		EdgeFlags:         m.EdgeFlags,
		XPrecision:        m.XPrecision,
		YPrecision:        m.YPrecision,
		DownTime:          m.DownTime,
		PointerProperties: splitProperties,
		PointerCoords:     splitCoords,
	}
	if entry.Injection != nil {
		split.Injection = entry.Injection.Acquire()
	}
	return split
}
