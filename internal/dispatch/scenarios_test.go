package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputd/internal/event"
	"inputd/internal/transport"
)

func focusedWindow(h *harness, name string) *testWindow {
	w := h.newWindow(name, Rect{0, 0, 1000, 1000}, 0)
	w.info.HasFocus = true
	h.setWindows(w)
	return w
}

func TestKeyDeliveredToFocusedWindow(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	h.sendKey(event.KeycodeA, event.KeyActionDown)
	h.pump()

	msg := w.mustReceive(t)
	assert.Equal(t, transport.MessageTypeKey, msg.Type)
	assert.Equal(t, event.KeyActionDown, msg.KeyAction)
	assert.Equal(t, event.KeycodeA, msg.KeyCode)
	assert.NotZero(t, msg.Seq)
	w.ack(t, msg.Seq, true)
	h.pump()

	h.sendKey(event.KeycodeA, event.KeyActionUp)
	h.pump()
	msg = w.mustReceive(t)
	assert.Equal(t, event.KeyActionUp, msg.KeyAction)
}

func TestKeyDroppedWithoutFocus(t *testing.T) {
	h := newHarness(t)
	w := h.newWindow("app", Rect{0, 0, 100, 100}, 0)
	h.setWindows(w) // no focus, no focused application

	h.sendKey(event.KeycodeA, event.KeyActionDown)
	h.pump()
	w.requireNoEvent(t)
}

func TestMalformedMotionRejected(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	args := h.motionArgs(event.MotionActionDown, testPointer{id: 0, x: 5, y: 5})
	args.PointerProperties[0].ID = event.MaxPointerID + 5
	h.d.NotifyMotion(args)

	// Pointer-up with an out-of-range index.
	args = h.motionArgs(event.MotionActionPointerUp.WithPointerIndex(3),
		testPointer{id: 0, x: 5, y: 5})
	h.d.NotifyMotion(args)

	h.pump()
	w.requireNoEvent(t)
}

// S1: split touch across overlapping windows.
func TestSplitTouchAcrossWindows(t *testing.T) {
	h := newHarness(t)
	a := h.newWindow("A", Rect{0, 0, 100, 100}, FlagSplitTouch|FlagNotTouchModal)
	b := h.newWindow("B", Rect{50, 0, 150, 100}, FlagSplitTouch|FlagNotTouchModal)
	h.setWindows(a, b)

	h.sendMotion(event.MotionActionDown, testPointer{id: 7, x: 25, y: 50})
	h.pump()

	msg := a.mustReceive(t)
	assert.Equal(t, event.MotionActionDown, msg.MotionAction)
	require.Len(t, msg.PointerProperties, 1)
	assert.Equal(t, int32(7), msg.PointerProperties[0].ID)
	b.requireNoEvent(t)

	h.sendMotion(event.MotionActionPointerDown.WithPointerIndex(1),
		testPointer{id: 7, x: 25, y: 50}, testPointer{id: 3, x: 120, y: 50})
	h.pump()

	// B sees its pointer arrive as a fresh DOWN with translated coords.
	bMsg := b.mustReceive(t)
	assert.Equal(t, event.MotionActionDown, bMsg.MotionAction)
	require.Len(t, bMsg.PointerProperties, 1)
	assert.Equal(t, int32(3), bMsg.PointerProperties[0].ID)
	assert.Equal(t, float32(120-50), bMsg.PointerCoords[0].X)

	// A sees only an unrelated-pointer MOVE for its own subset.
	aMsg := a.mustReceive(t)
	assert.Equal(t, event.MotionActionMove, aMsg.MotionAction)
	require.Len(t, aMsg.PointerProperties, 1)
	assert.Equal(t, int32(7), aMsg.PointerProperties[0].ID)
}

// S2: slippery exit hands the gesture to the window under the pointer.
func TestSlipperyExitTransfersGesture(t *testing.T) {
	h := newHarness(t)
	a := h.newWindow("A", Rect{0, 0, 100, 100}, FlagSlippery|FlagNotTouchModal)
	b := h.newWindow("B", Rect{100, 0, 200, 100}, FlagNotTouchModal)
	h.setWindows(a, b)

	h.sendMotion(event.MotionActionDown, testPointer{id: 0, x: 50, y: 50})
	h.pump()
	msg := a.mustReceive(t)
	assert.Equal(t, event.MotionActionDown, msg.MotionAction)

	h.sendMotion(event.MotionActionMove, testPointer{id: 0, x: 150, y: 50})
	h.pump()

	msg = a.mustReceive(t)
	assert.Equal(t, event.MotionActionCancel, msg.MotionAction, "old window gets a cancel")
	a.requireNoEvent(t)

	msg = b.mustReceive(t)
	assert.Equal(t, event.MotionActionDown, msg.MotionAction, "new window gets a down")
	assert.Equal(t, float32(50), msg.PointerCoords[0].X, "coords translated into B's frame")

	// The gesture now belongs to B.
	h.sendMotion(event.MotionActionMove, testPointer{id: 0, x: 160, y: 50})
	h.pump()
	msg = b.mustReceive(t)
	assert.Equal(t, event.MotionActionMove, msg.MotionAction)
	a.requireNoEvent(t)
}

// S3: an unresponsive window draws exactly one ANR; when the policy gives
// up, the waiter times out and the channel is brought back to neutral.
func TestANRTimeoutAndGiveUp(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "slow")

	// First key is delivered but never acknowledged.
	h.sendKey(event.KeycodeA, event.KeyActionDown)
	h.pump()
	first := w.mustReceive(t)
	assert.Equal(t, event.KeyActionDown, first.KeyAction)

	// Second key must wait for the first and eventually ANRs. Injected so
	// the injection result is observable.
	resultCh := h.inject(&InjectedEvent{
		Kind:      event.KindKey,
		EventTime: h.clock.Now(),
		Key: &event.Key{
			DeviceID: 1,
			Source:   event.SourceKeyboard,
			Action:   event.KeyActionDown,
			KeyCode:  event.KeycodeB,
			DownTime: h.clock.Now(),
		},
	}, 0, 0, event.InjectionSyncWaitForResult, time.Minute)

	// Wait until the key is parked behind the unresponsive window so the
	// ANR deadline is armed.
	require.Eventually(t, func() bool {
		h.d.DispatchOnce()
		h.d.mu.Lock()
		armed := h.d.targetWaitCause == targetWaitApplicationNotReady
		h.d.mu.Unlock()
		return armed
	}, time.Second, time.Millisecond)
	require.Zero(t, h.policy.anrCount(), "no ANR before the timeout")

	h.clock.Advance(DefaultDispatchingTimeout + time.Millisecond)
	result := pumpUntil(t, h, resultCh)

	assert.Equal(t, event.InjectionTimedOut, result)
	assert.Equal(t, 1, h.policy.anrCount(), "exactly one ANR notification")

	// Giving up synthesizes a canceled key-up for the undelivered state.
	cancel := w.mustReceive(t)
	assert.Equal(t, event.KeyActionUp, cancel.KeyAction)
	assert.NotZero(t, cancel.KeyFlags&event.KeyFlagCanceled)
}

// S4: key repeats synthesize on schedule; the first repeat is a long press.
func TestKeyRepeatSynthesis(t *testing.T) {
	h := newHarness(t)
	h.policy.keyRepeatEnabled = true
	w := focusedWindow(h, "app")

	h.sendKeyAt(event.KeycodeA, event.KeyActionDown, h.clock.Now())
	h.pump()
	msg := w.mustReceive(t)
	assert.Equal(t, int32(0), msg.RepeatCount)
	w.ack(t, msg.Seq, true)
	h.pump()

	// Before the repeat timeout nothing fires.
	h.clock.Advance(399 * time.Millisecond)
	h.pump()
	w.requireNoEvent(t)

	h.clock.Advance(2 * time.Millisecond)
	h.pump()
	msg = w.mustReceive(t)
	assert.Equal(t, int32(1), msg.RepeatCount)
	assert.NotZero(t, msg.KeyFlags&event.KeyFlagLongPress, "first repeat is a long press")
	w.ack(t, msg.Seq, true)
	h.pump()

	h.clock.Advance(51 * time.Millisecond)
	h.pump()
	msg = w.mustReceive(t)
	assert.Equal(t, int32(2), msg.RepeatCount)
	assert.Zero(t, msg.KeyFlags&event.KeyFlagLongPress)
	w.ack(t, msg.Seq, true)

	// The up ends the repeats.
	h.pump()
	h.sendKey(event.KeycodeA, event.KeyActionUp)
	h.pump()
	msg = w.mustReceive(t)
	assert.Equal(t, event.KeyActionUp, msg.KeyAction)
	w.ack(t, msg.Seq, true)
	h.clock.Advance(time.Second)
	h.pump()
	w.requireNoEvent(t)
}

// S5: an overdue app switch preempts everything queued ahead of it.
func TestAppSwitchPreemption(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	// Deliver one key that is never acknowledged so the next one parks.
	h.sendKeyAt(event.KeycodeA, event.KeyActionDown, h.clock.Now())
	h.pump()
	stuck := w.mustReceive(t)
	assert.Equal(t, event.KeycodeA, stuck.KeyCode)

	h.sendKeyAt(event.KeycodeB, event.KeyActionDown, h.clock.Now())
	h.pump() // parks behind the unacknowledged key

	// HOME down+up arms the app-switch deadline...
	home := h.clock.Now()
	h.sendKeyAt(event.KeycodeHome, event.KeyActionDown, home)
	h.sendKeyAt(event.KeycodeHome, event.KeyActionUp, home+int64(time.Millisecond))
	// ...followed by a burst of motion events.
	for i := 0; i < 10; i++ {
		h.sendMotion(event.MotionActionMove, testPointer{id: 0, x: float32(i), y: 0})
	}

	h.clock.Advance(502 * time.Millisecond)
	h.pump()

	// The app catches up: acknowledge the stuck key, then drain whatever
	// the preemption left behind.
	w.ack(t, stuck.Seq, true)
	var msgs []transport.Message
	for i := 0; i < 5; i++ {
		h.pump()
		msgs = append(msgs, w.drainAndAck(t, true)...)
	}

	var sawHomeDown, sawHomeUp, sawB, sawMotion bool
	for _, msg := range msgs {
		switch {
		case msg.Type == transport.MessageTypeMotion:
			sawMotion = true
		case msg.KeyCode == event.KeycodeHome && msg.KeyAction == event.KeyActionDown:
			sawHomeDown = true
		case msg.KeyCode == event.KeycodeHome && msg.KeyAction == event.KeyActionUp:
			sawHomeUp = true
		case msg.KeyCode == event.KeycodeB:
			sawB = true
		}
	}
	assert.True(t, sawHomeDown, "home down must be dispatched")
	assert.True(t, sawHomeUp, "home up must be dispatched")
	assert.False(t, sawB, "the slow key is dropped by the app switch")
	assert.False(t, sawMotion, "moves queued behind the app-switch key have no gesture down and are dropped")
}

// S6: a delivery the connection state cannot reconcile is discarded before
// it is published.
func TestInconsistentMotionUpDiscarded(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")
	conn := h.d.connections[w.server]
	require.NotNil(t, conn)

	up := event.NewEntry(event.KindMotion, h.clock.Now(), event.PolicyFlagTrusted|event.PolicyFlagPassToUser)
	up.Motion = &event.Motion{
		DeviceID:          2,
		Source:            event.SourceTouchscreen,
		Action:            event.MotionActionUp,
		DownTime:          h.clock.Now(),
		PointerProperties: []event.PointerProperties{{ID: 0}},
		PointerCoords:     []event.PointerCoords{{X: 5, Y: 5}},
	}
	target := &Target{Channel: w.server, Flags: TargetFlagForeground | TargetFlagDispatchAsIs, ScaleFactor: 1}

	h.d.enqueueDispatchEntries(h.clock.Now(), conn, up, target)

	assert.True(t, conn.outboundQueue.Empty(), "inconsistent delivery never enqueues")
	w.requireNoEvent(t)

	// And end to end: an up with no tracked gesture is dropped quietly.
	h.sendMotion(event.MotionActionUp, testPointer{id: 0, x: 5, y: 5})
	h.pump()
	w.requireNoEvent(t)
}

func TestSequenceNumbersUniqueAndOrdered(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	codes := []event.KeyCode{event.KeycodeA, event.KeycodeB, event.KeycodeSpace}
	seen := make(map[uint32]bool)
	var lastSeq uint32
	for _, code := range codes {
		h.sendKey(code, event.KeyActionDown)
		h.pump()
		msg := w.mustReceive(t)
		assert.Equal(t, code, msg.KeyCode, "per-connection FIFO order")
		require.NotZero(t, msg.Seq, "sequence zero is reserved")
		require.False(t, seen[msg.Seq], "sequence numbers are unique")
		require.Greater(t, msg.Seq, lastSeq)
		seen[msg.Seq] = true
		lastSeq = msg.Seq
		w.ack(t, msg.Seq, true)
		h.pump()
	}
}

func TestFocusChangeCancelsHeldKeys(t *testing.T) {
	h := newHarness(t)
	a := h.newWindow("A", Rect{0, 0, 100, 100}, 0)
	b := h.newWindow("B", Rect{100, 0, 200, 100}, 0)
	a.info.HasFocus = true
	h.setWindows(a, b)

	h.sendKey(event.KeycodeA, event.KeyActionDown)
	h.pump()
	msg := a.mustReceive(t)
	a.ack(t, msg.Seq, true)
	h.pump()

	a.info.HasFocus = false
	b.info.HasFocus = true
	h.setWindows(a, b)
	h.pump()

	cancel := a.mustReceive(t)
	assert.Equal(t, event.KeyActionUp, cancel.KeyAction)
	assert.NotZero(t, cancel.KeyFlags&event.KeyFlagCanceled)
	b.requireNoEvent(t)

	// Keys now go to B.
	h.sendKey(event.KeycodeB, event.KeyActionDown)
	h.pump()
	msg = b.mustReceive(t)
	assert.Equal(t, event.KeycodeB, msg.KeyCode)
}

func TestRemovedTouchedWindowGetsPointerCancel(t *testing.T) {
	h := newHarness(t)
	a := h.newWindow("A", Rect{0, 0, 100, 100}, FlagNotTouchModal)
	b := h.newWindow("B", Rect{100, 0, 200, 100}, FlagNotTouchModal)
	h.setWindows(a, b)

	h.sendMotion(event.MotionActionDown, testPointer{id: 0, x: 50, y: 50})
	h.pump()
	msg := a.mustReceive(t)
	a.ack(t, msg.Seq, true)
	h.pump()

	h.setWindows(b)
	h.pump()

	cancel := a.mustReceive(t)
	assert.Equal(t, event.MotionActionCancel, cancel.MotionAction)
}

func TestDeviceResetCancelsOnlyThatDevice(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	h.sendKey(event.KeycodeA, event.KeyActionDown) // device 1
	h.pump()
	msg := w.mustReceive(t)
	w.ack(t, msg.Seq, true)
	h.pump()

	h.d.NotifyDeviceReset(&DeviceResetArgs{EventTime: h.clock.Now(), DeviceID: 99})
	h.pump()
	w.requireNoEvent(t)

	h.d.NotifyDeviceReset(&DeviceResetArgs{EventTime: h.clock.Now(), DeviceID: 1})
	h.pump()
	cancel := w.mustReceive(t)
	assert.Equal(t, event.KeyActionUp, cancel.KeyAction)
	assert.NotZero(t, cancel.KeyFlags&event.KeyFlagCanceled)
}

func TestMonitorChannelSeesMainDisplayOnly(t *testing.T) {
	h := newHarness(t)
	server, client := transport.Pair("monitor", 32)
	require.NoError(t, h.d.RegisterInputChannel(server, nil, true))
	monitor := &testWindow{info: &WindowInfo{Name: "monitor"}, server: server, client: client}

	a := h.newWindow("A", Rect{0, 0, 100, 100}, FlagNotTouchModal)
	secondary := h.newWindow("S", Rect{0, 0, 100, 100}, FlagNotTouchModal)
	secondary.info.DisplayID = 1
	h.setWindows(a, secondary)

	// Main-display touch is copied to the monitor.
	h.sendMotion(event.MotionActionDown, testPointer{id: 0, x: 10, y: 10})
	h.pump()
	_ = a.mustReceive(t)
	msg := monitor.mustReceive(t)
	assert.Equal(t, event.MotionActionDown, msg.MotionAction)
	monitor.ack(t, msg.Seq, true)
	h.sendMotion(event.MotionActionUp, testPointer{id: 0, x: 10, y: 10})
	h.pump()
	_ = a.mustReceive(t)
	msg = monitor.mustReceive(t)
	monitor.ack(t, msg.Seq, true)
	h.pump()

	// Secondary-display touch is not.
	args := h.motionArgs(event.MotionActionDown, testPointer{id: 0, x: 10, y: 10})
	args.DisplayID = 1
	h.d.NotifyMotion(args)
	h.pump()
	_ = secondary.mustReceive(t)
	monitor.requireNoEvent(t)
}

func TestObscuredWindowFlagged(t *testing.T) {
	h := newHarness(t)
	// An untouchable overlay covering the top-left corner.
	overlay := h.newWindow("overlay", Rect{0, 0, 50, 50}, FlagNotTouchable|FlagNotTouchModal)
	app := h.newWindow("app", Rect{0, 0, 100, 100}, FlagNotTouchModal)
	h.setWindows(overlay, app)

	h.sendMotion(event.MotionActionDown, testPointer{id: 0, x: 25, y: 25})
	h.pump()

	msg := app.mustReceive(t)
	assert.NotZero(t, msg.MotionFlags&event.MotionFlagWindowIsObscured)

	app.ack(t, msg.Seq, true)
	h.sendMotion(event.MotionActionUp, testPointer{id: 0, x: 25, y: 25})
	h.pump()
	_ = app.mustReceive(t)

	// A touch outside the overlay's frame is not obscured.
	h.pump()
	h.sendMotion(event.MotionActionDown, testPointer{id: 0, x: 75, y: 75})
	h.pump()
	msg = app.mustReceive(t)
	assert.Zero(t, msg.MotionFlags&event.MotionFlagWindowIsObscured)
}

func TestWatchOutsideTouchGetsOutsideWithZeroCoords(t *testing.T) {
	h := newHarness(t)
	watcher := h.newWindow("watcher", Rect{200, 200, 300, 300},
		FlagWatchOutsideTouch|FlagNotTouchModal)
	watcher.info.OwnerUid = 2000 // different uid than the foreground window
	app := h.newWindow("app", Rect{0, 0, 100, 100}, FlagNotTouchModal)
	h.setWindows(watcher, app)

	h.sendMotion(event.MotionActionDown, testPointer{id: 0, x: 25, y: 25})
	h.pump()

	_ = app.mustReceive(t)
	msg := watcher.mustReceive(t)
	assert.Equal(t, event.MotionActionOutside, msg.MotionAction)
	assert.Zero(t, msg.PointerCoords[0].X, "foreign-uid outside watchers get no coordinates")
	assert.Zero(t, msg.PointerCoords[0].Y)

	// The watcher is one-shot; moves do not reach it.
	h.sendMotion(event.MotionActionMove, testPointer{id: 0, x: 30, y: 30})
	h.pump()
	watcher.requireNoEvent(t)
}

func TestHoverTransitions(t *testing.T) {
	h := newHarness(t)
	a := h.newWindow("A", Rect{0, 0, 100, 100}, FlagNotTouchModal)
	b := h.newWindow("B", Rect{100, 0, 200, 100}, FlagNotTouchModal)
	h.setWindows(a, b)

	hover := func(x, y float32) {
		args := h.motionArgs(event.MotionActionHoverMove, testPointer{id: 0, x: x, y: y})
		args.Source = event.SourceMouse
		h.d.NotifyMotion(args)
	}

	hover(25, 50)
	h.pump()
	msg := a.mustReceive(t)
	assert.Equal(t, event.MotionActionHoverEnter, msg.MotionAction,
		"first hover sample fills in the missing enter")
	msg = a.mustReceive(t)
	assert.Equal(t, event.MotionActionHoverMove, msg.MotionAction)

	hover(150, 50)
	h.pump()
	msg = a.mustReceive(t)
	assert.Equal(t, event.MotionActionHoverExit, msg.MotionAction)
	msg = b.mustReceive(t)
	assert.Equal(t, event.MotionActionHoverEnter, msg.MotionAction)
	msg = b.mustReceive(t)
	assert.Equal(t, event.MotionActionHoverMove, msg.MotionAction)
}

func TestTransferTouchFocus(t *testing.T) {
	h := newHarness(t)
	a := h.newWindow("A", Rect{0, 0, 100, 100}, FlagNotTouchModal)
	b := h.newWindow("B", Rect{0, 0, 100, 100}, FlagNotTouchable|FlagNotTouchModal)
	h.setWindows(a, b)

	h.sendMotion(event.MotionActionDown, testPointer{id: 0, x: 50, y: 50})
	h.pump()
	msg := a.mustReceive(t)
	a.ack(t, msg.Seq, true)
	h.pump()

	require.True(t, h.d.TransferTouchFocus(a.server, b.server))
	h.pump()

	cancel := a.mustReceive(t)
	assert.Equal(t, event.MotionActionCancel, cancel.MotionAction)

	// The rest of the gesture flows to B.
	h.sendMotion(event.MotionActionMove, testPointer{id: 0, x: 60, y: 50})
	h.pump()
	msg = b.mustReceive(t)
	assert.Equal(t, event.MotionActionMove, msg.MotionAction)
	a.requireNoEvent(t)
}

func TestTransferTouchFocusWithoutGesture(t *testing.T) {
	h := newHarness(t)
	a := h.newWindow("A", Rect{0, 0, 100, 100}, FlagNotTouchModal)
	b := h.newWindow("B", Rect{100, 0, 200, 100}, FlagNotTouchModal)
	h.setWindows(a, b)

	assert.False(t, h.d.TransferTouchFocus(a.server, b.server),
		"transfer fails when the source does not own a touch")
}

func TestFrozenDispatchHoldsEvents(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	h.d.SetInputDispatchMode(true, true)
	h.sendKey(event.KeycodeA, event.KeyActionDown)
	h.pump()
	w.requireNoEvent(t)

	h.d.SetInputDispatchMode(true, false)
	h.pump()
	msg := w.mustReceive(t)
	assert.Equal(t, event.KeycodeA, msg.KeyCode, "thawing releases held events")
}

func TestDisabledDispatchDropsAndCancels(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	h.sendKey(event.KeycodeA, event.KeyActionDown)
	h.pump()
	msg := w.mustReceive(t)
	w.ack(t, msg.Seq, true)
	h.pump()

	h.d.SetInputDispatchMode(false, false)
	h.pump()
	cancel := w.mustReceive(t)
	assert.Equal(t, event.KeyActionUp, cancel.KeyAction)
	assert.NotZero(t, cancel.KeyFlags&event.KeyFlagCanceled)
	w.ack(t, cancel.Seq, true)

	h.sendKey(event.KeycodeB, event.KeyActionDown)
	h.pump()
	w.requireNoEvent(t)
}

func TestStaleEventDropped(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	eventTime := h.clock.Now()
	h.clock.Advance(11 * time.Second)
	h.sendKeyAt(event.KeycodeA, event.KeyActionDown, eventTime)
	h.pump()
	w.requireNoEvent(t)
}

func TestInjectionPermissionDenied(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app") // owner uid 1000

	resultCh := h.inject(&InjectedEvent{
		Kind:      event.KindMotion,
		EventTime: h.clock.Now(),
		Motion: &event.Motion{
			DeviceID:          2,
			Source:            event.SourceTouchscreen,
			Action:            event.MotionActionDown,
			DownTime:          h.clock.Now(),
			PointerProperties: []event.PointerProperties{{ID: 0}},
			PointerCoords:     []event.PointerCoords{{X: 10, Y: 10, Pressure: 1}},
		},
	}, 1234, 42, event.InjectionSyncWaitForResult, time.Minute)

	result := pumpUntil(t, h, resultCh)
	assert.Equal(t, event.InjectionPermissionDenied, result)
	w.requireNoEvent(t)
	assert.False(t, h.d.touchState.Down, "denied injection must not update touch state")
}

func TestInjectionIntoOwnWindowAllowed(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app") // owner uid 1000

	resultCh := h.inject(&InjectedEvent{
		Kind:      event.KindKey,
		EventTime: h.clock.Now(),
		Key: &event.Key{
			DeviceID: 1,
			Source:   event.SourceKeyboard,
			Action:   event.KeyActionDown,
			KeyCode:  event.KeycodeA,
			DownTime: h.clock.Now(),
		},
	}, 1234, 1000, event.InjectionSyncWaitForResult, time.Minute)

	result := pumpUntil(t, h, resultCh)
	assert.Equal(t, event.InjectionSucceeded, result)
	msg := w.mustReceive(t)
	assert.Equal(t, event.KeycodeA, msg.KeyCode)
}

func TestInjectionSyncNoneReturnsImmediately(t *testing.T) {
	h := newHarness(t)
	focusedWindow(h, "app")

	result := h.d.InjectInputEvent(&InjectedEvent{
		Kind:      event.KindKey,
		EventTime: h.clock.Now(),
		Key: &event.Key{
			DeviceID: 1,
			Source:   event.SourceKeyboard,
			Action:   event.KeyActionDown,
			KeyCode:  event.KeycodeA,
			DownTime: h.clock.Now(),
		},
	}, 0, 0, event.InjectionSyncNone, time.Second, 0)
	assert.Equal(t, event.InjectionSucceeded, result)
}

func TestInjectionWaitForFinished(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	resultCh := h.inject(&InjectedEvent{
		Kind:      event.KindKey,
		EventTime: h.clock.Now(),
		Key: &event.Key{
			DeviceID: 1,
			Source:   event.SourceKeyboard,
			Action:   event.KeyActionDown,
			KeyCode:  event.KeycodeA,
			DownTime: h.clock.Now(),
		},
	}, 0, 0, event.InjectionSyncWaitForFinished, time.Minute)

	// Deliver, then acknowledge; only the ack releases the waiter.
	var acked bool
	for i := 0; i < 100; i++ {
		select {
		case result := <-resultCh:
			require.True(t, acked, "wait-for-finished must not return before the ack")
			assert.Equal(t, event.InjectionSucceeded, result)
			return
		default:
		}
		if msg, ok := w.receive(); ok {
			w.ack(t, msg.Seq, true)
			acked = true
		}
		h.d.DispatchOnce()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("injection never finished")
}

func TestConfigurationChangedNotifiesPolicy(t *testing.T) {
	h := newHarness(t)
	h.d.NotifyConfigurationChanged(12345)
	h.pump()

	h.policy.mu.Lock()
	defer h.policy.mu.Unlock()
	require.Len(t, h.policy.configChanges, 1)
	assert.Equal(t, int64(12345), h.policy.configChanges[0])
}

func TestInputFilterConsumesEvents(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")
	h.d.SetInputFilterEnabled(true)
	h.pump()

	h.policy.mu.Lock()
	h.policy.filterResponses = []bool{false, true}
	h.policy.mu.Unlock()

	h.sendKey(event.KeycodeA, event.KeyActionDown) // consumed by the filter
	h.pump()
	w.requireNoEvent(t)

	h.sendKey(event.KeycodeB, event.KeyActionDown) // passed through
	h.pump()
	msg := w.mustReceive(t)
	assert.Equal(t, event.KeycodeB, msg.KeyCode)
}

func TestUnregisterDrainsConnection(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	h.sendKey(event.KeycodeA, event.KeyActionDown)
	h.pump()
	_ = w.mustReceive(t)

	require.NoError(t, h.d.UnregisterInputChannel(w.server))
	assert.ErrorIs(t, h.d.UnregisterInputChannel(w.server), ErrChannelUnknown)

	// Further keys have nowhere to go; the dispatcher must not wedge.
	h.sendKey(event.KeycodeA, event.KeyActionUp)
	h.pump()
}

func TestDeadConsumerRemovesConnection(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	h.sendKey(event.KeycodeA, event.KeyActionDown)
	h.pump()
	_ = w.mustReceive(t)

	w.client.Close()
	h.pump()

	h.d.mu.Lock()
	_, registered := h.d.connections[w.server]
	h.d.mu.Unlock()
	assert.False(t, registered, "a dead consumer's connection is removed")
}

func TestBrokenPublishNotifiesPolicy(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")

	h.d.mu.Lock()
	conn := h.d.connections[w.server]
	h.d.abortBrokenDispatchCycle(h.clock.Now(), conn, true)
	h.d.mu.Unlock()
	h.pump()

	assert.Equal(t, ConnectionBroken, conn.status)
	h.policy.mu.Lock()
	broken := len(h.policy.brokenWindows)
	h.policy.mu.Unlock()
	assert.Equal(t, 1, broken, "policy is told about the broken channel")
}

func TestFallbackKeyRedispatch(t *testing.T) {
	h := newHarness(t)
	w := focusedWindow(h, "app")
	h.policy.mu.Lock()
	h.policy.fallback = &event.Key{
		DeviceID: 1,
		Source:   event.SourceKeyboard,
		Action:   event.KeyActionDown,
		KeyCode:  event.KeycodeEnter,
	}
	h.policy.mu.Unlock()

	h.sendKey(event.KeycodeSpace, event.KeyActionDown)
	h.pump()
	msg := w.mustReceive(t)
	assert.Equal(t, event.KeycodeSpace, msg.KeyCode)

	// The app does not handle it; the policy substitutes a fallback key
	// and the same entry is re-dispatched.
	w.ack(t, msg.Seq, false)
	h.pump()

	msg = w.mustReceive(t)
	assert.Equal(t, event.KeycodeEnter, msg.KeyCode)
	assert.NotZero(t, msg.KeyFlags&event.KeyFlagFallback)

	h.policy.mu.Lock()
	asked := len(h.policy.unhandledKeys)
	h.policy.mu.Unlock()
	assert.Equal(t, 1, asked)
}
