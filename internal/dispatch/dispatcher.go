// Package dispatch implements the input dispatcher core: a single-threaded
// cooperative event loop that takes the totally-ordered stream of events
// produced by the reader and delivers each one to exactly the right set of
// per-window consumers, enforcing focus, touch tracking, ANR timeouts,
// admission control, and consistency against window layout changes.
//
// All dispatcher state, including every connection and its queues, is
// guarded by one mutex. External calls mutate state under that mutex and
// wake the loop; the loop's only blocking point is its poll. Policy calls
// that may block or re-enter the dispatcher are deferred through the command
// queue and run with the lock released; the few quick queries listed on
// Policy are made with the lock held.
package dispatch

import (
	"log/slog"
	"math"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"inputd/internal/event"
	"inputd/internal/metrics"
	"inputd/internal/transport"
)

// Timing constants of the dispatch state machine.
const (
	// appSwitchTimeout is how long pending events may delay an app-switch
	// key before they are dropped wholesale.
	appSwitchTimeout = 500 * time.Millisecond

	// staleEventTimeout is the maximum inbound age before an event is
	// dropped unseen.
	staleEventTimeout = 10 * time.Second

	// streamAheadEventTimeout bounds how far motion delivery may run ahead
	// of a consumer's acknowledgements.
	streamAheadEventTimeout = 500 * time.Millisecond

	// slowEventProcessingWarningTimeout is the consumer processing duration
	// beyond which a warning is logged.
	slowEventProcessingWarningTimeout = 2 * time.Second
)

const (
	noDeadline      int64 = math.MaxInt64
	wakeImmediately int64 = math.MinInt64
)

// Clock abstracts monotonic now() so the timing machinery is testable.
type Clock interface {
	Now() int64
}

type systemClock struct{}

func (systemClock) Now() int64 { return time.Now().UnixNano() }

// SystemClock returns the wall clock used by default.
func SystemClock() Clock { return systemClock{} }

type dropReason int

const (
	dropReasonNotDropped dropReason = iota
	dropReasonPolicy
	dropReasonAppSwitch
	dropReasonDisabled
	dropReasonBlocked
	dropReasonStale
	dropReasonThrottle
)

func (r dropReason) String() string {
	switch r {
	case dropReasonPolicy:
		return "policy"
	case dropReasonAppSwitch:
		return "app switch"
	case dropReasonDisabled:
		return "disabled"
	case dropReasonBlocked:
		return "blocked"
	case dropReasonStale:
		return "stale"
	case dropReasonThrottle:
		return "throttled"
	default:
		return "not dropped"
	}
}

type targetWaitCause int

const (
	targetWaitNone targetWaitCause = iota
	targetWaitSystemNotReady
	targetWaitApplicationNotReady
)

type keyRepeatState struct {
	// lastKeyEntry is the most recently delivered trusted key down, or nil.
	lastKeyEntry   *event.Entry
	nextRepeatTime int64
}

type throttleKey struct {
	deviceID int32
	source   event.Source
}

// Options configure a Dispatcher beyond its policy.
type Options struct {
	// Clock overrides the time source; nil means the system clock.
	Clock Clock

	// Logger receives structured dispatch logs; nil means slog.Default.
	Logger *slog.Logger

	// Metrics receives dispatcher counters; nil disables metric updates.
	Metrics *metrics.DispatcherMetrics
}

// Dispatcher is the input dispatcher. Create one with New, drive it with
// Start/Stop or by calling DispatchOnce from a dedicated loop.
type Dispatcher struct {
	policy  Policy
	clock   Clock
	log     *slog.Logger
	metrics *metrics.DispatcherMetrics

	mu     sync.Mutex
	looper *looper

	aliveCond                 *sync.Cond
	injectionResultCond       *sync.Cond
	injectionSyncFinishedCond *sync.Cond

	pendingEvent *event.Entry
	inboundQueue event.Queue[event.Entry]
	commandQueue []func()

	appSwitchSawKeyDown bool
	appSwitchDueTime    int64

	nextUnblockedEvent *event.Entry

	dispatchEnabled    bool
	dispatchFrozen     bool
	inputFilterEnabled bool

	connections        map[*transport.Channel]*Connection
	readyConnections   []*Connection
	monitoringChannels []*transport.Channel

	windows            []*WindowHandle
	focusedWindow      *WindowHandle
	focusedApplication *ApplicationHandle
	lastHoverWindow    *WindowHandle

	touchState     TouchState
	tempTouchState TouchState

	targetWaitCause          targetWaitCause
	targetWaitStartTime      int64
	targetWaitTimeoutTime    int64
	targetWaitTimeoutExpired bool
	targetWaitApplication    *ApplicationHandle

	keyRepeat keyRepeatState

	throttle *catrate.Limiter

	nextSeq uint32

	lastANRState string

	stopped bool
}

// New creates a dispatcher around the given policy.
func New(policy Policy, opts Options) *Dispatcher {
	d := &Dispatcher{
		policy:           policy,
		clock:            opts.Clock,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		looper:           newLooper(),
		appSwitchDueTime: noDeadline,
		dispatchEnabled:  true,
		connections:      make(map[*transport.Channel]*Connection),
		inboundQueue:     event.NewEntryQueue(),
	}
	if d.clock == nil {
		d.clock = systemClock{}
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "dispatcher")
	d.aliveCond = sync.NewCond(&d.mu)
	d.injectionResultCond = sync.NewCond(&d.mu)
	d.injectionSyncFinishedCond = sync.NewCond(&d.mu)
	d.touchState.reset()
	d.tempTouchState.reset()

	cfg := policy.GetDispatcherConfiguration()
	if cfg.MaxEventsPerSecond > 0 {
		d.throttle = catrate.NewLimiter(map[time.Duration]int{
			time.Second: cfg.MaxEventsPerSecond,
		})
	}
	return d
}

// Start runs the dispatch loop on its own goroutine until Stop.
func (d *Dispatcher) Start() {
	go d.loop()
}

// Stop shuts the loop down, drains the inbound queue and unregisters every
// connection.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.resetKeyRepeat()
	d.releasePendingEvent()
	d.drainInboundQueue()
	channels := make([]*transport.Channel, 0, len(d.connections))
	for ch := range d.connections {
		channels = append(channels, ch)
	}
	d.mu.Unlock()
	for _, ch := range channels {
		_ = d.UnregisterInputChannel(ch)
	}
	d.looper.wake()
}

func (d *Dispatcher) loop() {
	for {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}
		nextWakeupTime := d.DispatchOnce()
		d.looper.pollOnce(pollTimeout(d.clock.Now(), nextWakeupTime))
	}
}

// pollTimeout converts an absolute wakeup time to a poll duration; a
// negative duration means wait indefinitely.
func pollTimeout(currentTime, nextWakeupTime int64) time.Duration {
	if nextWakeupTime == noDeadline {
		return -1
	}
	if nextWakeupTime <= currentTime {
		return 0
	}
	return time.Duration(nextWakeupTime - currentTime)
}

// DispatchOnce runs one loop iteration and returns the absolute time of the
// next deadline, or noDeadline semantics via math.MaxInt64.
func (d *Dispatcher) DispatchOnce() int64 {
	nextWakeupTime := noDeadline

	d.mu.Lock()
	d.aliveCond.Broadcast()

	// Drain finished signals that arrived since the last iteration. This
	// posts dispatch-cycle-finished commands.
	d.drainReadyConnections()

	// Run a dispatch cycle only when there are no pending commands; the
	// cycle may itself enqueue commands to run afterwards.
	if len(d.commandQueue) == 0 {
		d.dispatchOnceInner(&nextWakeupTime)
	}

	// Run all pending commands. If any ran, force the next poll to wake
	// immediately.
	if d.runCommands() {
		nextWakeupTime = wakeImmediately
	}
	d.mu.Unlock()

	return nextWakeupTime
}

func (d *Dispatcher) dispatchOnceInner(nextWakeupTime *int64) {
	currentTime := d.clock.Now()

	// Reset the key repeat timer whenever key events are disallowed, even
	// if the next event is not a key, so a repeat does not survive sleep.
	if !d.policy.IsKeyRepeatEnabled() {
		d.resetKeyRepeat()
	}

	// If dispatching is frozen, do not process timeouts or deliver events.
	if d.dispatchFrozen {
		return
	}

	// An app-switch key (HOME / ENDCALL) that has gone unanswered too long
	// preempts dispatch: everything ahead of it is dropped.
	isAppSwitchDue := d.appSwitchDueTime <= currentTime
	if d.appSwitchDueTime < *nextWakeupTime {
		*nextWakeupTime = d.appSwitchDueTime
	}

	if d.pendingEvent == nil {
		if d.inboundQueue.Empty() {
			if isAppSwitchDue {
				// The app switch key we were waiting for will never
				// arrive, so stop waiting for it.
				d.resetPendingAppSwitch(false)
				isAppSwitchDue = false
			}

			if d.keyRepeat.lastKeyEntry != nil {
				if currentTime >= d.keyRepeat.nextRepeatTime {
					d.pendingEvent = d.synthesizeKeyRepeat(currentTime)
				} else if d.keyRepeat.nextRepeatTime < *nextWakeupTime {
					*nextWakeupTime = d.keyRepeat.nextRepeatTime
				}
			}

			if d.pendingEvent == nil {
				return
			}
		} else {
			d.pendingEvent = d.inboundQueue.DequeueAtHead()
		}

		if d.pendingEvent.PolicyFlags&event.PolicyFlagPassToUser != 0 {
			d.pokeUserActivity(d.pendingEvent)
		}

		d.resetANRTimeouts()
	}

	done := false
	reason := dropReasonNotDropped
	if d.pendingEvent.PolicyFlags&event.PolicyFlagPassToUser == 0 {
		reason = dropReasonPolicy
	} else if !d.dispatchEnabled {
		reason = dropReasonDisabled
	}

	if d.nextUnblockedEvent == d.pendingEvent {
		d.nextUnblockedEvent = nil
	}

	switch d.pendingEvent.Kind {
	case event.KindConfigurationChanged:
		done = d.dispatchConfigurationChanged(currentTime, d.pendingEvent)
		reason = dropReasonNotDropped // configuration changes are never dropped

	case event.KindDeviceReset:
		done = d.dispatchDeviceReset(currentTime, d.pendingEvent)
		reason = dropReasonNotDropped // device resets are never dropped

	case event.KindKey:
		if isAppSwitchDue {
			if isAppSwitchKeyEvent(d.pendingEvent) {
				d.resetPendingAppSwitch(true)
				isAppSwitchDue = false
			} else if reason == dropReasonNotDropped {
				reason = dropReasonAppSwitch
			}
		}
		if reason == dropReasonNotDropped && d.isStaleEvent(currentTime, d.pendingEvent) {
			reason = dropReasonStale
		}
		if reason == dropReasonNotDropped && d.nextUnblockedEvent != nil {
			reason = dropReasonBlocked
		}
		done = d.dispatchKey(currentTime, d.pendingEvent, &reason, nextWakeupTime)

	case event.KindMotion:
		if reason == dropReasonNotDropped && isAppSwitchDue {
			reason = dropReasonAppSwitch
		}
		if reason == dropReasonNotDropped && d.isStaleEvent(currentTime, d.pendingEvent) {
			reason = dropReasonStale
		}
		if reason == dropReasonNotDropped && d.nextUnblockedEvent != nil &&
			d.pendingEvent.Motion.Source.IsPointer() {
			reason = dropReasonBlocked
		}
		if reason == dropReasonNotDropped && !d.throttleMotion(currentTime, d.pendingEvent, &reason, nextWakeupTime) {
			return // deferred by the throttle; the event stays pending
		}
		done = d.dispatchMotion(currentTime, d.pendingEvent, &reason, nextWakeupTime)
	}

	if done {
		if reason != dropReasonNotDropped {
			d.dropInboundEvent(d.pendingEvent, reason)
		}
		d.releasePendingEvent()
		*nextWakeupTime = wakeImmediately
	}
}

// throttleMotion rate-limits consecutive move samples per (device, source)
// stream. It reports false when the pending event must be deferred; a newer
// sample already queued for the same stream supersedes the deferred one by
// converting the deferral into a drop.
func (d *Dispatcher) throttleMotion(currentTime int64, entry *event.Entry, reason *dropReason, nextWakeupTime *int64) bool {
	if d.throttle == nil || entry.Injection != nil {
		return true
	}
	m := entry.Motion
	masked := m.Action.Masked()
	if masked != event.MotionActionMove && masked != event.MotionActionHoverMove {
		return true
	}
	next, ok := d.throttle.Allow(throttleKey{deviceID: m.DeviceID, source: m.Source})
	if ok {
		return true
	}
	if head := d.inboundQueue.Head(); head != nil && head.Kind == event.KindMotion {
		n := head.Motion
		if n.DeviceID == m.DeviceID && n.Source == m.Source &&
			n.DisplayID == m.DisplayID && n.Action.Masked() == masked {
			// A newer sample for the same stream is already waiting; let it
			// replace the deferred one.
			*reason = dropReasonThrottle
			return true
		}
	}
	if t := next.UnixNano(); t < *nextWakeupTime {
		*nextWakeupTime = t
	}
	return false
}

func (d *Dispatcher) enqueueInboundEvent(entry *event.Entry) (needWake bool) {
	needWake = d.inboundQueue.Empty()
	d.inboundQueue.EnqueueAtTail(entry)
	d.metrics.EventEnqueued(entry.Kind.String())

	switch entry.Kind {
	case event.KindKey:
		// Optimize app switch latency: if the application takes too long to
		// catch up then all events preceding the app switch key are dropped.
		if isAppSwitchKeyEvent(entry) {
			key := entry.Key
			if key.Action == event.KeyActionDown {
				d.appSwitchSawKeyDown = true
			} else if key.Action == event.KeyActionUp && d.appSwitchSawKeyDown {
				d.appSwitchDueTime = entry.EventTime + int64(appSwitchTimeout)
				d.appSwitchSawKeyDown = false
				needWake = true
			}
		}

	case event.KindMotion:
		// If the user touches a window belonging to a different application
		// than the one the dispatcher is stuck waiting on, flag the event
		// and start pruning the queue ahead of it.
		m := entry.Motion
		if m.Action.Masked() == event.MotionActionDown && m.Source.IsPointer() &&
			d.targetWaitCause == targetWaitApplicationNotReady &&
			d.targetWaitApplication != nil {
			x := int32(m.PointerCoords[0].X)
			y := int32(m.PointerCoords[0].Y)
			touched := d.findTouchedWindowAt(m.DisplayID, x, y)
			if touched != nil {
				info := touched.Info()
				if info == nil || info.App != d.targetWaitApplication {
					d.nextUnblockedEvent = entry
					needWake = true
				}
			}
		}
	}
	return needWake
}

func (d *Dispatcher) dropInboundEvent(entry *event.Entry, reason dropReason) {
	d.log.Info("dropping inbound event",
		"reason", reason.String(),
		"kind", entry.Kind.String())
	d.metrics.EventDropped(reason.String())

	why := "inbound event was dropped: " + reason.String()
	switch entry.Kind {
	case event.KindKey:
		options := CancelationOptions{Mode: CancelNonPointerEvents, Reason: why}
		d.synthesizeCancelationEventsForAllConnections(&options)
	case event.KindMotion:
		if reason == dropReasonThrottle {
			// A coalesced move needs no cancellation; the stream continues.
			return
		}
		mode := CancelNonPointerEvents
		if entry.Motion.Source.IsPointer() {
			mode = CancelPointerEvents
		}
		options := CancelationOptions{Mode: mode, Reason: why}
		d.synthesizeCancelationEventsForAllConnections(&options)
	}
}

func isAppSwitchKeyEvent(entry *event.Entry) bool {
	key := entry.Key
	return key.Flags&event.KeyFlagCanceled == 0 &&
		key.KeyCode.IsAppSwitch() &&
		entry.PolicyFlags&event.PolicyFlagTrusted != 0 &&
		entry.PolicyFlags&event.PolicyFlagPassToUser != 0
}

func (d *Dispatcher) isAppSwitchPending() bool {
	return d.appSwitchDueTime != noDeadline
}

func (d *Dispatcher) resetPendingAppSwitch(handled bool) {
	d.appSwitchDueTime = noDeadline
	if handled {
		d.log.Debug("app switch has arrived")
	} else {
		d.log.Debug("app switch was abandoned")
	}
}

func (d *Dispatcher) isStaleEvent(currentTime int64, entry *event.Entry) bool {
	return currentTime-entry.EventTime >= int64(staleEventTimeout)
}

// --- command queue ---

func (d *Dispatcher) postCommand(fn func()) {
	d.commandQueue = append(d.commandQueue, fn)
}

// runCommands executes queued commands one at a time with the dispatcher
// lock released around each, and reports whether any ran. Command bodies
// reacquire the lock themselves for any state they touch, and must re-check
// that state: the world may have changed while the lock was dropped.
func (d *Dispatcher) runCommands() bool {
	if len(d.commandQueue) == 0 {
		return false
	}
	for len(d.commandQueue) > 0 {
		fn := d.commandQueue[0]
		d.commandQueue = d.commandQueue[1:]
		d.mu.Unlock()
		fn()
		d.mu.Lock()
	}
	return true
}

// --- inbound lifecycle ---

func (d *Dispatcher) drainInboundQueue() {
	for !d.inboundQueue.Empty() {
		d.releaseInboundEvent(d.inboundQueue.DequeueAtHead())
	}
}

func (d *Dispatcher) releasePendingEvent() {
	if d.pendingEvent != nil {
		d.resetANRTimeouts()
		d.releaseInboundEvent(d.pendingEvent)
		d.pendingEvent = nil
	}
}

func (d *Dispatcher) releaseInboundEvent(entry *event.Entry) {
	if entry.Injection != nil && entry.Injection.Result == event.InjectionPending {
		d.log.Debug("injected inbound event was dropped")
		d.setInjectionResult(entry, event.InjectionFailed)
	}
	if entry == d.nextUnblockedEvent {
		d.nextUnblockedEvent = nil
	}
	d.releaseEventEntry(entry)
}

// releaseEventEntry drops one reference, releasing the injection state with
// the final one.
func (d *Dispatcher) releaseEventEntry(entry *event.Entry) {
	if entry.Release() {
		if entry.Injection != nil {
			entry.Injection.Release()
			entry.Injection = nil
		}
	}
}

// --- key repeat ---

func (d *Dispatcher) resetKeyRepeat() {
	if d.keyRepeat.lastKeyEntry != nil {
		d.releaseEventEntry(d.keyRepeat.lastKeyEntry)
		d.keyRepeat.lastKeyEntry = nil
	}
}

func (d *Dispatcher) synthesizeKeyRepeat(currentTime int64) *event.Entry {
	last := d.keyRepeat.lastKeyEntry
	lastKey := last.Key

	policyFlags := (last.PolicyFlags & (event.PolicyFlagWake | event.PolicyFlagVirtual)) |
		event.PolicyFlagTrusted | event.PolicyFlagPassToUser

	entry := event.NewEntry(event.KindKey, currentTime, policyFlags)
	entry.Key = &event.Key{
		DeviceID:        lastKey.DeviceID,
		Source:          lastKey.Source,
		Action:          lastKey.Action,
		Flags:           lastKey.Flags,
		KeyCode:         lastKey.KeyCode,
		ScanCode:        lastKey.ScanCode,
		MetaState:       lastKey.MetaState,
		RepeatCount:     lastKey.RepeatCount + 1,
		DownTime:        lastKey.DownTime,
		SyntheticRepeat: true,
	}

	d.keyRepeat.lastKeyEntry = entry.Acquire()
	d.releaseEventEntry(last)

	cfg := d.policy.GetDispatcherConfiguration()
	d.keyRepeat.nextRepeatTime = currentTime + int64(cfg.KeyRepeatDelay)
	return entry
}

// --- variant dispatch ---

func (d *Dispatcher) dispatchConfigurationChanged(currentTime int64, entry *event.Entry) bool {
	// Reset key repeating in case a keyboard device was added or removed.
	d.resetKeyRepeat()

	when := entry.EventTime
	d.postCommand(func() {
		d.policy.NotifyConfigurationChanged(when)
	})
	return true
}

func (d *Dispatcher) dispatchDeviceReset(currentTime int64, entry *event.Entry) bool {
	options := CancelationOptions{
		Mode:        CancelAllEvents,
		Reason:      "device was reset",
		DeviceID:    entry.DeviceReset.DeviceID,
		HasDeviceID: true,
	}
	d.synthesizeCancelationEventsForAllConnections(&options)
	return true
}

func (d *Dispatcher) dispatchKey(currentTime int64, entry *event.Entry, reason *dropReason, nextWakeupTime *int64) bool {
	key := entry.Key

	// Preprocessing on first sight: key-repeat bookkeeping and flags.
	if !entry.DispatchInProgress {
		if key.RepeatCount == 0 && key.Action == event.KeyActionDown &&
			entry.PolicyFlags&event.PolicyFlagTrusted != 0 &&
			entry.PolicyFlags&event.PolicyFlagDisableKeyRepeat == 0 {
			if d.keyRepeat.lastKeyEntry != nil &&
				d.keyRepeat.lastKeyEntry.Key.KeyCode == key.KeyCode {
				// Two identical downs in a row: the device driver repeats
				// on its own, so take note and stop synthesizing.
				key.RepeatCount = d.keyRepeat.lastKeyEntry.Key.RepeatCount + 1
				d.resetKeyRepeat()
				d.keyRepeat.nextRepeatTime = noDeadline
			} else {
				d.resetKeyRepeat()
				cfg := d.policy.GetDispatcherConfiguration()
				d.keyRepeat.nextRepeatTime = entry.EventTime + int64(cfg.KeyRepeatTimeout)
			}
			d.keyRepeat.lastKeyEntry = entry.Acquire()
		} else if !key.SyntheticRepeat {
			d.resetKeyRepeat()
		}

		if key.RepeatCount == 1 {
			key.Flags |= event.KeyFlagLongPress
		} else {
			key.Flags &^= event.KeyFlagLongPress
		}

		entry.DispatchInProgress = true
	}

	// The policy previously asked to retry later.
	if key.InterceptResult == event.InterceptTryAgainLater {
		if currentTime < key.InterceptWakeupTime {
			if key.InterceptWakeupTime < *nextWakeupTime {
				*nextWakeupTime = key.InterceptWakeupTime
			}
			return false // wait until the next wakeup
		}
		key.InterceptResult = event.InterceptUnknown
		key.InterceptWakeupTime = 0
	}

	// Give the policy a chance to intercept the key.
	if key.InterceptResult == event.InterceptUnknown {
		if entry.PolicyFlags&event.PolicyFlagPassToUser != 0 {
			d.postInterceptKeyBeforeDispatching(entry)
			return false // wait for the command to run
		}
		key.InterceptResult = event.InterceptContinue
	} else if key.InterceptResult == event.InterceptSkip {
		if *reason == dropReasonNotDropped {
			*reason = dropReasonPolicy
		}
	}

	// Clean up if dropping the event.
	if *reason != dropReasonNotDropped {
		result := event.InjectionFailed
		if *reason == dropReasonPolicy {
			result = event.InjectionSucceeded
		}
		d.setInjectionResult(entry, result)
		return true
	}

	// Identify targets.
	var targets []Target
	injectionResult := d.findFocusedWindowTargets(currentTime, entry, &targets, nextWakeupTime)
	if injectionResult == event.InjectionPending {
		return false
	}
	d.setInjectionResult(entry, injectionResult)
	if injectionResult != event.InjectionSucceeded {
		return true
	}

	d.addMonitoringTargets(&targets)
	d.dispatchEventToTargets(currentTime, entry, targets)
	return true
}

func (d *Dispatcher) postInterceptKeyBeforeDispatching(entry *event.Entry) {
	window := d.focusedWindow
	keyCopy := *entry.Key
	policyFlags := entry.PolicyFlags
	entry.Acquire()
	d.postCommand(func() {
		delay := d.policy.InterceptKeyBeforeDispatching(window, &keyCopy, policyFlags)

		d.mu.Lock()
		key := entry.Key
		switch {
		case delay < 0:
			key.InterceptResult = event.InterceptSkip
		case delay == 0:
			key.InterceptResult = event.InterceptContinue
		default:
			key.InterceptResult = event.InterceptTryAgainLater
			key.InterceptWakeupTime = d.clock.Now() + int64(delay)
		}
		d.releaseEventEntry(entry)
		d.mu.Unlock()
	})
}

func (d *Dispatcher) dispatchMotion(currentTime int64, entry *event.Entry, reason *dropReason, nextWakeupTime *int64) bool {
	if !entry.DispatchInProgress {
		entry.DispatchInProgress = true
	}

	if *reason != dropReasonNotDropped {
		result := event.InjectionFailed
		if *reason == dropReasonPolicy {
			result = event.InjectionSucceeded
		}
		d.setInjectionResult(entry, result)
		return true
	}

	isPointerEvent := entry.Motion.Source.IsPointer()

	var targets []Target
	conflictingPointerActions := false
	var injectionResult event.InjectionResult
	if isPointerEvent {
		injectionResult = d.findTouchedWindowTargets(currentTime, entry, &targets,
			nextWakeupTime, &conflictingPointerActions)
	} else {
		injectionResult = d.findFocusedWindowTargets(currentTime, entry, &targets, nextWakeupTime)
	}
	if injectionResult == event.InjectionPending {
		return false
	}
	d.setInjectionResult(entry, injectionResult)
	if injectionResult != event.InjectionSucceeded {
		return true
	}

	// Monitoring channels receive main-display motion only.
	if entry.Motion.DisplayID == MainDisplayID {
		d.addMonitoringTargets(&targets)
	}

	if conflictingPointerActions {
		options := CancelationOptions{
			Mode:   CancelPointerEvents,
			Reason: "conflicting pointer actions",
		}
		d.synthesizeCancelationEventsForAllConnections(&options)
	}
	d.dispatchEventToTargets(currentTime, entry, targets)
	return true
}

func (d *Dispatcher) dispatchEventToTargets(currentTime int64, entry *event.Entry, targets []Target) {
	for i := range targets {
		target := &targets[i]
		conn, ok := d.connections[target.Channel]
		if !ok {
			d.log.Debug("dropping delivery to unregistered channel",
				"channel", target.Channel.Name())
			continue
		}
		d.prepareDispatchCycle(currentTime, conn, entry, target)
	}
}

func (d *Dispatcher) pokeUserActivity(entry *event.Entry) {
	if d.focusedWindow != nil {
		if info := d.focusedWindow.Info(); info != nil &&
			info.InputFeatures&InputFeatureDisableUserActivity != 0 {
			return
		}
	}

	eventType := UserActivityOther
	switch entry.Kind {
	case event.KindMotion:
		m := entry.Motion
		if m.Action.Masked() == event.MotionActionCancel {
			return
		}
		if m.Source.IsPointer() && !m.Action.IsHover() {
			eventType = UserActivityTouch
		}
	case event.KindKey:
		if entry.Key.Flags&event.KeyFlagCanceled != 0 {
			return
		}
		eventType = UserActivityButton
	}

	eventTime := entry.EventTime
	d.postCommand(func() {
		d.policy.PokeUserActivity(eventTime, eventType)
	})
}

// --- ANR wait state ---

func (d *Dispatcher) handleTargetsNotReady(currentTime int64, entry *event.Entry,
	app *ApplicationHandle, window *WindowHandle, nextWakeupTime *int64, reason string) event.InjectionResult {

	if app == nil && window == nil {
		if d.targetWaitCause != targetWaitSystemNotReady {
			d.log.Debug("waiting for system to become ready for input", "reason", reason)
			d.targetWaitCause = targetWaitSystemNotReady
			d.targetWaitStartTime = currentTime
			d.targetWaitTimeoutTime = noDeadline
			d.targetWaitTimeoutExpired = false
			d.targetWaitApplication = nil
		}
	} else {
		if d.targetWaitCause != targetWaitApplicationNotReady {
			d.log.Debug("waiting for application to become ready for input",
				"target", applicationWindowLabel(app, window), "reason", reason)
			var timeout time.Duration
			switch {
			case window != nil && window.Info() != nil:
				timeout = window.Info().EffectiveDispatchingTimeout()
			case app != nil:
				timeout = app.EffectiveDispatchingTimeout()
			default:
				timeout = DefaultDispatchingTimeout
			}
			d.targetWaitCause = targetWaitApplicationNotReady
			d.targetWaitStartTime = currentTime
			d.targetWaitTimeoutTime = currentTime + int64(timeout)
			d.targetWaitTimeoutExpired = false
			d.targetWaitApplication = nil
			if window != nil {
				if info := window.Info(); info != nil {
					d.targetWaitApplication = info.App
				}
			}
			if d.targetWaitApplication == nil {
				d.targetWaitApplication = app
			}
		}
	}

	if d.targetWaitTimeoutExpired {
		return event.InjectionTimedOut
	}

	if currentTime >= d.targetWaitTimeoutTime {
		d.onANR(currentTime, app, window, entry.EventTime, d.targetWaitStartTime, reason)
		// Force the poll loop to wake immediately so the ANR response from
		// the policy is seen as soon as it lands.
		*nextWakeupTime = wakeImmediately
		return event.InjectionPending
	}
	if d.targetWaitTimeoutTime < *nextWakeupTime {
		*nextWakeupTime = d.targetWaitTimeoutTime
	}
	return event.InjectionPending
}

func (d *Dispatcher) resumeAfterTargetsNotReadyTimeout(newTimeout time.Duration, channel *transport.Channel) {
	if newTimeout > 0 {
		d.targetWaitTimeoutTime = d.clock.Now() + int64(newTimeout)
		return
	}

	// Give up on the target.
	d.targetWaitTimeoutExpired = true

	// The remote's input state will not be realistic; bring it back to
	// neutral.
	if channel == nil {
		return
	}
	conn, ok := d.connections[channel]
	if !ok {
		return
	}
	if conn.window != nil {
		d.touchState.removeWindow(conn.window)
	}
	if conn.status == ConnectionNormal {
		options := CancelationOptions{
			Mode:   CancelAllEvents,
			Reason: "application not responding",
		}
		d.synthesizeCancelationEventsForConnection(conn, &options)
	}
}

func (d *Dispatcher) timeSpentWaitingForApplication(currentTime int64) int64 {
	if d.targetWaitCause == targetWaitApplicationNotReady {
		return currentTime - d.targetWaitStartTime
	}
	return 0
}

func (d *Dispatcher) resetANRTimeouts() {
	d.targetWaitCause = targetWaitNone
	d.targetWaitApplication = nil
}

func (d *Dispatcher) onANR(currentTime int64, app *ApplicationHandle, window *WindowHandle,
	eventTime, waitStartTime int64, reason string) {

	dispatchLatency := time.Duration(currentTime - eventTime)
	waitDuration := time.Duration(currentTime - waitStartTime)
	d.log.Warn("application is not responding",
		"target", applicationWindowLabel(app, window),
		"dispatchLatency", dispatchLatency,
		"waitDuration", waitDuration,
		"reason", reason)
	d.metrics.ANRRaised()

	// Capture the dispatcher state at the time of the ANR for dumps.
	d.lastANRState = d.dumpStateLocked()

	var channel *transport.Channel
	if window != nil {
		channel = window.Channel()
	}
	d.postCommand(func() {
		newTimeout := d.policy.NotifyANR(app, window)

		d.mu.Lock()
		d.resumeAfterTargetsNotReadyTimeout(newTimeout, channel)
		d.mu.Unlock()
	})
}

// --- reset ---

// resetAndDropEverything cancels all in-flight state: every connection is
// brought to neutral, the inbound queue is drained, and touch, hover and
// key-repeat state is forgotten.
func (d *Dispatcher) resetAndDropEverything(reason string) {
	options := CancelationOptions{Mode: CancelAllEvents, Reason: reason}
	d.synthesizeCancelationEventsForAllConnections(&options)

	d.resetKeyRepeat()
	d.releasePendingEvent()
	d.drainInboundQueue()
	d.resetANRTimeouts()

	d.touchState.reset()
	d.lastHoverWindow = nil
}

// Monitor blocks until the dispatch loop completes one iteration, proving
// that it is alive and not deadlocked.
func (d *Dispatcher) Monitor() {
	d.mu.Lock()
	d.looper.wake()
	d.aliveCond.Wait()
	d.mu.Unlock()
}
