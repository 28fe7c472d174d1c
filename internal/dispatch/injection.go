package dispatch

import (
	"sync"
	"time"

	"inputd/internal/event"
)

// MotionSample is one historical sample of an injected motion event; a
// chain of samples becomes a chain of inbound entries.
type MotionSample struct {
	EventTime     int64
	PointerCoords []event.PointerCoords
}

// InjectedEvent describes an event to inject on behalf of an external
// caller.
type InjectedEvent struct {
	Kind   event.Kind
	Key    *event.Key
	Motion *event.Motion

	// EventTime is the final sample's time.
	EventTime int64

	// MotionHistory holds earlier samples, oldest first.
	MotionHistory []MotionSample
}

// InjectInputEvent queues a synthetic event attributed to injectorPid/Uid
// and, depending on syncMode, waits for its outcome. The injector's
// permission decides whether the event is trusted everywhere or only in the
// injector's own windows.
func (d *Dispatcher) InjectInputEvent(ev *InjectedEvent, injectorPid, injectorUid int32,
	syncMode event.InjectionSyncMode, timeout time.Duration,
	policyFlags event.PolicyFlags) event.InjectionResult {

	endTime := d.clock.Now() + int64(timeout)

	policyFlags |= event.PolicyFlagInjected
	d.mu.Lock()
	trusted := d.hasInjectionPermission(injectorPid, injectorUid)
	d.mu.Unlock()
	if trusted {
		policyFlags |= event.PolicyFlagTrusted
	}

	var entries []*event.Entry
	switch ev.Kind {
	case event.KindKey:
		key := ev.Key
		if key == nil || !event.ValidateKeyAction(key.Action) {
			return event.InjectionFailed
		}
		if policyFlags&event.PolicyFlagFiltered == 0 {
			d.policy.InterceptKeyBeforeQueueing(key, ev.EventTime, &policyFlags)
		}
		entry := event.NewEntry(event.KindKey, ev.EventTime, policyFlags)
		keyCopy := *key
		entry.Key = &keyCopy
		entries = append(entries, entry)

	case event.KindMotion:
		m := ev.Motion
		if m == nil || !event.ValidatePointers(m.PointerProperties) ||
			len(m.PointerProperties) != len(m.PointerCoords) ||
			!event.ValidateMotionAction(m.Action, len(m.PointerProperties)) {
			return event.InjectionFailed
		}
		if policyFlags&event.PolicyFlagFiltered == 0 {
			d.policy.InterceptMotionBeforeQueueing(ev.EventTime, &policyFlags)
		}
		// Historical samples, oldest first, then the final event.
		for _, sample := range ev.MotionHistory {
			if len(sample.PointerCoords) != len(m.PointerProperties) {
				return event.InjectionFailed
			}
			entry := event.NewEntry(event.KindMotion, sample.EventTime, policyFlags)
			entry.Motion = &event.Motion{
				DeviceID:          m.DeviceID,
				Source:            m.Source,
				DisplayID:         MainDisplayID,
				Action:            m.Action,
				Flags:             m.Flags,
				MetaState:         m.MetaState,
				ButtonState:       m.ButtonState,
				EdgeFlags:         m.EdgeFlags,
				XPrecision:        m.XPrecision,
				YPrecision:        m.YPrecision,
				DownTime:          m.DownTime,
				PointerProperties: append([]event.PointerProperties(nil), m.PointerProperties...),
				PointerCoords:     append([]event.PointerCoords(nil), sample.PointerCoords...),
			}
			entries = append(entries, entry)
		}
		entry := event.NewEntry(event.KindMotion, ev.EventTime, policyFlags)
		motionCopy := *m
		motionCopy.DisplayID = MainDisplayID
		motionCopy.PointerProperties = append([]event.PointerProperties(nil), m.PointerProperties...)
		motionCopy.PointerCoords = append([]event.PointerCoords(nil), m.PointerCoords...)
		entry.Motion = &motionCopy
		entries = append(entries, entry)

	default:
		d.log.Warn("cannot inject event", "kind", ev.Kind.String())
		return event.InjectionFailed
	}

	injection := event.NewInjectionState(injectorPid, injectorUid)
	if syncMode == event.InjectionSyncNone {
		injection.Async = true
	}

	// Only the last entry carries the injection state; its resolution is
	// the injection's resolution.
	last := entries[len(entries)-1]
	last.Injection = injection.Acquire()

	d.mu.Lock()
	needWake := false
	for _, entry := range entries {
		if d.enqueueInboundEvent(entry) {
			needWake = true
		}
	}
	d.mu.Unlock()
	if needWake {
		d.looper.wake()
	}

	var injectionResult event.InjectionResult
	d.mu.Lock()
	if syncMode == event.InjectionSyncNone {
		injectionResult = event.InjectionSucceeded
	} else {
		for {
			injectionResult = injection.Result
			if injectionResult != event.InjectionPending {
				break
			}
			if !d.waitWithDeadline(d.injectionResultCond, endTime) {
				d.log.Debug("injection timed out waiting for result")
				injectionResult = event.InjectionTimedOut
				break
			}
		}

		if injectionResult == event.InjectionSucceeded &&
			syncMode == event.InjectionSyncWaitForFinished {
			for injection.PendingForegroundDispatches != 0 {
				if !d.waitWithDeadline(d.injectionSyncFinishedCond, endTime) {
					d.log.Debug("injection timed out waiting for foreground dispatches")
					injectionResult = event.InjectionTimedOut
					break
				}
			}
		}
	}
	injection.Release()
	d.mu.Unlock()

	d.metrics.InjectionFinished(injectionResult.String())
	return injectionResult
}

// waitWithDeadline waits on cond (releasing the dispatcher mutex) until it
// is broadcast or the absolute deadline passes, reporting false on timeout.
// Callers re-check their predicate in a loop; a wake near the deadline that
// changed nothing simply comes back around.
func (d *Dispatcher) waitWithDeadline(cond *sync.Cond, endTime int64) bool {
	remaining := endTime - d.clock.Now()
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(time.Duration(remaining), cond.Broadcast)
	cond.Wait()
	timer.Stop()
	return d.clock.Now() < endTime
}

// setInjectionResult resolves an injected entry's outcome and wakes any
// synchronous injector.
func (d *Dispatcher) setInjectionResult(entry *event.Entry, result event.InjectionResult) {
	injection := entry.Injection
	if injection == nil {
		return
	}
	if injection.Async && entry.PolicyFlags&event.PolicyFlagFiltered == 0 {
		// The injector is not waiting, so log the outcome instead.
		d.log.Debug("asynchronous injection finished",
			"result", result.String(),
			"injectorPid", injection.InjectorPid,
			"injectorUid", injection.InjectorUid)
	}
	injection.Result = result
	d.injectionResultCond.Broadcast()
}

func (d *Dispatcher) incrementPendingForegroundDispatches(entry *event.Entry) {
	if entry.Injection != nil {
		entry.Injection.PendingForegroundDispatches++
	}
}

func (d *Dispatcher) decrementPendingForegroundDispatches(entry *event.Entry) {
	if entry.Injection != nil {
		entry.Injection.PendingForegroundDispatches--
		if entry.Injection.PendingForegroundDispatches == 0 {
			d.injectionSyncFinishedCond.Broadcast()
		}
	}
}
