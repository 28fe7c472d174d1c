package dispatch

import (
	"inputd/internal/event"
)

// KeyArgs is the reader's description of a key transition.
type KeyArgs struct {
	EventTime   int64
	DeviceID    int32
	Source      event.Source
	PolicyFlags event.PolicyFlags
	Action      event.KeyAction
	Flags       event.KeyFlags
	KeyCode     event.KeyCode
	ScanCode    int32
	MetaState   event.MetaState
	DownTime    int64
}

// MotionArgs is the reader's description of a motion sample.
type MotionArgs struct {
	EventTime   int64
	DeviceID    int32
	Source      event.Source
	DisplayID   int32
	PolicyFlags event.PolicyFlags
	Action      event.MotionAction
	Flags       event.MotionFlags
	MetaState   event.MetaState
	ButtonState event.ButtonState
	EdgeFlags   int32
	XPrecision  float32
	YPrecision  float32
	DownTime    int64

	PointerProperties []event.PointerProperties
	PointerCoords     []event.PointerCoords
}

// SwitchArgs is the reader's description of a switch toggle.
type SwitchArgs struct {
	EventTime    int64
	PolicyFlags  event.PolicyFlags
	SwitchValues uint32
	SwitchMask   uint32
}

// DeviceResetArgs tells the dispatcher a device's state has been lost.
type DeviceResetArgs struct {
	EventTime int64
	DeviceID  int32
}

// NotifyConfigurationChanged queues a configuration-changed event.
func (d *Dispatcher) NotifyConfigurationChanged(eventTime int64) {
	entry := event.NewEntry(event.KindConfigurationChanged, eventTime, 0)

	d.mu.Lock()
	needWake := d.enqueueInboundEvent(entry)
	d.mu.Unlock()

	if needWake {
		d.looper.wake()
	}
}

// NotifyKey validates, intercepts, filters and queues a key event from the
// reader. Malformed events are rejected before they reach the queue.
func (d *Dispatcher) NotifyKey(args *KeyArgs) {
	if !event.ValidateKeyAction(args.Action) {
		d.log.Warn("dropping malformed key event", "action", int32(args.Action))
		return
	}

	policyFlags := args.PolicyFlags | event.PolicyFlagTrusted

	key := &event.Key{
		DeviceID:  args.DeviceID,
		Source:    args.Source,
		Action:    args.Action,
		Flags:     args.Flags,
		KeyCode:   args.KeyCode,
		ScanCode:  args.ScanCode,
		MetaState: args.MetaState,
		DownTime:  args.DownTime,
	}

	// The policy tags the event (PassToUser in particular) before queueing.
	d.policy.InterceptKeyBeforeQueueing(key, args.EventTime, &policyFlags)

	entry := event.NewEntry(event.KindKey, args.EventTime, policyFlags)
	entry.Key = key

	d.mu.Lock()
	if d.inputFilterEnabled {
		d.mu.Unlock()
		entry.PolicyFlags |= event.PolicyFlagFiltered
		if !d.policy.FilterInputEvent(entry, entry.PolicyFlags) {
			return // consumed by the filter
		}
		d.mu.Lock()
	}
	needWake := d.enqueueInboundEvent(entry)
	d.mu.Unlock()

	if needWake {
		d.looper.wake()
	}
}

// NotifyMotion validates, intercepts, filters and queues a motion event.
func (d *Dispatcher) NotifyMotion(args *MotionArgs) {
	if !event.ValidatePointers(args.PointerProperties) ||
		len(args.PointerProperties) != len(args.PointerCoords) ||
		!event.ValidateMotionAction(args.Action, len(args.PointerProperties)) {
		d.log.Warn("dropping malformed motion event",
			"action", int32(args.Action),
			"pointerCount", len(args.PointerProperties))
		return
	}

	policyFlags := args.PolicyFlags | event.PolicyFlagTrusted
	d.policy.InterceptMotionBeforeQueueing(args.EventTime, &policyFlags)

	entry := event.NewEntry(event.KindMotion, args.EventTime, policyFlags)
	entry.Motion = &event.Motion{
		DeviceID:          args.DeviceID,
		Source:            args.Source,
		DisplayID:         args.DisplayID,
		Action:            args.Action,
		Flags:             args.Flags,
		MetaState:         args.MetaState,
		ButtonState:       args.ButtonState,
		EdgeFlags:         args.EdgeFlags,
		XPrecision:        args.XPrecision,
		YPrecision:        args.YPrecision,
		DownTime:          args.DownTime,
		PointerProperties: append([]event.PointerProperties(nil), args.PointerProperties...),
		PointerCoords:     append([]event.PointerCoords(nil), args.PointerCoords...),
	}

	d.mu.Lock()
	if d.inputFilterEnabled && args.DisplayID == MainDisplayID {
		d.mu.Unlock()
		entry.PolicyFlags |= event.PolicyFlagFiltered
		if !d.policy.FilterInputEvent(entry, entry.PolicyFlags) {
			return // consumed by the filter
		}
		d.mu.Lock()
	}
	needWake := d.enqueueInboundEvent(entry)
	d.mu.Unlock()

	if needWake {
		d.looper.wake()
	}
}

// NotifySwitch forwards a switch toggle synchronously to the policy; switch
// events never enter the inbound queue.
func (d *Dispatcher) NotifySwitch(args *SwitchArgs) {
	policyFlags := args.PolicyFlags | event.PolicyFlagTrusted
	d.policy.NotifySwitch(args.EventTime, args.SwitchValues, args.SwitchMask, policyFlags)
}

// NotifyDeviceReset queues a device reset; when it reaches the head of the
// queue every connection's state for that device is cancelled.
func (d *Dispatcher) NotifyDeviceReset(args *DeviceResetArgs) {
	entry := event.NewEntry(event.KindDeviceReset, args.EventTime, 0)
	entry.DeviceReset = &event.DeviceReset{DeviceID: args.DeviceID}

	d.mu.Lock()
	needWake := d.enqueueInboundEvent(entry)
	d.mu.Unlock()

	if needWake {
		d.looper.wake()
	}
}
