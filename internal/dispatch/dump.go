package dispatch

import (
	"fmt"
	"strings"
	"time"
)

const (
	indent  = "  "
	indent2 = "    "
	indent3 = "      "
)

// Dump renders the dispatcher state for diagnostics, including a snapshot of
// the state at the time of the last ANR.
func (d *Dispatcher) Dump() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	b.WriteString("Input Dispatcher State:\n")
	b.WriteString(d.dumpStateLocked())
	if d.lastANRState != "" {
		b.WriteString("\nInput Dispatcher State at time of last ANR:\n")
		b.WriteString(d.lastANRState)
	}
	return b.String()
}

func (d *Dispatcher) dumpStateLocked() string {
	var b strings.Builder
	currentTime := d.clock.Now()
	age := func(t int64) string {
		return fmt.Sprintf("%0.1fms", float64(currentTime-t)/1e6)
	}

	fmt.Fprintf(&b, indent+"DispatchEnabled: %v\n", d.dispatchEnabled)
	fmt.Fprintf(&b, indent+"DispatchFrozen: %v\n", d.dispatchFrozen)

	if d.focusedApplication != nil {
		fmt.Fprintf(&b, indent+"FocusedApplication: name='%s', dispatchingTimeout=%v\n",
			d.focusedApplication.Name, d.focusedApplication.EffectiveDispatchingTimeout())
	} else {
		b.WriteString(indent + "FocusedApplication: <null>\n")
	}
	if d.focusedWindow != nil {
		fmt.Fprintf(&b, indent+"FocusedWindow: name='%s'\n", d.focusedWindow.Name())
	} else {
		b.WriteString(indent + "FocusedWindow: <null>\n")
	}

	fmt.Fprintf(&b, indent+"TouchDown: %v\n", d.touchState.Down)
	fmt.Fprintf(&b, indent+"TouchSplit: %v\n", d.touchState.Split)
	fmt.Fprintf(&b, indent+"TouchDeviceId: %d\n", d.touchState.DeviceID)
	fmt.Fprintf(&b, indent+"TouchSource: 0x%08x\n", uint32(d.touchState.Source))
	fmt.Fprintf(&b, indent+"TouchDisplayId: %d\n", d.touchState.DisplayID)
	if len(d.touchState.Windows) > 0 {
		b.WriteString(indent + "TouchedWindows:\n")
		for i, touched := range d.touchState.Windows {
			fmt.Fprintf(&b, indent2+"%d: name='%s', pointerIds=0x%x, targetFlags=0x%x\n",
				i, touched.Window.Name(), uint32(touched.PointerIDs), uint32(touched.TargetFlags))
		}
	} else {
		b.WriteString(indent + "TouchedWindows: <none>\n")
	}

	if len(d.windows) > 0 {
		b.WriteString(indent + "Windows:\n")
		for i, handle := range d.windows {
			info := handle.Info()
			if info == nil {
				fmt.Fprintf(&b, indent2+"%d: <released>\n", i)
				continue
			}
			fmt.Fprintf(&b, indent2+"%d: name='%s', displayId=%d, paused=%v, hasFocus=%v, "+
				"hasWallpaper=%v, visible=%v, canReceiveKeys=%v, flags=0x%08x, type=%d, "+
				"layer=%d, frame=[%d,%d][%d,%d], scale=%f, ownerPid=%d, ownerUid=%d, "+
				"dispatchingTimeout=%v\n",
				i, info.Name, info.DisplayID, info.Paused, info.HasFocus,
				info.HasWallpaper, info.Visible, info.CanReceiveKeys,
				uint32(info.LayoutFlags), int32(info.Type), info.Layer,
				info.Frame.Left, info.Frame.Top, info.Frame.Right, info.Frame.Bottom,
				info.ScaleFactor, info.OwnerPid, info.OwnerUid,
				info.EffectiveDispatchingTimeout())
		}
	} else {
		b.WriteString(indent + "Windows: <none>\n")
	}

	if len(d.monitoringChannels) > 0 {
		b.WriteString(indent + "MonitoringChannels:\n")
		for i, channel := range d.monitoringChannels {
			fmt.Fprintf(&b, indent2+"%d: '%s'\n", i, channel.Name())
		}
	} else {
		b.WriteString(indent + "MonitoringChannels: <none>\n")
	}

	if !d.inboundQueue.Empty() {
		fmt.Fprintf(&b, indent+"InboundQueue: length=%d\n", d.inboundQueue.Count())
		for entry := d.inboundQueue.Head(); entry != nil; entry = d.inboundQueue.Next(entry) {
			fmt.Fprintf(&b, indent2+"%s, age=%s\n", entry.Kind.String(), age(entry.EventTime))
		}
	} else {
		b.WriteString(indent + "InboundQueue: <empty>\n")
	}

	if len(d.connections) > 0 {
		b.WriteString(indent + "Connections:\n")
		i := 0
		for _, conn := range d.connections {
			fmt.Fprintf(&b, indent2+"%d: channelName='%s', windowName='%s', status=%s, "+
				"monitor=%v, publisherBlocked=%v\n",
				i, conn.Name(), conn.WindowName(), conn.status.String(),
				conn.monitor, conn.publisherBlocked)
			i++

			if !conn.outboundQueue.Empty() {
				fmt.Fprintf(&b, indent3+"OutboundQueue: length=%d\n", conn.outboundQueue.Count())
			} else {
				b.WriteString(indent3 + "OutboundQueue: <empty>\n")
			}
			if !conn.waitQueue.Empty() {
				fmt.Fprintf(&b, indent3+"WaitQueue: length=%d\n", conn.waitQueue.Count())
				for e := conn.waitQueue.Head(); e != nil; e = conn.waitQueue.Next(e) {
					fmt.Fprintf(&b, indent3+indent+"seq=%d, targetFlags=0x%08x, age=%s, wait=%s\n",
						e.seq, uint32(e.targetFlags), age(e.eventEntry.EventTime),
						age(e.deliveryTime))
				}
			} else {
				b.WriteString(indent3 + "WaitQueue: <empty>\n")
			}
		}
	} else {
		b.WriteString(indent + "Connections: <none>\n")
	}

	if d.isAppSwitchPending() {
		fmt.Fprintf(&b, indent+"AppSwitch: pending, due in %v\n",
			time.Duration(d.appSwitchDueTime-currentTime))
	} else {
		b.WriteString(indent + "AppSwitch: not pending\n")
	}

	cfg := d.policy.GetDispatcherConfiguration()
	b.WriteString(indent + "Configuration:\n")
	fmt.Fprintf(&b, indent2+"KeyRepeatDelay: %v\n", cfg.KeyRepeatDelay)
	fmt.Fprintf(&b, indent2+"KeyRepeatTimeout: %v\n", cfg.KeyRepeatTimeout)
	fmt.Fprintf(&b, indent2+"MaxEventsPerSecond: %d\n", cfg.MaxEventsPerSecond)
	return b.String()
}
