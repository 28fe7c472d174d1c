package dispatch

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inputd/internal/event"
	"inputd/internal/transport"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += int64(d)
	c.mu.Unlock()
}

// testPolicy is a scriptable Policy implementation.
type testPolicy struct {
	mu sync.Mutex

	cfg              Configuration
	keyRepeatEnabled bool

	interceptDelay  time.Duration
	anrResponse     time.Duration
	fallback        *event.Key
	injectAllowed   bool
	filterResponses []bool

	anrTargets     []string
	brokenWindows  []string
	unhandledKeys  []event.KeyCode
	configChanges  []int64
	activityPokes  int
	switchNotifies int
}

func newTestPolicy() *testPolicy {
	return &testPolicy{
		cfg: Configuration{
			KeyRepeatTimeout: 400 * time.Millisecond,
			KeyRepeatDelay:   50 * time.Millisecond,
		},
	}
}

func (p *testPolicy) NotifyConfigurationChanged(when int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configChanges = append(p.configChanges, when)
}

func (p *testPolicy) NotifyANR(app *ApplicationHandle, window *WindowHandle) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anrTargets = append(p.anrTargets, applicationWindowLabel(app, window))
	return p.anrResponse
}

func (p *testPolicy) NotifyInputChannelBroken(window *WindowHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := "<monitor>"
	if window != nil {
		name = window.Name()
	}
	p.brokenWindows = append(p.brokenWindows, name)
}

func (p *testPolicy) NotifySwitch(when int64, values, mask uint32, flags event.PolicyFlags) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.switchNotifies++
}

func (p *testPolicy) GetDispatcherConfiguration() Configuration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *testPolicy) IsKeyRepeatEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyRepeatEnabled
}

func (p *testPolicy) FilterInputEvent(entry *event.Entry, flags event.PolicyFlags) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.filterResponses) == 0 {
		return true
	}
	resp := p.filterResponses[0]
	p.filterResponses = p.filterResponses[1:]
	return resp
}

func (p *testPolicy) InterceptKeyBeforeQueueing(key *event.Key, eventTime int64, flags *event.PolicyFlags) {
	*flags |= event.PolicyFlagPassToUser
}

func (p *testPolicy) InterceptMotionBeforeQueueing(eventTime int64, flags *event.PolicyFlags) {
	*flags |= event.PolicyFlagPassToUser
}

func (p *testPolicy) InterceptKeyBeforeDispatching(window *WindowHandle, key *event.Key, flags event.PolicyFlags) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interceptDelay
}

func (p *testPolicy) DispatchUnhandledKey(window *WindowHandle, key *event.Key, flags event.PolicyFlags) *event.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhandledKeys = append(p.unhandledKeys, key.KeyCode)
	return p.fallback
}

func (p *testPolicy) PokeUserActivity(eventTime int64, eventType UserActivityType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activityPokes++
}

func (p *testPolicy) CheckInjectEventsPermission(pid, uid int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.injectAllowed
}

func (p *testPolicy) anrCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.anrTargets)
}

// testWindow bundles a window handle with both transport endpoints.
type testWindow struct {
	info   *WindowInfo
	handle *WindowHandle
	server *transport.Channel
	client *transport.Channel
}

// receive pops one delivered message, reporting false when none is pending.
func (w *testWindow) receive() (transport.Message, bool) {
	msg, err := w.client.ReceiveEvent()
	if err != nil {
		return transport.Message{}, false
	}
	return msg, true
}

func (w *testWindow) mustReceive(t *testing.T) transport.Message {
	t.Helper()
	msg, ok := w.receive()
	require.True(t, ok, "expected a delivered event on %s", w.info.Name)
	return msg
}

func (w *testWindow) requireNoEvent(t *testing.T) {
	t.Helper()
	if msg, ok := w.receive(); ok {
		t.Fatalf("unexpected event on %s: type=%d seq=%d", w.info.Name, msg.Type, msg.Seq)
	}
}

// ack acknowledges one delivery.
func (w *testWindow) ack(t *testing.T, seq uint32, handled bool) {
	t.Helper()
	require.NoError(t, w.client.SendFinishedSignal(seq, handled))
}

// drainAndAck consumes and acknowledges every pending delivery, returning
// the messages in order.
func (w *testWindow) drainAndAck(t *testing.T, handled bool) []transport.Message {
	t.Helper()
	var msgs []transport.Message
	for {
		msg, ok := w.receive()
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
		w.ack(t, msg.Seq, handled)
	}
}

// harness wires a dispatcher with a fake clock and a scriptable policy,
// driven by explicit DispatchOnce pumping rather than the loop goroutine.
type harness struct {
	t      *testing.T
	clock  *fakeClock
	policy *testPolicy
	d      *Dispatcher
}

func newHarness(t *testing.T) *harness {
	clock := &fakeClock{now: int64(time.Hour)}
	policy := newTestPolicy()
	d := New(policy, Options{
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &harness{t: t, clock: clock, policy: policy, d: d}
}

// pump runs enough loop iterations for queued events and commands to settle.
func (h *harness) pump() {
	for i := 0; i < 10; i++ {
		h.d.DispatchOnce()
	}
}

func (h *harness) newWindow(name string, frame Rect, flags LayoutFlags) *testWindow {
	h.t.Helper()
	server, client := transport.Pair(name, 32)
	w := &testWindow{
		info: &WindowInfo{
			Channel:         server,
			Name:            name,
			LayoutFlags:     flags,
			Frame:           frame,
			ScaleFactor:     1,
			TouchableRegion: Region{frame},
			Visible:         true,
			CanReceiveKeys:  true,
			OwnerPid:        100,
			OwnerUid:        1000,
		},
		server: server,
		client: client,
	}
	w.handle = NewWindowHandle(func() *WindowInfo { return w.info })
	require.NoError(h.t, h.d.RegisterInputChannel(server, w.handle, false))
	return w
}

func (h *harness) setWindows(windows ...*testWindow) {
	handles := make([]*WindowHandle, len(windows))
	for i, w := range windows {
		handles[i] = w.handle
	}
	h.d.SetInputWindows(handles)
}

func (h *harness) sendKeyAt(code event.KeyCode, action event.KeyAction, eventTime int64) {
	h.d.NotifyKey(&KeyArgs{
		EventTime: eventTime,
		DeviceID:  1,
		Source:    event.SourceKeyboard,
		Action:    action,
		KeyCode:   code,
		ScanCode:  int32(code) + 8,
		DownTime:  eventTime,
	})
}

func (h *harness) sendKey(code event.KeyCode, action event.KeyAction) {
	h.sendKeyAt(code, action, h.clock.Now())
}

type testPointer struct {
	id   int32
	x, y float32
}

func (h *harness) motionArgs(action event.MotionAction, pointers ...testPointer) *MotionArgs {
	props := make([]event.PointerProperties, len(pointers))
	coords := make([]event.PointerCoords, len(pointers))
	for i, p := range pointers {
		props[i] = event.PointerProperties{ID: p.id, ToolType: event.ToolTypeFinger}
		coords[i] = event.PointerCoords{X: p.x, Y: p.y, Pressure: 1}
	}
	return &MotionArgs{
		EventTime:         h.clock.Now(),
		DeviceID:          2,
		Source:            event.SourceTouchscreen,
		Action:            action,
		DownTime:          h.clock.Now(),
		PointerProperties: props,
		PointerCoords:     coords,
	}
}

func (h *harness) sendMotion(action event.MotionAction, pointers ...testPointer) {
	h.d.NotifyMotion(h.motionArgs(action, pointers...))
}

// inject runs an injection on a background goroutine while the caller pumps,
// returning a channel that yields the final result.
func (h *harness) inject(ev *InjectedEvent, pid, uid int32, mode event.InjectionSyncMode, timeout time.Duration) <-chan event.InjectionResult {
	resultCh := make(chan event.InjectionResult, 1)
	go func() {
		resultCh <- h.d.InjectInputEvent(ev, pid, uid, mode, timeout, 0)
	}()
	return resultCh
}

// pumpUntil drives the loop until the channel yields or attempts run out.
func pumpUntil[T any](t *testing.T, h *harness, ch <-chan T) T {
	t.Helper()
	for i := 0; i < 100; i++ {
		select {
		case v := <-ch:
			return v
		default:
			h.d.DispatchOnce()
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("injection did not complete")
	var zero T
	return zero
}
