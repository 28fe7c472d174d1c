package dispatch

import (
	"time"

	"inputd/internal/transport"
)

// DefaultDispatchingTimeout bounds how long the dispatcher waits for a window
// or application that has not declared its own timeout.
const DefaultDispatchingTimeout = 5 * time.Second

// MainDisplayID is the display whose motion events are copied to monitoring
// channels. Secondary displays are not monitored.
const MainDisplayID = 0

// LayoutFlags mirror the window manager's per-window layout parameter flags
// that affect input dispatch.
type LayoutFlags uint32

const (
	FlagNotTouchable      LayoutFlags = 1 << 0
	FlagNotFocusable      LayoutFlags = 1 << 1
	FlagNotTouchModal     LayoutFlags = 1 << 2
	FlagWatchOutsideTouch LayoutFlags = 1 << 3
	FlagSplitTouch        LayoutFlags = 1 << 4
	FlagSlippery          LayoutFlags = 1 << 5
	FlagSystemError       LayoutFlags = 1 << 6
	// FlagTouchableWhenWaking is accepted for wire compatibility but never
	// consulted: the policy does not deliver the screen-off signal that
	// would make it meaningful.
	FlagTouchableWhenWaking LayoutFlags = 1 << 7
)

// WindowType classifies a window for dispatch purposes.
type WindowType int32

const (
	TypeApplication WindowType = iota
	TypeWallpaper
	TypeSystemOverlay
)

// InputFeatures are per-window input behavior bits.
type InputFeatures uint32

const (
	InputFeatureDisableUserActivity InputFeatures = 1 << 0
)

// Rect is a window frame or touchable-region rectangle. Right and Bottom are
// exclusive.
type Rect struct {
	Left, Top, Right, Bottom int32
}

// Contains reports whether (x, y) falls inside the rectangle.
func (r Rect) Contains(x, y int32) bool {
	return x >= r.Left && x < r.Right && y >= r.Top && y < r.Bottom
}

// Region is a touchable region: a union of rectangles.
type Region []Rect

// Contains reports whether any rectangle of the region contains (x, y).
func (g Region) Contains(x, y int32) bool {
	for _, r := range g {
		if r.Contains(x, y) {
			return true
		}
	}
	return false
}

// WindowInfo is the metadata the window manager publishes for one window.
type WindowInfo struct {
	Channel *transport.Channel
	Name    string

	LayoutFlags LayoutFlags
	Type        WindowType

	// DispatchingTimeout is the window's ANR budget; zero means
	// DefaultDispatchingTimeout.
	DispatchingTimeout time.Duration

	Frame           Rect
	ScaleFactor     float32
	TouchableRegion Region

	Visible        bool
	CanReceiveKeys bool
	HasFocus       bool
	HasWallpaper   bool
	Paused         bool

	Layer     int32
	OwnerPid  int32
	OwnerUid  int32
	DisplayID int32

	InputFeatures InputFeatures

	// TrustedOverlay windows do not count as obscuring the windows below.
	TrustedOverlay bool

	App *ApplicationHandle
}

// TouchModal reports whether the window receives touches anywhere on its
// display rather than only inside its touchable region.
func (w *WindowInfo) TouchModal() bool {
	return w.LayoutFlags&(FlagNotFocusable|FlagNotTouchModal) == 0
}

// SupportsSplitTouch reports whether concurrent pointers may be split off to
// this window mid-gesture.
func (w *WindowInfo) SupportsSplitTouch() bool {
	return w.LayoutFlags&FlagSplitTouch != 0
}

// EffectiveDispatchingTimeout resolves the zero value to the default.
func (w *WindowInfo) EffectiveDispatchingTimeout() time.Duration {
	if w.DispatchingTimeout > 0 {
		return w.DispatchingTimeout
	}
	return DefaultDispatchingTimeout
}

// WindowHandle is the dispatcher's reference to a live window. Its info is
// re-queried from the owner on every setInputWindows and released early when
// the window leaves the set.
type WindowHandle struct {
	update func() *WindowInfo
	info   *WindowInfo
}

// NewWindowHandle wraps an update callback that returns the window's current
// info, or nil once the window is gone.
func NewWindowHandle(update func() *WindowInfo) *WindowHandle {
	return &WindowHandle{update: update}
}

// UpdateInfo refreshes the cached info and reports whether the window is
// still alive.
func (h *WindowHandle) UpdateInfo() bool {
	if h.update != nil {
		h.info = h.update()
	}
	return h.info != nil
}

// Info returns the last cached info, which may be nil after ReleaseInfo.
func (h *WindowHandle) Info() *WindowInfo { return h.info }

// ReleaseInfo drops the cached info so channel references are released
// promptly rather than at the handle's eventual collection.
func (h *WindowHandle) ReleaseInfo() { h.info = nil }

// Channel returns the window's input channel, or nil.
func (h *WindowHandle) Channel() *transport.Channel {
	if h.info == nil {
		return nil
	}
	return h.info.Channel
}

// Name returns the window's label for logs and dumps.
func (h *WindowHandle) Name() string {
	if h.info == nil {
		return "<released>"
	}
	return h.info.Name
}

// ApplicationHandle identifies the application the window manager considers
// focused, used for ANR attribution while its window is still coming up.
type ApplicationHandle struct {
	Name string

	// DispatchingTimeout is the application's ANR budget; zero means
	// DefaultDispatchingTimeout.
	DispatchingTimeout time.Duration
}

// EffectiveDispatchingTimeout resolves the zero value to the default.
func (a *ApplicationHandle) EffectiveDispatchingTimeout() time.Duration {
	if a.DispatchingTimeout > 0 {
		return a.DispatchingTimeout
	}
	return DefaultDispatchingTimeout
}

// applicationWindowLabel renders the "app - window" label used in ANR logs.
func applicationWindowLabel(app *ApplicationHandle, window *WindowHandle) string {
	switch {
	case app != nil && window != nil:
		return app.Name + " - " + window.Name()
	case app != nil:
		return app.Name
	case window != nil:
		return window.Name()
	default:
		return "<unknown application or window>"
	}
}
