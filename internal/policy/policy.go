// Package policy provides the daemon's default dispatch policy: timing knobs
// sourced from the live configuration, permissive interception, and
// user-activity forwarding to the desktop session where the platform
// supports it.
package policy

import (
	"log/slog"
	"sync"
	"time"

	"inputd/internal/config"
	"inputd/internal/dispatch"
	"inputd/internal/event"
)

// Default is the stock Policy implementation. It keeps a snapshot of the
// dispatch-relevant configuration that can be swapped on hot reload.
type Default struct {
	log *slog.Logger

	mu               sync.RWMutex
	cfg              dispatch.Configuration
	keyRepeatEnabled bool

	userActivity *userActivityNotifier
}

// NewDefault builds the default policy from the daemon configuration.
func NewDefault(cfg *config.Config, log *slog.Logger) *Default {
	if log == nil {
		log = slog.Default()
	}
	p := &Default{
		log:          log.With("component", "policy"),
		userActivity: newUserActivityNotifier(log),
	}
	p.Reconfigure(cfg)
	return p
}

// Reconfigure swaps the timing snapshot; wired to the config loader's
// on-change hook.
func (p *Default) Reconfigure(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = dispatch.Configuration{
		KeyRepeatTimeout:   cfg.KeyRepeatTimeout(),
		KeyRepeatDelay:     cfg.KeyRepeatDelay(),
		MaxEventsPerSecond: cfg.MaxEventsPerSecond,
	}
	p.keyRepeatEnabled = cfg.KeyRepeatEnabled
}

// NotifyConfigurationChanged implements dispatch.Policy.
func (p *Default) NotifyConfigurationChanged(when int64) {
	p.log.Info("configuration changed", "when", when)
}

// NotifyANR implements dispatch.Policy. The stock policy logs the ANR and
// gives up on the target at once; it grants no extension.
func (p *Default) NotifyANR(app *dispatch.ApplicationHandle, window *dispatch.WindowHandle) time.Duration {
	name := "<unknown>"
	if window != nil {
		name = window.Name()
	} else if app != nil {
		name = app.Name
	}
	p.log.Warn("application is not responding", "target", name)
	return 0
}

// NotifyInputChannelBroken implements dispatch.Policy.
func (p *Default) NotifyInputChannelBroken(window *dispatch.WindowHandle) {
	name := "<monitor>"
	if window != nil {
		name = window.Name()
	}
	p.log.Warn("input channel broken", "window", name)
}

// NotifySwitch implements dispatch.Policy.
func (p *Default) NotifySwitch(when int64, switchValues, switchMask uint32, policyFlags event.PolicyFlags) {
	p.log.Debug("switch toggled",
		"values", switchValues, "mask", switchMask, "policyFlags", uint32(policyFlags))
}

// GetDispatcherConfiguration implements dispatch.Policy.
func (p *Default) GetDispatcherConfiguration() dispatch.Configuration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// IsKeyRepeatEnabled implements dispatch.Policy.
func (p *Default) IsKeyRepeatEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keyRepeatEnabled
}

// FilterInputEvent implements dispatch.Policy; the stock policy filters
// nothing.
func (p *Default) FilterInputEvent(entry *event.Entry, policyFlags event.PolicyFlags) bool {
	return true
}

// InterceptKeyBeforeQueueing implements dispatch.Policy. Everything goes to
// the user; a window-manager integration would claim global shortcuts here.
func (p *Default) InterceptKeyBeforeQueueing(key *event.Key, eventTime int64, policyFlags *event.PolicyFlags) {
	*policyFlags |= event.PolicyFlagPassToUser
}

// InterceptMotionBeforeQueueing implements dispatch.Policy.
func (p *Default) InterceptMotionBeforeQueueing(eventTime int64, policyFlags *event.PolicyFlags) {
	*policyFlags |= event.PolicyFlagPassToUser
}

// InterceptKeyBeforeDispatching implements dispatch.Policy.
func (p *Default) InterceptKeyBeforeDispatching(window *dispatch.WindowHandle, key *event.Key, policyFlags event.PolicyFlags) time.Duration {
	return 0
}

// DispatchUnhandledKey implements dispatch.Policy; the stock policy supplies
// no fallback keys.
func (p *Default) DispatchUnhandledKey(window *dispatch.WindowHandle, key *event.Key, policyFlags event.PolicyFlags) *event.Key {
	return nil
}

// PokeUserActivity implements dispatch.Policy.
func (p *Default) PokeUserActivity(eventTime int64, eventType dispatch.UserActivityType) {
	p.userActivity.poke(eventTime, eventType)
}

// CheckInjectEventsPermission implements dispatch.Policy: same-user
// injectors are trusted, everyone else is confined to their own windows.
func (p *Default) CheckInjectEventsPermission(injectorPid, injectorUid int32) bool {
	return injectorUid == currentUid()
}
