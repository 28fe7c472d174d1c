package dispatch

import (
	"time"

	"inputd/internal/event"
)

// UserActivityType classifies a user-activity poke.
type UserActivityType int32

const (
	UserActivityOther UserActivityType = iota
	UserActivityButton
	UserActivityTouch
)

// Configuration is the tunable dispatch timing the policy supplies.
type Configuration struct {
	// KeyRepeatTimeout is the delay before the first synthesized repeat.
	KeyRepeatTimeout time.Duration

	// KeyRepeatDelay is the interval between subsequent repeats.
	KeyRepeatDelay time.Duration

	// MaxEventsPerSecond throttles consecutive motion samples from one
	// device. Zero or negative disables throttling.
	MaxEventsPerSecond int
}

// DefaultConfiguration matches the historical platform defaults.
func DefaultConfiguration() Configuration {
	return Configuration{
		KeyRepeatTimeout:   500 * time.Millisecond,
		KeyRepeatDelay:     50 * time.Millisecond,
		MaxEventsPerSecond: 90,
	}
}

// Policy is the plug-in the dispatcher consults for everything that is not
// pure event plumbing: ANR handling, key interception, fallback keys, user
// activity, and injection permission.
//
// Unless noted otherwise, methods are invoked from the dispatch thread with
// the dispatcher lock released (via the command queue) and may block or call
// back into the dispatcher. The exceptions are GetDispatcherConfiguration,
// IsKeyRepeatEnabled and CheckInjectEventsPermission, which are called with
// the lock held and must return quickly without re-entering the dispatcher,
// and InterceptKeyBeforeQueueing / InterceptMotionBeforeQueueing /
// FilterInputEvent / NotifySwitch, which run synchronously on the caller's
// thread before the event is enqueued.
type Policy interface {
	// NotifyConfigurationChanged tells the policy a configuration-changed
	// event reached the head of the queue.
	NotifyConfigurationChanged(when int64)

	// NotifyANR reports that the application/window pair has exceeded its
	// dispatching timeout. The returned duration extends the wait; zero or
	// negative gives up on the target.
	NotifyANR(app *ApplicationHandle, window *WindowHandle) time.Duration

	// NotifyInputChannelBroken reports an unrecoverable consumer failure.
	NotifyInputChannelBroken(window *WindowHandle)

	// NotifySwitch forwards switch toggles; these bypass the inbound queue.
	NotifySwitch(when int64, switchValues, switchMask uint32, policyFlags event.PolicyFlags)

	// GetDispatcherConfiguration returns the current timing knobs. Called
	// with the dispatcher lock held; must not re-enter the dispatcher.
	GetDispatcherConfiguration() Configuration

	// IsKeyRepeatEnabled gates synthesized key repeats. Called with the
	// dispatcher lock held; must not re-enter the dispatcher.
	IsKeyRepeatEnabled() bool

	// FilterInputEvent runs when input filtering is enabled, before the
	// event is enqueued. Returning false consumes the event.
	FilterInputEvent(entry *event.Entry, policyFlags event.PolicyFlags) bool

	// InterceptKeyBeforeQueueing lets the policy adjust policy flags
	// (PassToUser in particular) as the key arrives from the reader.
	InterceptKeyBeforeQueueing(key *event.Key, eventTime int64, policyFlags *event.PolicyFlags)

	// InterceptMotionBeforeQueueing is the motion counterpart.
	InterceptMotionBeforeQueueing(eventTime int64, policyFlags *event.PolicyFlags)

	// InterceptKeyBeforeDispatching runs ahead of delivering a key to the
	// focused window. Zero proceeds, a positive duration retries after the
	// delay, a negative duration drops the key.
	InterceptKeyBeforeDispatching(window *WindowHandle, key *event.Key, policyFlags event.PolicyFlags) time.Duration

	// DispatchUnhandledKey reports a key the foreground window did not
	// handle. A non-nil result is the fallback key to dispatch instead.
	DispatchUnhandledKey(window *WindowHandle, key *event.Key, policyFlags event.PolicyFlags) *event.Key

	// PokeUserActivity reports input-driven user activity.
	PokeUserActivity(eventTime int64, eventType UserActivityType)

	// CheckInjectEventsPermission decides whether the injector may target
	// arbitrary windows. Called with the dispatcher lock held; must not
	// re-enter the dispatcher.
	CheckInjectEventsPermission(injectorPid, injectorUid int32) bool
}
