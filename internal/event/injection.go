package event

// InjectionResult is the terminal (or pending) outcome of an injected event.
type InjectionResult int32

const (
	// InjectionPending means the outcome is not yet known.
	InjectionPending InjectionResult = -1

	InjectionSucceeded        InjectionResult = 0
	InjectionPermissionDenied InjectionResult = 1
	InjectionFailed           InjectionResult = 2
	InjectionTimedOut         InjectionResult = 3
)

// String returns the result name surfaced to injectors.
func (r InjectionResult) String() string {
	switch r {
	case InjectionPending:
		return "pending"
	case InjectionSucceeded:
		return "succeeded"
	case InjectionPermissionDenied:
		return "permission_denied"
	case InjectionFailed:
		return "failed"
	case InjectionTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// InjectionSyncMode selects how long an injector blocks.
type InjectionSyncMode int32

const (
	// InjectionSyncNone returns as soon as the event is queued.
	InjectionSyncNone InjectionSyncMode = 0

	// InjectionSyncWaitForResult blocks until the dispatcher has decided
	// whether the event will be delivered.
	InjectionSyncWaitForResult InjectionSyncMode = 1

	// InjectionSyncWaitForFinished additionally blocks until every
	// foreground delivery of the event has been acknowledged or released.
	InjectionSyncWaitForFinished InjectionSyncMode = 2
)

// InjectionState is shared by all entries produced by one injection call.
// All fields are guarded by the dispatcher mutex; the dispatcher broadcasts
// its injection condition variables when Result changes or the pending
// foreground count reaches zero.
type InjectionState struct {
	InjectorPid int32
	InjectorUid int32

	Result InjectionResult

	// Async relaxes waiting: a sync-none injection never blocks anyone.
	Async bool

	// PendingForegroundDispatches counts live dispatch entries that target
	// foreground windows for this injection.
	PendingForegroundDispatches int32

	refs int32
}

// NewInjectionState returns a pending injection owned by the caller.
func NewInjectionState(pid, uid int32) *InjectionState {
	return &InjectionState{
		InjectorPid: pid,
		InjectorUid: uid,
		Result:      InjectionPending,
		refs:        1,
	}
}

// Acquire adds a reference; each entry sharing the state holds one.
func (s *InjectionState) Acquire() *InjectionState {
	s.refs++
	return s
}

// Release drops a reference and reports whether it was the last.
func (s *InjectionState) Release() bool {
	if s.refs <= 0 {
		panic("event: release of injection state with no references")
	}
	s.refs--
	return s.refs == 0
}
