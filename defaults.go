package shedlock

import "time"

// DefaultLockAtMostFor is used when neither the request nor the executor
// defaults specify how long a lock may be held.
const DefaultLockAtMostFor = 30 * time.Minute

// LockRequest is what a scheduling layer hands over for one run of a task.
// Unset durations fall back to the executor Defaults.
type LockRequest struct {
	// Name is the unique name of the lock
	Name string
	// LockAtMostFor specifies how long the lock should be kept in case the
	// executing node dies. Zero means unset.
	LockAtMostFor time.Duration
	// LockAtLeastFor specifies minimum amount of time for which the lock
	// should be kept. Nil means unset; Duration(0) asks for no minimum hold
	// even when the defaults have one.
	LockAtLeastFor *time.Duration
}

// Duration returns a pointer to d, for LockRequest.LockAtLeastFor.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// Defaults holds the process-wide lock durations.
type Defaults struct {
	LockAtMostFor  time.Duration
	LockAtLeastFor time.Duration
}

// DefaultDefaults returns 30 minutes at most and no minimum hold.
func DefaultDefaults() Defaults {
	return Defaults{LockAtMostFor: DefaultLockAtMostFor}
}

// Configuration turns a request into an absolute LockConfiguration relative to now.
func (d Defaults) Configuration(req LockRequest, now time.Time) (LockConfiguration, error) {
	if req.LockAtMostFor < 0 {
		return LockConfiguration{}, invalidConfiguration("lockAtMostFor cannot be negative for lock %q", req.Name)
	}
	if req.LockAtLeastFor != nil && *req.LockAtLeastFor < 0 {
		return LockConfiguration{}, invalidConfiguration("lockAtLeastFor cannot be negative for lock %q", req.Name)
	}

	atMost := req.LockAtMostFor
	if atMost == 0 {
		atMost = d.LockAtMostFor
	}
	if atMost <= 0 {
		atMost = DefaultLockAtMostFor
	}
	var atLeast time.Duration
	switch {
	case req.LockAtLeastFor != nil:
		atLeast = *req.LockAtLeastFor
	case req.LockAtMostFor > 0:
		// a default minimum hold never outlasts an explicitly shorter lock
		atLeast = min(max(d.LockAtLeastFor, 0), atMost)
	default:
		atLeast = max(d.LockAtLeastFor, 0)
	}
	if atLeast > atMost {
		return LockConfiguration{}, invalidConfiguration("lockAtLeastFor (%s) is longer than lockAtMostFor (%s) for lock %q",
			atLeast, atMost, req.Name)
	}

	return NewLockConfiguration(req.Name, now.Add(atMost), now.Add(atLeast))
}
