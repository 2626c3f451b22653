package flow

import (
	"golang.org/x/sync/semaphore"
)

// ResourceLimiter caps the combined weight of steps running at once. A
// step that cannot get its weight is deferred instead of queued.
type ResourceLimiter struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewResourceLimiter returns nil for a non-positive capacity, which
// disables the check.
func NewResourceLimiter(capacity int64) *ResourceLimiter {
	if capacity <= 0 {
		return nil
	}
	return &ResourceLimiter{sem: semaphore.NewWeighted(capacity), capacity: capacity}
}

// TryAcquire reserves weight without blocking. The release function is
// safe to call once.
func (l *ResourceLimiter) TryAcquire(weight int64) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	if weight <= 0 {
		weight = 1
	}
	if weight > l.capacity {
		weight = l.capacity
	}
	if !l.sem.TryAcquire(weight) {
		return nil, false
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		l.sem.Release(weight)
	}, true
}

func (l *ResourceLimiter) Capacity() int64 {
	if l == nil {
		return 0
	}
	return l.capacity
}
