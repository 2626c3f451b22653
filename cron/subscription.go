package cron

import (
	"sync"
	"time"
)

type Subscription interface {
	Unsubscribe()
}

// ScheduleStatus is where a pipeline trigger is in its life.
type ScheduleStatus string

const (
	// ScheduleStatusScheduled is a trigger waiting for its first run.
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	// ScheduleStatusRunning is a trigger whose pipeline run is in flight.
	ScheduleStatusRunning ScheduleStatus = "running"
	// ScheduleStatusIdle is a recurring trigger between runs.
	ScheduleStatusIdle ScheduleStatus = "idle"
	// ScheduleStatusCompleted is a one-shot redelivery that ran cleanly.
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	// ScheduleStatusFailed is a one-shot redelivery whose run returned an
	// error after its retries.
	ScheduleStatusFailed  ScheduleStatus = "failed"
	ScheduleStatusStopped ScheduleStatus = "stopped"
)

// Terminal reports whether the trigger will never run again.
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// Handle controls one pipeline trigger: a recurring cron entry or a
// delayed redelivery of an operation.
type Handle interface {
	Subscription
	Cancel()
	Status() ScheduleStatus
	// Err is the error of the latest run, nil after a clean one.
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
	// Runs counts the pipeline runs started by this trigger.
	Runs() int
	LastRun() time.Time
}

type trigger struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}

	mu      sync.RWMutex
	status  ScheduleStatus
	err     error
	runs    int
	lastRun time.Time
	once    sync.Once
}

func (t *trigger) Unsubscribe() {
	t.Cancel()
}

// Cancel removes the trigger. A run already in flight is not interrupted.
func (t *trigger) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.scheduler != nil {
			t.scheduler.removeHandle(t.id)
		}
		t.finish(ScheduleStatusCanceled, nil)
	})
}

func (t *trigger) Status() ScheduleStatus {
	if t == nil {
		return ScheduleStatusStopped
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *trigger) Err() error {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *trigger) Done() <-chan struct{} {
	if t == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

func (t *trigger) ID() int64 {
	if t == nil {
		return 0
	}
	return t.id
}

func (t *trigger) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

func (t *trigger) Runs() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runs
}

func (t *trigger) LastRun() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRun
}

// begin marks a run started at now. It refuses when a run is already in
// flight or the trigger is finished, so pipeline runs never overlap.
func (t *trigger) begin(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == ScheduleStatusRunning || t.status.Terminal() {
		return false
	}
	t.status = ScheduleStatusRunning
	t.err = nil
	t.runs++
	t.lastRun = now
	return true
}

// settle records the result of a recurring run unless the trigger was
// finished meanwhile.
func (t *trigger) settle(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = ScheduleStatusIdle
	t.err = err
}

func (t *trigger) finish(status ScheduleStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.err = err
	if t.done != nil {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
}
