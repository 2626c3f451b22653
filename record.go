package safeflow

import (
	"fmt"
	"strings"
	"time"
)

// ActivityRecord is the durable bookkeeping for one operation instance.
// There is exactly one record per UniqueKey. A key with no stored record
// reads back as a record in StateUnknown.
type ActivityRecord struct {
	UniqueKey      string          `json:"unique_key"`
	OperationName  string          `json:"operation_name"`
	ActivityName   string          `json:"activity_name"`
	State          ActivityState   `json:"state"`
	InstanceID     string          `json:"instance_id,omitempty"`
	ProcessID      string          `json:"process_id,omitempty"`
	HostServer     string          `json:"host_server,omitempty"`
	TimeStarted    time.Time       `json:"time_started,omitzero"`
	TimeEnded      time.Time       `json:"time_ended,omitzero"`
	TimeUpdated    time.Time       `json:"time_updated,omitzero"`
	SequenceNumber int             `json:"sequence_number"`
	RetryCount     int             `json:"retry_count"`
	StickCount     int             `json:"stick_count"`
	DeferCount     int             `json:"defer_count"`
	Completed      []string        `json:"completed,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Trace          string          `json:"trace,omitempty"`
	Disruptions    DisruptionStack `json:"disruptions"`
}

// NewUnknownRecord is the representation of an absent record.
func NewUnknownRecord(key string) *ActivityRecord {
	return &ActivityRecord{UniqueKey: strings.TrimSpace(key), State: StateUnknown}
}

// AddTrace appends a line prefixed with the sequence number and the
// elapsed time since the activity started.
func (r *ActivityRecord) AddTrace(now time.Time, format string, args ...any) {
	if r == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	var elapsed time.Duration
	if !r.TimeStarted.IsZero() {
		elapsed = now.Sub(r.TimeStarted).Round(time.Millisecond)
	}
	line := fmt.Sprintf("%04d +%s %s", r.SequenceNumber, elapsed, strings.TrimSpace(msg))
	if r.Trace == "" {
		r.Trace = line
		return
	}
	r.Trace += "\n" + line
}

// TraceLines splits the trace into its lines.
func (r *ActivityRecord) TraceLines() []string {
	if r == nil || r.Trace == "" {
		return nil
	}
	return strings.Split(r.Trace, "\n")
}

func (r *ActivityRecord) MarkStarted(now time.Time) {
	r.TimeStarted = now
	r.TimeEnded = time.Time{}
}

func (r *ActivityRecord) MarkEnded(now time.Time) {
	r.TimeEnded = now
}

// Elapsed is the run time of the current activity as seen at now.
func (r *ActivityRecord) Elapsed(now time.Time) time.Duration {
	if r == nil || r.TimeStarted.IsZero() {
		return 0
	}
	return now.Sub(r.TimeStarted)
}

// HasCompleted reports whether the named activity already completed for
// this key.
func (r *ActivityRecord) HasCompleted(activity string) bool {
	if r == nil {
		return false
	}
	for _, name := range r.Completed {
		if name == activity {
			return true
		}
	}
	return false
}

func (r *ActivityRecord) MarkCompleted(activity string) {
	if r.HasCompleted(activity) {
		return
	}
	r.Completed = append(r.Completed, activity)
}

// ResetCounters clears the per-activity retry budgets.
func (r *ActivityRecord) ResetCounters() {
	r.RetryCount = 0
	r.StickCount = 0
	r.DeferCount = 0
}

// OwnedBy reports whether instanceID holds the record.
func (r *ActivityRecord) OwnedBy(instanceID string) bool {
	return r != nil && r.InstanceID != "" && r.InstanceID == instanceID
}

func (r *ActivityRecord) Clone() *ActivityRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if len(r.Completed) > 0 {
		cp.Completed = append([]string(nil), r.Completed...)
	}
	cp.Disruptions = r.Disruptions.Clone()
	return &cp
}
