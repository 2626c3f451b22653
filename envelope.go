package safeflow

import (
	"encoding/json"
	"strings"
)

// Envelope is the in-flight message handed from one activity cycle to the
// next. It mirrors the durable record but is not durable itself.
type Envelope struct {
	UniqueKey         string           `json:"unique_key"`
	OperationName     string           `json:"operation_name"`
	ActivityName      string           `json:"activity_name,omitempty"`
	InstanceID        string           `json:"instance_id,omitempty"`
	HostServer        string           `json:"host_server,omitempty"`
	LastState         ActivityState    `json:"last_state"`
	ActivityHistory   []ActivityRecord `json:"activity_history,omitempty"`
	Errors            []string         `json:"errors,omitempty"`
	Disruptions       DisruptionStack  `json:"disruptions"`
	CurrentDisruption Disruption       `json:"current_disruption,omitempty"`
	Payload           json.RawMessage  `json:"payload,omitempty"`
	Output            string           `json:"output,omitempty"`
}

// Validate checks the identity fields.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.UniqueKey) == "" {
		return validationError("envelope unique key required")
	}
	if strings.TrimSpace(e.OperationName) == "" {
		return validationError("envelope operation name required")
	}
	return nil
}

// IsDisrupted reports whether the run carries fault tokens.
func (e Envelope) IsDisrupted() bool {
	return !e.Disruptions.Empty()
}

func (e *Envelope) AddError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.Errors = append(e.Errors, msg)
}

func (e *Envelope) ClearErrors() {
	e.Errors = nil
}

// AppendHistory records a snapshot of rec.
func (e *Envelope) AppendHistory(rec *ActivityRecord) {
	if rec == nil {
		return
	}
	e.ActivityHistory = append(e.ActivityHistory, *rec.Clone())
}

// ReplaceLastHistory overwrites the newest snapshot, or appends when the
// history is empty.
func (e *Envelope) ReplaceLastHistory(rec *ActivityRecord) {
	if rec == nil {
		return
	}
	if len(e.ActivityHistory) == 0 {
		e.AppendHistory(rec)
		return
	}
	e.ActivityHistory[len(e.ActivityHistory)-1] = *rec.Clone()
}

// LastSnapshot returns the newest history entry.
func (e Envelope) LastSnapshot() (ActivityRecord, bool) {
	if len(e.ActivityHistory) == 0 {
		return ActivityRecord{}, false
	}
	return e.ActivityHistory[len(e.ActivityHistory)-1], true
}

func (e Envelope) Clone() Envelope {
	cp := e
	if len(e.ActivityHistory) > 0 {
		cp.ActivityHistory = make([]ActivityRecord, len(e.ActivityHistory))
		for i := range e.ActivityHistory {
			cp.ActivityHistory[i] = *e.ActivityHistory[i].Clone()
		}
	}
	if len(e.Errors) > 0 {
		cp.Errors = append([]string(nil), e.Errors...)
	}
	if len(e.Payload) > 0 {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	cp.Disruptions = e.Disruptions.Clone()
	return cp
}
