package safeflow

import (
	"fmt"
	"strings"
)

// ActivityState is the lifecycle state of an activity record.
type ActivityState int

const (
	StateUnknown ActivityState = iota
	StateReady
	StateActive
	StateRedundant
	StateDeferred
	StateCompleted
	StateStuck
	StateStalled
	StatePostStalled
	StateFailed
	StateSuccessful
	StateUnsuccessful
)

var stateNames = [...]string{
	StateUnknown:      "unknown",
	StateReady:        "Ready",
	StateActive:       "Active",
	StateRedundant:    "Redundant",
	StateDeferred:     "Deferred",
	StateCompleted:    "Completed",
	StateStuck:        "Stuck",
	StateStalled:      "Stalled",
	StatePostStalled:  "PostStalled",
	StateFailed:       "Failed",
	StateSuccessful:   "Successful",
	StateUnsuccessful: "Unsuccessful",
}

func (s ActivityState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("ActivityState(%d)", int(s))
	}
	return stateNames[s]
}

// ParseActivityState resolves a state name, ignoring case. An empty
// string resolves to StateUnknown.
func ParseActivityState(name string) (ActivityState, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return StateUnknown, nil
	}
	for i, candidate := range stateNames {
		if strings.EqualFold(candidate, name) {
			return ActivityState(i), nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown activity state %q", name)
}

// IsTerminal reports whether the operation reached its final outcome.
func (s ActivityState) IsTerminal() bool {
	return s == StateSuccessful || s == StateUnsuccessful
}

// IsRejecting reports whether new attempts against a record in this
// state must be turned away as redundant.
func (s ActivityState) IsRejecting() bool {
	switch s {
	case StateFailed, StateSuccessful, StateUnsuccessful:
		return true
	default:
		return false
	}
}

func (s ActivityState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ActivityState) UnmarshalText(text []byte) error {
	parsed, err := ParseActivityState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
