package safeflow

import (
	"strings"
	"time"
)

// DefaultActivityTimeout bounds a single step when no settings are stored.
const DefaultActivityTimeout = time.Hour

// DisruptedSettingsName is the settings entry consulted for disrupted runs.
const DisruptedSettingsName = "Test"

// ActivitySettings is the per activity name policy. Zero fields fall back
// to the profile defaults.
type ActivitySettings struct {
	Name               string        `json:"name" yaml:"name"`
	NumberOfRetries    int           `json:"number_of_retries,omitempty" yaml:"number_of_retries,omitempty"`
	InitialDelay       time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	BackoffCoefficient float64       `json:"backoff_coefficient,omitempty" yaml:"backoff_coefficient,omitempty"`
	MaximumDelay       time.Duration `json:"maximum_delay,omitempty" yaml:"maximum_delay,omitempty"`
	RetryTimeout       time.Duration `json:"retry_timeout,omitempty" yaml:"retry_timeout,omitempty"`
	ActivityTimeout    time.Duration `json:"activity_timeout,omitempty" yaml:"activity_timeout,omitempty"`
	IOIntensive        bool          `json:"io_intensive,omitempty" yaml:"io_intensive,omitempty"`
	MemoryIntensive    bool          `json:"memory_intensive,omitempty" yaml:"memory_intensive,omitempty"`
	LongRunning        bool          `json:"long_running,omitempty" yaml:"long_running,omitempty"`
}

// DefaultActivitySettings returns the settings used when none are stored.
func DefaultActivitySettings(name string) ActivitySettings {
	return ActivitySettings{
		Name:            strings.TrimSpace(name),
		ActivityTimeout: DefaultActivityTimeout,
	}
}

// WithDefaults fills in the activity timeout when it is unset.
func (s ActivitySettings) WithDefaults() ActivitySettings {
	if s.ActivityTimeout <= 0 {
		s.ActivityTimeout = DefaultActivityTimeout
	}
	return s
}

// Weight is the resource weight of the activity used for backpressure.
func (s ActivitySettings) Weight() int64 {
	weight := int64(1)
	if s.IOIntensive {
		weight++
	}
	if s.MemoryIntensive {
		weight += 2
	}
	return weight
}

func (s ActivitySettings) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return validationError("activity settings name required")
	}
	if s.NumberOfRetries < 0 {
		return validationError("number_of_retries must not be negative")
	}
	if s.BackoffCoefficient < 0 {
		return validationError("backoff_coefficient must not be negative")
	}
	if s.InitialDelay < 0 || s.MaximumDelay < 0 || s.RetryTimeout < 0 || s.ActivityTimeout < 0 {
		return validationError("durations must not be negative")
	}
	return nil
}
