package flow

import (
	"time"

	"github.com/goliatone/go-safeflow"
	"github.com/goliatone/go-safeflow/runner"
)

// Profile flags select the retry policy for an activity.
type Profile struct {
	LongRunning    bool `json:"long_running,omitempty" yaml:"long_running,omitempty"`
	HighMemory     bool `json:"high_memory,omitempty" yaml:"high_memory,omitempty"`
	HighDataOrFile bool `json:"high_data_or_file,omitempty" yaml:"high_data_or_file,omitempty"`
	Disrupted      bool `json:"disrupted,omitempty" yaml:"disrupted,omitempty"`
}

// RetryPolicy bounds the business retries of one activity.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts"`
	InitialDelay       time.Duration `json:"initial_delay"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaxDelay           time.Duration `json:"max_delay"`
	Timeout            time.Duration `json:"timeout"`
}

const sqrtTwoCoefficient = 1.4141214

// DefaultRetryPolicy is the policy with no profile flags set.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        5,
		InitialDelay:       5 * time.Minute,
		BackoffCoefficient: 2.0,
		MaxDelay:           3 * time.Hour,
		Timeout:            2 * time.Hour,
	}
}

// DisruptedRetryPolicy is the short, flat policy used by fault-injection
// runs so they finish quickly.
func DisruptedRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialDelay:       2 * time.Minute,
		BackoffCoefficient: 1.0,
		MaxDelay:           3 * time.Hour,
		Timeout:            5 * time.Minute,
	}
}

// PolicyForProfile applies the profile overrides on top of the default
// policy in a fixed order: high data, then long running, then high
// memory. Later overrides win on shared fields.
func PolicyForProfile(p Profile) RetryPolicy {
	if p.Disrupted {
		return DisruptedRetryPolicy()
	}
	policy := DefaultRetryPolicy()
	if p.HighDataOrFile {
		policy.InitialDelay = 10 * time.Minute
		policy.Timeout = 8 * time.Hour
	}
	if p.LongRunning {
		policy.MaxAttempts = 10
		policy.InitialDelay = 8 * time.Minute
		policy.BackoffCoefficient = sqrtTwoCoefficient
		policy.Timeout = 12 * time.Hour
	}
	if p.HighMemory {
		policy.MaxAttempts = 10
		policy.InitialDelay = 10 * time.Minute
		policy.BackoffCoefficient = sqrtTwoCoefficient
		policy.Timeout = 6 * time.Hour
	}
	return policy
}

// ProfileForSettings derives the profile flags implied by settings.
func ProfileForSettings(s safeflow.ActivitySettings, disrupted bool) Profile {
	return Profile{
		LongRunning:    s.LongRunning,
		HighMemory:     s.MemoryIntensive,
		HighDataOrFile: s.IOIntensive,
		Disrupted:      disrupted,
	}
}

// PolicyForSettings starts from the profile implied by the settings flags
// and lets explicit settings fields override it.
func PolicyForSettings(s safeflow.ActivitySettings, disrupted bool) RetryPolicy {
	policy := PolicyForProfile(ProfileForSettings(s, disrupted))
	if s.NumberOfRetries > 0 {
		policy.MaxAttempts = s.NumberOfRetries
	}
	if s.InitialDelay > 0 {
		policy.InitialDelay = s.InitialDelay
	}
	if s.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = s.BackoffCoefficient
	}
	if s.MaximumDelay > 0 {
		policy.MaxDelay = s.MaximumDelay
	}
	if s.RetryTimeout > 0 {
		policy.Timeout = s.RetryTimeout
	}
	return policy
}

// Strategy exposes the policy as a runner backoff strategy.
func (p RetryPolicy) Strategy() runner.RetryStrategy {
	return runner.ExponentialBackoffStrategy{
		Base:   p.InitialDelay,
		Factor: p.BackoffCoefficient,
		Max:    p.MaxDelay,
	}
}

// Delay is the wait before retry number attempt, counted from zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Strategy().SleepDuration(attempt, nil)
}

// Exhausted reports whether retryCount used up the attempt budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}

// Limits are the operational caps applied by the guard.
type Limits struct {
	// MaximumActivityTime is how long an owner may hold Active before a
	// different instance may take over.
	MaximumActivityTime time.Duration `json:"maximum_activity_time" yaml:"maximum_activity_time"`
	// StickCap is the number of timeouts tolerated per activity.
	StickCap int `json:"stick_cap" yaml:"stick_cap"`
	// ChokeCap is the number of deferred cycles tolerated per activity.
	ChokeCap int `json:"choke_cap" yaml:"choke_cap"`
	// WaitTime is the backoff after a store outage.
	WaitTime time.Duration `json:"wait_time" yaml:"wait_time"`
	// ChokeTime is the backoff after a deferred cycle.
	ChokeTime time.Duration `json:"choke_time" yaml:"choke_time"`
}

func DefaultLimits() Limits {
	return Limits{
		MaximumActivityTime: 12 * time.Hour,
		StickCap:            2,
		ChokeCap:            5,
		WaitTime:            2 * time.Minute,
		ChokeTime:           30 * time.Minute,
	}
}

func DisruptedLimits() Limits {
	limits := DefaultLimits()
	limits.MaximumActivityTime = 5 * time.Minute
	limits.StickCap = 1
	return limits
}

// LimitsForProfile picks the caps for p.
func LimitsForProfile(p Profile) Limits {
	if p.Disrupted {
		return DisruptedLimits()
	}
	return DefaultLimits()
}

// withDefaults fills zero fields from base.
func (l Limits) withDefaults(base Limits) Limits {
	if l.MaximumActivityTime <= 0 {
		l.MaximumActivityTime = base.MaximumActivityTime
	}
	if l.StickCap <= 0 {
		l.StickCap = base.StickCap
	}
	if l.ChokeCap <= 0 {
		l.ChokeCap = base.ChokeCap
	}
	if l.WaitTime <= 0 {
		l.WaitTime = base.WaitTime
	}
	if l.ChokeTime <= 0 {
		l.ChokeTime = base.ChokeTime
	}
	return l
}
