package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-safeflow"
	"github.com/goliatone/go-safeflow/runner"
)

// Activity is one named step of a pipeline.
type Activity struct {
	Name string
	Step safeflow.Step
}

// Pipeline is an ordered list of activities run for one unique key.
type Pipeline struct {
	Operation  string
	Activities []Activity
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.Operation) == "" {
		return safeflow.ValidationError("pipeline operation required")
	}
	if len(p.Activities) == 0 {
		return safeflow.ValidationError("pipeline needs at least one activity")
	}
	seen := make(map[string]bool, len(p.Activities))
	for i, act := range p.Activities {
		name := strings.TrimSpace(act.Name)
		if name == "" {
			return safeflow.ValidationError(fmt.Sprintf("activity %d has no name", i))
		}
		if seen[name] {
			return safeflow.ValidationError("duplicate activity " + name)
		}
		seen[name] = true
	}
	return nil
}

// FinalActivity is the name the operation must end on to succeed.
func (p Pipeline) FinalActivity() string {
	if len(p.Activities) == 0 {
		return ""
	}
	return p.Activities[len(p.Activities)-1].Name
}

// Report summarizes one scheduler run.
type Report struct {
	UniqueKey  string                    `json:"unique_key"`
	InstanceID string                    `json:"instance_id"`
	FinalState safeflow.ActivityState    `json:"final_state"`
	Signal     safeflow.Signal           `json:"signal"`
	Reason     string                    `json:"reason,omitempty"`
	Cycles     int                       `json:"cycles"`
	History    []safeflow.ActivityRecord `json:"history"`
	Envelope   safeflow.Envelope         `json:"-"`
}

// Scheduler is an in-process stand-in for the external orchestration
// engine. It sequences activity cycles, sleeps between retries and
// redelivers envelopes the way a durable task framework would.
type Scheduler struct {
	guard         *Guard
	logger        Logger
	sleep         func(context.Context, time.Duration) error
	replayOnRetry bool
	maxCycles     int
}

type SchedulerOption func(*Scheduler)

// WithSleeper replaces the wait between cycles.
func WithSleeper(fn func(context.Context, time.Duration) error) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithReplayOnRetry controls whether a retried cycle is redelivered with
// the envelope it started from rather than the one it returned.
func WithReplayOnRetry(replay bool) SchedulerOption {
	return func(s *Scheduler) {
		s.replayOnRetry = replay
	}
}

func WithSchedulerLogger(logger Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMaxCycles bounds the cycles spent on a single activity.
func WithMaxCycles(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxCycles = n
		}
	}
}

func NewScheduler(guard *Guard, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		guard:         guard,
		sleep:         runner.Sleep,
		replayOnRetry: true,
		maxCycles:     64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil && guard != nil {
		s.logger = guard.logger
	}
	s.logger = normalizeLogger(s.logger)
	return s
}

// Run drives env through every activity of pipeline and finalizes the
// operation. Errors are returned only for invalid input or a cancelled
// context; pipeline outcomes are reported through the Report.
func (s *Scheduler) Run(ctx context.Context, pipeline Pipeline, env safeflow.Envelope) (Report, error) {
	if err := pipeline.Validate(); err != nil {
		return Report{}, err
	}
	env = env.Clone()
	if env.OperationName == "" {
		env.OperationName = pipeline.Operation
	}
	if env.InstanceID == "" {
		env.InstanceID = uuid.NewString()
	}
	if env.HostServer == "" {
		env.HostServer = s.guard.host
	}
	if err := env.Validate(); err != nil {
		return Report{}, err
	}

	report := Report{UniqueKey: env.UniqueKey, InstanceID: env.InstanceID}
	logger := withLoggerFields(s.logger.WithContext(ctx), map[string]any{
		"unique_key":  env.UniqueKey,
		"instance_id": env.InstanceID,
	})

	for _, act := range pipeline.Activities {
		env.ActivityName = act.Name
		res, cycles, err := s.runActivity(ctx, env, act)
		report.Cycles += cycles
		env = res.Envelope
		if err != nil {
			return s.close(report, env, res), err
		}
		switch res.Signal {
		case safeflow.SignalContinue:
			continue
		case safeflow.SignalRedundant:
			logger.Info("operation %s is redundant at %s: %s", env.OperationName, act.Name, res.Reason)
			return s.close(report, env, res), nil
		default:
			logger.Warn("operation %s aborted at %s: %s", env.OperationName, act.Name, res.Reason)
			return s.finalize(ctx, report, env, pipeline.FinalActivity(), res.Reason)
		}
	}
	return s.finalize(ctx, report, env, pipeline.FinalActivity(), "")
}

func (s *Scheduler) runActivity(ctx context.Context, env safeflow.Envelope, act Activity) (Result, int, error) {
	infraWaits := 0
	var res Result
	for cycle := 1; ; cycle++ {
		if err := ctx.Err(); err != nil {
			return Result{Signal: safeflow.SignalInfra, Envelope: env, Reason: err.Error()}, cycle - 1, err
		}
		if cycle > s.maxCycles {
			return Result{Signal: safeflow.SignalFatal, Envelope: env, Reason: fmt.Sprintf("gave up on %s after %d cycles", act.Name, s.maxCycles)}, cycle - 1, nil
		}

		before := env.Clone()
		res = s.guard.RunCycle(ctx, env, act.Step)

		switch res.Signal {
		case safeflow.SignalRetry:
			next := res.Envelope
			if s.replayOnRetry {
				next = before
				next.ActivityHistory = res.Envelope.ActivityHistory
				next.Errors = res.Envelope.Errors
			}
			next.LastState = res.Envelope.LastState
			if err := s.sleep(ctx, res.Delay); err != nil {
				return res, cycle, err
			}
			env = next

		case safeflow.SignalInfra:
			infraWaits++
			limits := s.guard.LimitsFor(res.Envelope)
			if infraWaits > limits.ChokeCap+1 {
				res.Signal = safeflow.SignalFatal
				res.Reason = fmt.Sprintf("infrastructure unavailable after %d waits: %s", infraWaits-1, res.Reason)
				return res, cycle, nil
			}
			if err := s.sleep(ctx, res.Delay); err != nil {
				return res, cycle, err
			}
			env = res.Envelope

		default:
			return res, cycle, nil
		}
	}
}

// finalize calls the operation finalizer, retrying infrastructure faults.
func (s *Scheduler) finalize(ctx context.Context, report Report, env safeflow.Envelope, finalActivity, reason string) (Report, error) {
	limits := s.guard.LimitsFor(env)
	report.Reason = reason
	var res Result
	h := runner.NewHandler(
		runner.WithMaxRetries(limits.ChokeCap),
		runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{Base: limits.WaitTime, Factor: 1}),
		runner.WithShouldRetry(safeflow.IsInfra),
		runner.WithSleeper(s.sleep),
		runner.WithErrorHandler(func(err error) {
			s.logger.Warn("finalize retry: %v", err)
		}),
	)
	err := h.Run(ctx, func(ctx context.Context) error {
		res = s.guard.Finish(ctx, env, finalActivity)
		if res.Signal == safeflow.SignalInfra {
			return safeflow.Infra(res.Reason, nil, nil)
		}
		return nil
	})
	report = s.close(report, res.Envelope, res)
	if err != nil && !safeflow.IsInfra(err) {
		return report, err
	}
	return report, nil
}

func (s *Scheduler) close(report Report, env safeflow.Envelope, res Result) Report {
	report.FinalState = env.LastState
	report.Signal = res.Signal
	if report.Reason == "" {
		report.Reason = res.Reason
	}
	report.History = env.ActivityHistory
	report.Envelope = env
	return report
}
