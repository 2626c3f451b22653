package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-safeflow"
)

type stepOutcome struct {
	env safeflow.Envelope
	err error
}

// Execute runs step against the activity timeout. Only the owner of an
// Active record may run it. When the timeout wins, the step is abandoned:
// its context is cancelled and whatever it returns later is dropped.
func (g *Guard) Execute(ctx context.Context, env safeflow.Envelope, step safeflow.Step) Result {
	start := g.clock.Now()
	env = env.Clone()
	logger := g.loggerFor(ctx, env)
	limits := g.LimitsFor(env)

	rec, err := g.store.ReadRecord(ctx, env.UniqueKey)
	if err != nil {
		logger.Error("read record failed: %v", err)
		res := infra(env, fmt.Sprintf("metadata store read failed: %v", err), limits.WaitTime)
		res.unreached = true
		return g.finish(StageExec, start, res, safeflow.StateDeferred)
	}
	if rec.State != safeflow.StateActive || !rec.OwnedBy(env.InstanceID) {
		env.AppendHistory(rec)
		res := redundant(env, fmt.Sprintf("record is %s under %q", rec.State, rec.InstanceID))
		return g.finish(StageExec, start, res, safeflow.StateRedundant)
	}

	settings := g.SettingsFor(ctx, env)
	timeout := g.activityTimeout(ctx, env, settings)

	var (
		outcome  safeflow.ActivityState
		reason   string
		out      = env
		runStart = g.clock.Now()
	)

	release, ok := g.resources.TryAcquire(settings.Weight())
	if !ok {
		outcome = safeflow.StateDeferred
		reason = fmt.Sprintf("resources stressed: weight %d over capacity %d", settings.Weight(), g.resources.Capacity())
	} else {
		res, timedOut, cancelled := g.race(ctx, env, step, timeout, release)
		switch {
		case cancelled:
			// the caller went away; the record stays Active under this
			// instance so a redelivery is granted again
			res := infra(env, "execution cancelled: "+ctx.Err().Error(), 0)
			res.unreached = true
			return g.finish(StageExec, start, res, safeflow.StateDeferred)
		case timedOut:
			outcome = safeflow.StateStuck
			reason = fmt.Sprintf("Timeout: %s exceeded %s", env.ActivityName, timeout)
		default:
			outcome, reason = classifyOutcome(res.err)
			if res.err == nil {
				out = adoptStepOutput(env, res.env)
			}
		}
	}

	now := g.now()
	switch outcome {
	case safeflow.StateStuck:
		rec.StickCount++
		rec.RetryCount++
	case safeflow.StateStalled:
		rec.RetryCount++
	case safeflow.StateDeferred:
		rec.DeferCount++
	}
	rec.State = outcome
	rec.Reason = reason
	rec.MarkEnded(now)
	rec.AddTrace(now, "Exec %s %s in %s%s", env.ActivityName, outcome, g.clock.Since(runStart).Round(time.Millisecond), traceSuffix(env.CurrentDisruption, reason))

	out.LastState = outcome
	if reason != "" && outcome != safeflow.StateCompleted {
		out.AddError(reason)
	}

	if err := g.persist(ctx, rec, out); err != nil {
		if IsSequenceConflict(err) {
			g.metrics.CountConflict(StageExec)
			logger.Warn("lost ownership while running %s, discarding %s", env.ActivityName, outcome)
			env.AppendHistory(rec)
			return g.finish(StageExec, start, redundant(env, "ownership lost during execution"), safeflow.StateRedundant)
		}
		logger.Error("persist outcome %s failed: %v", outcome, err)
		res := Result{Signal: safeflow.SignalInfra, Envelope: out, Reason: err.Error(), Delay: limits.WaitTime}
		res.Envelope.AppendHistory(rec)
		return g.finish(StageExec, start, res, outcome)
	}

	logger.Info("activity %s finished %s", env.ActivityName, outcome)
	out.AppendHistory(rec)
	res := Result{Signal: safeflow.SignalForState(outcome), Envelope: out, Reason: reason}
	if outcome == safeflow.StateDeferred {
		res.Delay = limits.ChokeTime
	}
	return g.finish(StageExec, start, res, outcome)
}

// race starts the step and waits for it, the timeout or ctx, whichever
// comes first.
func (g *Guard) race(ctx context.Context, env safeflow.Envelope, step safeflow.Step, timeout time.Duration, release func()) (stepOutcome, bool, bool) {
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan stepOutcome, 1)
	fields := map[string]any{"unique_key": env.UniqueKey, "activity": env.ActivityName}
	go func() {
		defer release()
		out, err := g.runDisrupted(stepCtx, env, step, timeout, fields)
		done <- stepOutcome{env: out, err: err}
	}()

	timer := g.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, false, false
	case <-timer.C():
		return stepOutcome{}, true, false
	case <-ctx.Done():
		return stepOutcome{}, false, true
	}
}

// runDisrupted applies the popped disruption token in front of the step.
func (g *Guard) runDisrupted(ctx context.Context, env safeflow.Envelope, step safeflow.Step, timeout time.Duration, fields map[string]any) (safeflow.Envelope, error) {
	switch env.CurrentDisruption {
	case safeflow.DisruptionPass:
		return env, nil
	case safeflow.DisruptionFail:
		return env, safeflow.Fatal("Disruption: Fail (emulated fatal error)", fields)
	case safeflow.DisruptionStall:
		return env, safeflow.Retryable("Disruption: Stall (emulated retryable error)", fields)
	case safeflow.DisruptionChoke:
		return env, safeflow.Infra("Disruption: Choke (emulated resource pressure)", nil, fields)
	case safeflow.DisruptionDrag:
		if err := g.wait(ctx, timeout/2); err != nil {
			return env, err
		}
	case safeflow.DisruptionStick:
		if err := g.wait(ctx, 2*timeout); err != nil {
			return env, err
		}
	}
	return safeflow.RunStepSafely(ctx, step, env, g.panicLogger, fields)
}

func (g *Guard) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-g.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyOutcome(err error) (safeflow.ActivityState, string) {
	switch safeflow.Classify(err) {
	case safeflow.KindNone:
		return safeflow.StateCompleted, ""
	case safeflow.KindFatal:
		return safeflow.StateFailed, safeflow.Reason(err)
	case safeflow.KindInfra:
		return safeflow.StateDeferred, safeflow.Reason(err)
	default:
		return safeflow.StateStalled, safeflow.Reason(err)
	}
}

// adoptStepOutput keeps the identity and bookkeeping of env and takes the
// business fields from the step's result.
func adoptStepOutput(env, out safeflow.Envelope) safeflow.Envelope {
	env.Payload = out.Payload
	env.Output = out.Output
	return env
}

func traceSuffix(token safeflow.Disruption, reason string) string {
	suffix := ""
	if token != safeflow.DisruptionNone {
		suffix = " [" + token.String() + "]"
	}
	if reason != "" {
		suffix += ": " + reason
	}
	return suffix
}
