package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-safeflow"
)

// PostProcess reconciles the outcome carried by env.LastState with the
// stored record and decides the signal for the scheduler.
func (g *Guard) PostProcess(ctx context.Context, env safeflow.Envelope) Result {
	start := g.clock.Now()
	env = env.Clone()
	logger := g.loggerFor(ctx, env)
	limits := g.LimitsFor(env)

	conflicts := 0
	for {
		rec, err := g.store.ReadRecord(ctx, env.UniqueKey)
		if err != nil {
			logger.Error("read record failed: %v", err)
			return g.finish(StagePost, start, infra(env, fmt.Sprintf("metadata store read failed: %v", err), limits.WaitTime), safeflow.StateDeferred)
		}
		if rec.State.IsTerminal() || rec.State == safeflow.StateRedundant {
			env.AppendHistory(rec)
			return g.finish(StagePost, start, redundant(env, fmt.Sprintf("operation already %s", rec.State)), safeflow.StateRedundant)
		}
		if !rec.OwnedBy(env.InstanceID) && rec.State != safeflow.StateStuck && rec.State != safeflow.StatePostStalled {
			env.AppendHistory(rec)
			return g.finish(StagePost, start, redundant(env, fmt.Sprintf("record owned by %q", rec.InstanceID)), safeflow.StateRedundant)
		}

		res := g.reconcile(ctx, env, rec, limits)
		err = g.persist(ctx, rec, res.Envelope)
		if err == nil {
			res.Envelope.LastState = rec.State
			if rec.State == safeflow.StateActive {
				// Active here means "retry under the same owner"
				res.Envelope.LastState = env.LastState
			}
			res.Envelope.AppendHistory(rec)
			logger.Info("post %s: %s -> %s (%s)", env.ActivityName, env.LastState, rec.State, res.Signal)
			return g.finish(StagePost, start, res, rec.State)
		}
		if !IsSequenceConflict(err) {
			logger.Error("persist post state failed: %v", err)
			out := infra(env, fmt.Sprintf("metadata store write failed: %v", err), limits.WaitTime)
			out.Envelope.LastState = env.LastState
			out.Envelope.AppendHistory(rec)
			return g.finish(StagePost, start, out, env.LastState)
		}
		g.metrics.CountConflict(StagePost)
		conflicts++
		if conflicts > g.maxConflictRetries {
			env.AppendHistory(rec)
			return g.finish(StagePost, start, redundant(env, "lost the record to a concurrent writer"), safeflow.StateRedundant)
		}
	}
}

// reconcile mutates rec for the outcome in env and returns the signal. The
// caller persists rec.
func (g *Guard) reconcile(ctx context.Context, env safeflow.Envelope, rec *safeflow.ActivityRecord, limits Limits) Result {
	now := g.now()
	policy := g.PolicyFor(ctx, env)
	res := Result{Envelope: env}

	switch env.LastState {
	case safeflow.StateStalled, safeflow.StateStuck:
		stuck := env.LastState == safeflow.StateStuck
		switch {
		case rec.State == env.LastState && rec.OwnedBy(env.InstanceID):
			// counted when the executor stored the outcome
		case rec.State == safeflow.StateStuck:
			rec.AddTrace(now, "Takeover of %s by %s from %s", rec.ActivityName, env.InstanceID, rec.InstanceID)
			rec.InstanceID = env.InstanceID
			rec.ProcessID = g.processID
			rec.MarkStarted(now)
			rec.StickCount++
			rec.RetryCount++
		case (rec.State == safeflow.StateCompleted || rec.State == safeflow.StatePostStalled) && rec.ActivityName == env.ActivityName:
			rec.State = safeflow.StatePostStalled
			rec.RetryCount++
			rec.AddTrace(now, "PostStalled %s: redeliver without running the step again", env.ActivityName)
			if policy.Exhausted(rec.RetryCount) {
				return g.giveUp(res, rec, now, fmt.Sprintf("retry budget of %d spent during post-processing", policy.MaxAttempts))
			}
			res.Signal = safeflow.SignalRetry
			res.Delay = policy.Delay(rec.RetryCount - 1)
			return res
		default:
			rec.RetryCount++
			if stuck {
				rec.StickCount++
			}
		}
		if stuck && rec.StickCount > limits.StickCap {
			return g.giveUp(res, rec, now, fmt.Sprintf("stuck %d times, cap is %d", rec.StickCount, limits.StickCap))
		}
		if policy.Exhausted(rec.RetryCount) {
			return g.giveUp(res, rec, now, fmt.Sprintf("retry budget of %d spent", policy.MaxAttempts))
		}
		rec.State = safeflow.StateActive
		rec.MarkStarted(now)
		rec.AddTrace(now, "Post %s %s: retry %d of %d", env.ActivityName, env.LastState, rec.RetryCount, policy.MaxAttempts)
		res.Signal = safeflow.SignalRetry
		res.Delay = policy.Delay(rec.RetryCount - 1)
		return res

	case safeflow.StateFailed:
		return g.giveUp(res, rec, now, "fatal error: "+rec.Reason)

	case safeflow.StateDeferred:
		if rec.State != safeflow.StateDeferred {
			rec.DeferCount++
		}
		rec.State = safeflow.StateDeferred
		if rec.DeferCount > limits.ChokeCap {
			return g.giveUp(res, rec, now, fmt.Sprintf("deferred %d times, cap is %d", rec.DeferCount, limits.ChokeCap))
		}
		rec.AddTrace(now, "Post %s Deferred %d of %d", env.ActivityName, rec.DeferCount, limits.ChokeCap)
		res.Signal = safeflow.SignalInfra
		res.Delay = limits.ChokeTime
		return res

	default:
		rec.State = safeflow.StateCompleted
		rec.ActivityName = env.ActivityName
		rec.InstanceID = env.InstanceID
		rec.ResetCounters()
		rec.Reason = ""
		rec.MarkCompleted(env.ActivityName)
		rec.MarkEnded(now)
		rec.AddTrace(now, "Post %s Completed", env.ActivityName)
		res.Signal = safeflow.SignalContinue
		return res
	}
}

func (g *Guard) giveUp(res Result, rec *safeflow.ActivityRecord, now time.Time, reason string) Result {
	rec.State = safeflow.StateUnsuccessful
	rec.Reason = reason
	rec.MarkEnded(now)
	rec.AddTrace(now, "Unsuccessful: %s", reason)
	res.Signal = safeflow.SignalFatal
	res.Reason = reason
	res.Envelope.AddError(reason)
	return res
}

// Finish converts the last activity outcome into the operation outcome.
// Records that are already terminal are left untouched.
func (g *Guard) Finish(ctx context.Context, env safeflow.Envelope, finalActivity string) Result {
	start := g.clock.Now()
	env = env.Clone()
	if env.LastState == safeflow.StateRedundant {
		return Result{Signal: safeflow.SignalRedundant, Envelope: env}
	}
	logger := g.loggerFor(ctx, env)
	limits := g.LimitsFor(env)

	conflicts := 0
	for {
		rec, err := g.store.ReadRecord(ctx, env.UniqueKey)
		if err != nil {
			logger.Error("read record failed: %v", err)
			res := Result{Signal: safeflow.SignalInfra, Envelope: env, Reason: err.Error(), Delay: limits.WaitTime}
			return g.finish(StageFinish, start, res, safeflow.StateDeferred)
		}
		if rec.State.IsTerminal() {
			env.LastState = rec.State
			env.ReplaceLastHistory(rec)
			return g.finish(StageFinish, start, Result{Signal: safeflow.SignalForState(rec.State), Envelope: env, Reason: rec.Reason}, rec.State)
		}
		if rec.State == safeflow.StateActive && !rec.OwnedBy(env.InstanceID) {
			env.ReplaceLastHistory(rec)
			return g.finish(StageFinish, start, redundant(env, fmt.Sprintf("record owned by %q", rec.InstanceID)), safeflow.StateRedundant)
		}

		now := g.now()
		if rec.State == safeflow.StateCompleted && rec.ActivityName == finalActivity && rec.HasCompleted(finalActivity) {
			rec.State = safeflow.StateSuccessful
			rec.AddTrace(now, "(Final) All activities successfully completed")
		} else {
			rec.State = safeflow.StateUnsuccessful
			rec.AddTrace(now, "(Final) Completed unsuccessfully at %s (%s)", rec.ActivityName, env.LastState)
		}
		if env.Output != "" {
			rec.AddTrace(now, "Output: %s", env.Output)
		}
		rec.MarkEnded(now)

		err = g.persist(ctx, rec, env)
		if err == nil {
			logger.Info("operation %s finished %s", env.OperationName, rec.State)
			env.LastState = rec.State
			env.ReplaceLastHistory(rec)
			return g.finish(StageFinish, start, Result{Signal: safeflow.SignalForState(rec.State), Envelope: env}, rec.State)
		}
		if !IsSequenceConflict(err) {
			logger.Error("persist final state failed: %v", err)
			res := Result{Signal: safeflow.SignalInfra, Envelope: env, Reason: err.Error(), Delay: limits.WaitTime}
			return g.finish(StageFinish, start, res, safeflow.StateDeferred)
		}
		g.metrics.CountConflict(StageFinish)
		conflicts++
		if conflicts > g.maxConflictRetries {
			return g.finish(StageFinish, start, redundant(env, "lost the record to a concurrent writer"), safeflow.StateRedundant)
		}
	}
}
