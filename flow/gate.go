package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-safeflow"
)

// PreProcess is the pre-execution gate. It pops one disruption token,
// classifies the stored record and advances it until the caller either
// owns it in StateActive or is turned away. Every transition is written
// before the gate returns.
func (g *Guard) PreProcess(ctx context.Context, env safeflow.Envelope) Result {
	start := g.clock.Now()
	env = env.Clone()
	if err := env.Validate(); err != nil {
		return g.finish(StagePre, start, fatal(env, err.Error()), safeflow.StateUnknown)
	}
	logger := g.loggerFor(ctx, env)
	limits := g.LimitsFor(env)

	rec, readErr := g.store.ReadRecord(ctx, env.UniqueKey)
	if readErr == nil {
		env.Disruptions.AlignTo(rec.Disruptions.Cursor)
	}
	// recording upstream errors on a new record is bookkeeping, not an
	// attempt, so it does not consume a token
	var token safeflow.Disruption
	if readErr != nil || rec.State != safeflow.StateUnknown || len(env.Errors) == 0 {
		token, _ = env.Disruptions.Pop()
	}
	env.CurrentDisruption = token

	switch token {
	case safeflow.DisruptionWait:
		logger.Warn("disruption Wait: emulating metadata store outage")
		res := infra(env, "Disruption: Wait emulates a metadata store outage", limits.WaitTime)
		res.Envelope.AppendHistory(snapshotOrUnknown(rec, env))
		return g.finish(StagePre, start, res, safeflow.StateDeferred)
	case safeflow.DisruptionCrash:
		logger.Error("disruption Crash: emulating scheduler failure")
		res := fatal(env, safeflow.ErrDisruptionCrash.Message)
		res.Envelope.AppendHistory(snapshotOrUnknown(rec, env))
		return g.finish(StagePre, start, res, safeflow.StateUnknown)
	}

	if readErr != nil {
		logger.Error("read record failed: %v", readErr)
		res := infra(env, fmt.Sprintf("metadata store read failed: %v", readErr), limits.WaitTime)
		res.Envelope.AppendHistory(snapshotOrUnknown(nil, env))
		return g.finish(StagePre, start, res, safeflow.StateDeferred)
	}

	res := g.admit(ctx, env, rec, limits, logger)
	return g.finish(StagePre, start, res, res.Envelope.LastState)
}

func (g *Guard) admit(ctx context.Context, env safeflow.Envelope, rec *safeflow.ActivityRecord, limits Limits, logger Logger) Result {
	conflicts := 0
	for {
		now := g.now()
		var next safeflow.ActivityState
		switch rec.State {
		case safeflow.StateUnknown:
			g.initRecord(rec, env)
			if len(env.Errors) > 0 {
				for _, msg := range env.Errors {
					rec.AddTrace(now, "Upstream error: %s", msg)
				}
				rec.Reason = strings.Join(env.Errors, "; ")
				env.ClearErrors()
				next = safeflow.StateUnknown
			} else {
				rec.AddTrace(now, "Initialized %s for %s", env.OperationName, env.ActivityName)
				next = safeflow.StateReady
			}

		case safeflow.StateDeferred, safeflow.StateStalled:
			rec.AddTrace(now, "%s -> Ready for %s", rec.State, env.ActivityName)
			next = safeflow.StateReady

		case safeflow.StateReady:
			rec.ActivityName = env.ActivityName
			rec.InstanceID = env.InstanceID
			rec.ProcessID = g.processID
			rec.HostServer = g.hostFor(env)
			rec.MarkStarted(now)
			rec.AddTrace(now, "Active %s owned by %s (retry %d)", env.ActivityName, env.InstanceID, rec.RetryCount)
			next = safeflow.StateActive

		case safeflow.StateActive:
			if rec.OwnedBy(env.InstanceID) {
				return g.grant(env, rec)
			}
			elapsed := rec.Elapsed(now)
			stuckAfter := g.StuckAfter(ctx, env)
			if elapsed <= stuckAfter {
				logger.Info("rejecting duplicate: record owned by %s for %s", rec.InstanceID, elapsed)
				env.AppendHistory(rec)
				return redundant(env, fmt.Sprintf("activity %s already active under %s", rec.ActivityName, rec.InstanceID))
			}
			rec.Reason = fmt.Sprintf("Stuck: owner %s exceeded %s", rec.InstanceID, stuckAfter)
			rec.AddTrace(now, "Stuck %s after %s, taken over by %s", rec.ActivityName, elapsed.Round(0), env.InstanceID)
			next = safeflow.StateStuck

		case safeflow.StatePostStalled:
			if rec.ActivityName != env.ActivityName {
				env.AppendHistory(rec)
				return redundant(env, fmt.Sprintf("post-processing pending for %s", rec.ActivityName))
			}
			env.LastState = safeflow.StateCompleted
			env.AppendHistory(rec)
			return Result{Signal: safeflow.SignalContinue, Envelope: env, proceed: true, postOnly: true}

		case safeflow.StateStuck:
			logger.Error("record observed Stuck on entry")
			env.AppendHistory(rec)
			env.LastState = safeflow.StateStuck
			return fatal(env, safeflow.ErrStuckOnEntry.Message)

		case safeflow.StateCompleted:
			if rec.HasCompleted(env.ActivityName) {
				env.LastState = safeflow.StateCompleted
				env.AppendHistory(rec)
				return Result{Signal: safeflow.SignalContinue, Envelope: env, Reason: "activity already completed"}
			}
			if rec.ActivityName == env.ActivityName {
				// the step finished durably but post-processing never did
				rec.AddTrace(now, "PostStalled %s: completed without post-processing", env.ActivityName)
				next = safeflow.StatePostStalled
				break
			}
			rec.AddTrace(now, "Completed %s -> Ready for %s", rec.ActivityName, env.ActivityName)
			rec.ActivityName = env.ActivityName
			rec.ResetCounters()
			rec.Reason = ""
			next = safeflow.StateReady

		case safeflow.StateRedundant, safeflow.StateFailed, safeflow.StateSuccessful, safeflow.StateUnsuccessful:
			env.AppendHistory(rec)
			return redundant(env, fmt.Sprintf("operation already %s", rec.State))

		default:
			env.AppendHistory(rec)
			return fatal(env, fmt.Sprintf("unexpected record state %s", rec.State))
		}

		prev := rec.State
		rec.State = next
		err := g.persist(ctx, rec, env)
		if err == nil {
			if next == safeflow.StateUnknown {
				// upstream errors are recorded, the scheduler redelivers at once
				env.LastState = safeflow.StateUnknown
				env.AppendHistory(rec)
				return Result{Signal: safeflow.SignalInfra, Envelope: env, Reason: rec.Reason}
			}
			if next == safeflow.StateStuck {
				env.LastState = safeflow.StateStuck
				env.AppendHistory(rec)
				return Result{Signal: safeflow.SignalRetry, Envelope: env, proceed: true, takeover: true,
					Reason: rec.Reason}
			}
			if next == safeflow.StatePostStalled {
				env.LastState = safeflow.StateCompleted
				env.AppendHistory(rec)
				return Result{Signal: safeflow.SignalContinue, Envelope: env, proceed: true, postOnly: true}
			}
			continue
		}
		if !IsSequenceConflict(err) {
			logger.Error("persist %s -> %s failed: %v", prev, next, err)
			res := infra(env, fmt.Sprintf("metadata store write failed: %v", err), limits.WaitTime)
			res.Envelope.AppendHistory(rec)
			return res
		}
		g.metrics.CountConflict(StagePre)
		conflicts++
		if conflicts > g.maxConflictRetries {
			env.AppendHistory(rec)
			return redundant(env, "lost the record to a concurrent writer")
		}
		logger.Debug("sequence conflict on %s -> %s, re-reading", prev, next)
		fresh, readErr := g.store.ReadRecord(ctx, env.UniqueKey)
		if readErr != nil {
			res := infra(env, fmt.Sprintf("metadata store read failed: %v", readErr), limits.WaitTime)
			res.Envelope.AppendHistory(rec)
			return res
		}
		rec = fresh
		env.Disruptions.AlignTo(rec.Disruptions.Cursor)
	}
}

func (g *Guard) grant(env safeflow.Envelope, rec *safeflow.ActivityRecord) Result {
	env.LastState = safeflow.StateActive
	env.AppendHistory(rec)
	return Result{Signal: safeflow.SignalContinue, Envelope: env, proceed: true}
}

func (g *Guard) initRecord(rec *safeflow.ActivityRecord, env safeflow.Envelope) {
	rec.UniqueKey = env.UniqueKey
	rec.OperationName = env.OperationName
	rec.ActivityName = env.ActivityName
	rec.HostServer = g.hostFor(env)
	rec.ProcessID = g.processID
}

func (g *Guard) hostFor(env safeflow.Envelope) string {
	if env.HostServer != "" {
		return env.HostServer
	}
	return g.host
}

func snapshotOrUnknown(rec *safeflow.ActivityRecord, env safeflow.Envelope) *safeflow.ActivityRecord {
	if rec != nil {
		return rec
	}
	out := safeflow.NewUnknownRecord(env.UniqueKey)
	out.OperationName = env.OperationName
	out.ActivityName = env.ActivityName
	return out
}
