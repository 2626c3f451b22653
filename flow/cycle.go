package flow

import (
	"context"

	"github.com/goliatone/go-safeflow"
)

// RunCycle runs one activity cycle: gate, then the timed executor when the
// gate grants it, then post-processing.
func (g *Guard) RunCycle(ctx context.Context, env safeflow.Envelope, step safeflow.Step) Result {
	pre := g.PreProcess(ctx, env)
	if !pre.proceed {
		return pre
	}
	if pre.takeover || pre.postOnly {
		return g.PostProcess(ctx, pre.Envelope)
	}

	exec := g.Execute(ctx, pre.Envelope, step)
	if exec.Signal == safeflow.SignalRedundant || exec.unreached {
		return exec
	}
	return g.PostProcess(ctx, exec.Envelope)
}
