package safeflow

import "context"

// Step is one business activity wrapped by the lifecycle state machine.
type Step interface {
	Run(ctx context.Context, env Envelope) (Envelope, error)
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, env Envelope) (Envelope, error)

func (f StepFunc) Run(ctx context.Context, env Envelope) (Envelope, error) {
	return f(ctx, env)
}

// NoopStep returns the envelope unchanged.
var NoopStep = StepFunc(func(_ context.Context, env Envelope) (Envelope, error) {
	return env, nil
})
