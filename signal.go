package safeflow

// Signal is the coarse outcome of an activity cycle reported to the
// scheduler. Business errors never cross this boundary.
type Signal int

const (
	// SignalContinue lets the pipeline move to the next activity.
	SignalContinue Signal = iota
	// SignalRetry asks for re-invocation after the business backoff.
	SignalRetry
	// SignalFatal aborts the pipeline.
	SignalFatal
	// SignalInfra asks for re-invocation after the infrastructure backoff.
	SignalInfra
	// SignalRedundant ends the pipeline silently.
	SignalRedundant
)

func (s Signal) String() string {
	switch s {
	case SignalContinue:
		return "continue"
	case SignalRetry:
		return "retry"
	case SignalFatal:
		return "fatal"
	case SignalInfra:
		return "infra"
	case SignalRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

func (s Signal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SignalForState maps a post-execution state onto the scheduler signal.
func SignalForState(state ActivityState) Signal {
	switch state {
	case StateCompleted, StateSuccessful:
		return SignalContinue
	case StateStalled, StateStuck, StatePostStalled:
		return SignalRetry
	case StateFailed, StateUnsuccessful:
		return SignalFatal
	case StateDeferred:
		return SignalInfra
	case StateRedundant:
		return SignalRedundant
	default:
		return SignalRetry
	}
}
