package flow

import (
	"time"

	"github.com/goliatone/go-safeflow"
)

// Stage names reported to the metrics recorder.
const (
	StagePre    = "pre"
	StageExec   = "exec"
	StagePost   = "post"
	StageFinish = "finish"
)

// MetricsRecorder receives per-stage observations from the guard.
type MetricsRecorder interface {
	ObserveStage(stage, activity string, state safeflow.ActivityState, duration time.Duration)
	CountSignal(stage, activity string, signal safeflow.Signal)
	CountConflict(stage string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveStage(string, string, safeflow.ActivityState, time.Duration) {}
func (nopMetrics) CountSignal(string, string, safeflow.Signal)                      {}
func (nopMetrics) CountConflict(string)                                             {}
