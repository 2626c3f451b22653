package flow

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"

	"github.com/goliatone/go-safeflow"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestGuard(t *testing.T, store MetadataStore, opts ...GuardOption) (*Guard, *testclock.FakeClock) {
	t.Helper()
	clk := testclock.NewFakeClock(testEpoch)
	base := []GuardOption{
		WithClock(clk),
		WithLogger(NewFmtLogger(io.Discard)),
		WithHostServer("test-host"),
		WithPanicLogger(func(string, any, []byte, ...map[string]any) {}),
	}
	return NewGuard(store, append(base, opts...)...), clk
}

func newEnvelope(t *testing.T, key, instance string, tokens ...string) safeflow.Envelope {
	t.Helper()
	stack, err := safeflow.NewDisruptionStack(tokens...)
	if err != nil {
		t.Fatalf("disruption stack: %v", err)
	}
	return safeflow.Envelope{
		UniqueKey:     key,
		OperationName: "Main",
		ActivityName:  "Alpha",
		InstanceID:    instance,
		Disruptions:   stack,
	}
}

// countingStep appends name to Output and counts invocations.
func countingStep(name string, calls *int32) safeflow.Step {
	return safeflow.StepFunc(func(_ context.Context, env safeflow.Envelope) (safeflow.Envelope, error) {
		atomic.AddInt32(calls, 1)
		if env.Output == "" {
			env.Output = name
		} else {
			env.Output += "," + name
		}
		return env, nil
	})
}

func threeActivities(calls *int32) Pipeline {
	return Pipeline{
		Operation: "Main",
		Activities: []Activity{
			{Name: "Alpha", Step: countingStep("Alpha", calls)},
			{Name: "Bravo", Step: countingStep("Bravo", calls)},
			{Name: "Charlie", Step: countingStep("Charlie", calls)},
		},
	}
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type recordingMetrics struct {
	mu        sync.Mutex
	stages    map[string]int
	signals   map[safeflow.Signal]int
	conflicts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		stages:    make(map[string]int),
		signals:   make(map[safeflow.Signal]int),
		conflicts: make(map[string]int),
	}
}

func (m *recordingMetrics) ObserveStage(stage, _ string, _ safeflow.ActivityState, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage]++
}

func (m *recordingMetrics) CountSignal(_, _ string, signal safeflow.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[signal]++
}

func (m *recordingMetrics) CountConflict(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[stage]++
}

func historyStates(env safeflow.Envelope) []string {
	out := make([]string, 0, len(env.ActivityHistory))
	for _, rec := range env.ActivityHistory {
		out = append(out, rec.State.String())
	}
	return out
}

func traceContains(rec *safeflow.ActivityRecord, fragment string) bool {
	for _, line := range rec.TraceLines() {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

// waitForWaiters blocks until something is parked on the fake clock and
// gives concurrent timers a moment to register as well.
func waitForWaiters(t *testing.T, clk *testclock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !clk.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for clock waiters")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
}

func mustRead(t *testing.T, store MetadataStore, key string) *safeflow.ActivityRecord {
	t.Helper()
	rec, err := store.ReadRecord(context.Background(), key)
	if err != nil {
		t.Fatalf("read record %s: %v", key, err)
	}
	return rec
}
