package flow

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/goliatone/go-safeflow"
)

const defaultMaxConflictRetries = 3

// Result is what every guard stage hands back to the scheduler.
type Result struct {
	Signal   safeflow.Signal
	Envelope safeflow.Envelope
	Reason   string
	// Delay is the backoff requested with SignalInfra.
	Delay time.Duration

	// proceed is set by the gate when the caller owns the record.
	proceed bool
	// postOnly is set by the gate when the step already ran durably.
	postOnly bool
	// takeover is set by the gate when it marked a stale owner Stuck.
	takeover bool
	// unreached is set by the executor when it never touched the record.
	unreached bool
}

// Proceed reports whether the gate granted execution.
func (r Result) Proceed() bool {
	return r.proceed
}

// Guard wraps activity steps with the lifecycle state machine. It holds
// no per-key state; the metadata store is the only shared state.
type Guard struct {
	store              MetadataStore
	clock              clock.Clock
	logger             Logger
	metrics            MetricsRecorder
	limits             Limits
	disruptedLimits    Limits
	resources          *ResourceLimiter
	host               string
	processID          string
	maxConflictRetries int
	panicLogger        safeflow.PanicLogger
}

type GuardOption func(*Guard)

func WithLogger(logger Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

func WithClock(c clock.Clock) GuardOption {
	return func(g *Guard) {
		if c != nil {
			g.clock = c
		}
	}
}

func WithMetrics(recorder MetricsRecorder) GuardOption {
	return func(g *Guard) {
		if recorder != nil {
			g.metrics = recorder
		}
	}
}

// WithLimits sets the caps for regular runs.
func WithLimits(limits Limits) GuardOption {
	return func(g *Guard) {
		g.limits = limits.withDefaults(DefaultLimits())
	}
}

// WithDisruptedLimits sets the caps for fault-injection runs.
func WithDisruptedLimits(limits Limits) GuardOption {
	return func(g *Guard) {
		g.disruptedLimits = limits.withDefaults(DisruptedLimits())
	}
}

func WithResourceLimiter(limiter *ResourceLimiter) GuardOption {
	return func(g *Guard) {
		g.resources = limiter
	}
}

func WithHostServer(host string) GuardOption {
	return func(g *Guard) {
		if host = strings.TrimSpace(host); host != "" {
			g.host = host
		}
	}
}

func WithMaxConflictRetries(n int) GuardOption {
	return func(g *Guard) {
		if n >= 0 {
			g.maxConflictRetries = n
		}
	}
}

func WithPanicLogger(logger safeflow.PanicLogger) GuardOption {
	return func(g *Guard) {
		g.panicLogger = logger
	}
}

// NewGuard builds a guard over store.
func NewGuard(store MetadataStore, opts ...GuardOption) *Guard {
	g := &Guard{
		store:              store,
		clock:              clock.RealClock{},
		metrics:            nopMetrics{},
		limits:             DefaultLimits(),
		disruptedLimits:    DisruptedLimits(),
		host:               safeflow.IdentifyHost(),
		processID:          strconv.Itoa(os.Getpid()),
		maxConflictRetries: defaultMaxConflictRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.logger = normalizeLogger(g.logger)
	return g
}

// Store returns the metadata store the guard writes to.
func (g *Guard) Store() MetadataStore {
	return g.store
}

// LimitsFor returns the caps that apply to env.
func (g *Guard) LimitsFor(env safeflow.Envelope) Limits {
	if env.IsDisrupted() {
		return g.disruptedLimits
	}
	return g.limits
}

// SettingsFor reads the settings of the current activity. A store failure
// falls back to defaults.
func (g *Guard) SettingsFor(ctx context.Context, env safeflow.Envelope) safeflow.ActivitySettings {
	settings, err := g.store.ReadSettings(ctx, env.ActivityName)
	if err != nil {
		g.loggerFor(ctx, env).Warn("read settings failed, using defaults: %v", err)
		return safeflow.DefaultActivitySettings(env.ActivityName)
	}
	return settings
}

// PolicyFor computes the retry policy for the current activity.
func (g *Guard) PolicyFor(ctx context.Context, env safeflow.Envelope) RetryPolicy {
	settings := g.SettingsFor(ctx, env)
	if env.IsDisrupted() {
		if test, err := g.store.ReadSettings(ctx, safeflow.DisruptedSettingsName); err == nil {
			settings = mergeDisruptedSettings(settings, test)
		}
	}
	return PolicyForSettings(settings, env.IsDisrupted())
}

// ActivityTimeout is how long the step of the current activity may run.
// Disrupted runs are held to the short limits so Drag and Stick stay fast.
func (g *Guard) ActivityTimeout(ctx context.Context, env safeflow.Envelope) time.Duration {
	return g.activityTimeout(ctx, env, g.SettingsFor(ctx, env))
}

func (g *Guard) activityTimeout(ctx context.Context, env safeflow.Envelope, settings safeflow.ActivitySettings) time.Duration {
	timeout := settings.WithDefaults().ActivityTimeout
	if !env.IsDisrupted() {
		return timeout
	}
	if test, err := g.store.ReadSettings(ctx, safeflow.DisruptedSettingsName); err == nil && test.ActivityTimeout > 0 && test.ActivityTimeout < timeout {
		timeout = test.ActivityTimeout
	}
	if limit := g.disruptedLimits.MaximumActivityTime; limit > 0 && limit < timeout {
		timeout = limit
	}
	return timeout
}

// StuckAfter is how long an Active record may sit under one owner before
// another instance may take it over. It never undercuts the step timeout,
// so a live owner is not displaced while its step may still be running.
func (g *Guard) StuckAfter(ctx context.Context, env safeflow.Envelope) time.Duration {
	limit := g.LimitsFor(env).MaximumActivityTime
	if timeout := g.ActivityTimeout(ctx, env); timeout > limit {
		return timeout
	}
	return limit
}

func mergeDisruptedSettings(activity, test safeflow.ActivitySettings) safeflow.ActivitySettings {
	out := test
	out.Name = activity.Name
	out.ActivityTimeout = activity.ActivityTimeout
	out.IOIntensive = activity.IOIntensive
	out.MemoryIntensive = activity.MemoryIntensive
	out.LongRunning = activity.LongRunning
	return out
}

func (g *Guard) loggerFor(ctx context.Context, env safeflow.Envelope) Logger {
	logger := g.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	return withLoggerFields(logger, map[string]any{
		"unique_key":  env.UniqueKey,
		"operation":   env.OperationName,
		"activity":    env.ActivityName,
		"instance_id": env.InstanceID,
	})
}

func (g *Guard) now() time.Time {
	return g.clock.Now().UTC()
}

// persist writes rec, mirroring the envelope's disruption cursor so a
// redelivered cycle can realign.
func (g *Guard) persist(ctx context.Context, rec *safeflow.ActivityRecord, env safeflow.Envelope) error {
	rec.Disruptions = env.Disruptions.Clone()
	return g.store.WriteRecord(ctx, rec)
}

func (g *Guard) finish(stage string, start time.Time, res Result, state safeflow.ActivityState) Result {
	g.metrics.ObserveStage(stage, res.Envelope.ActivityName, state, g.clock.Since(start))
	g.metrics.CountSignal(stage, res.Envelope.ActivityName, res.Signal)
	return res
}

func redundant(env safeflow.Envelope, reason string) Result {
	env.LastState = safeflow.StateRedundant
	return Result{Signal: safeflow.SignalRedundant, Envelope: env, Reason: reason}
}

func infra(env safeflow.Envelope, reason string, delay time.Duration) Result {
	env.LastState = safeflow.StateDeferred
	env.AddError(reason)
	return Result{Signal: safeflow.SignalInfra, Envelope: env, Reason: reason, Delay: delay}
}

func fatal(env safeflow.Envelope, reason string) Result {
	env.AddError(reason)
	return Result{Signal: safeflow.SignalFatal, Envelope: env, Reason: reason}
}
