package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/goliatone/go-safeflow/runner"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// JobConfig describes how a triggered job is run.
type JobConfig struct {
	Name       string
	Expression string
	MaxRetries int
	RetryDelay time.Duration
	// Timeout bounds each attempt. Zero means no bound.
	Timeout time.Duration
}

// Scheduler triggers pipeline runs on cron expressions or after a delay.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	clock        clock.Clock
	location     *time.Location
	errorHandler func(error)

	logger    Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*trigger
	defaults     JobConfig
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	cs := &Scheduler{
		clock:    clock.RealClock{},
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*trigger),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cs)
		}
	}

	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.cron = rcron.New(cs.build()...)
	return cs
}

func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// ScheduleCron schedules a recurring job by cron expression. Runs that
// overlap a still running previous run are skipped.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job any) (Handle, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle(jobName(cfg))
	cronJob := rcron.FuncJob(func() {
		if sub.Status().Terminal() {
			return
		}
		if !sub.begin(s.clock.Now()) {
			s.logInfo("skipping %s: previous run still active", sub.Name())
			return
		}
		err := run(s.baseContext())
		if err != nil {
			s.errorHandler(err)
		}
		// a failed run keeps the schedule alive; Err reports it
		sub.settle(err)
	})

	entryID, err := s.cron.AddJob(cfg.Expression, cronJob)
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job any) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(s.clock.Now().Add(delay), cfg, job)
}

// ScheduleAt schedules one execution at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job any) (Handle, error) {
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle(jobName(cfg))
	s.storeHandle(sub)

	wait := at.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	timer := s.clock.NewTimer(wait)

	go func() {
		defer timer.Stop()

		select {
		case <-timer.C():
		case <-sub.Done():
			return
		}

		if !sub.begin(s.clock.Now()) {
			return
		}
		err := run(s.baseContext())
		s.removeStoredHandle(sub.id)
		if err != nil {
			s.errorHandler(err)
			sub.finish(ScheduleStatusFailed, err)
			return
		}
		sub.finish(ScheduleStatusCompleted, nil)
	}()

	return sub, nil
}

// RemoveHandler removes a scheduled job by entry ID.
func (s *Scheduler) RemoveHandler(entryID int) {
	if s == nil {
		return
	}

	var affected []*trigger
	s.mu.Lock()
	for id, handle := range s.handles {
		if handle != nil && handle.entryID == entryID {
			affected = append(affected, handle)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	s.cron.Remove(rcron.EntryID(entryID))
	for _, handle := range affected {
		handle.finish(ScheduleStatusCanceled, nil)
	}
}

// Start begins executing scheduled cron jobs. Jobs receive a context
// derived from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx != nil {
		s.mu.Lock()
		s.cancel()
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.mu.Unlock()
	}
	s.cron.Start()
	return nil
}

// Stop stops executing scheduled jobs, cancels running ones and marks
// active handles as stopped.
func (s *Scheduler) Stop(_ context.Context) error {
	s.cron.Stop()

	var handles []*trigger
	s.mu.Lock()
	s.cancel()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*trigger)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if handle.Status().Terminal() {
			continue
		}
		handle.finish(ScheduleStatusStopped, nil)
	}
	return nil
}

// Len returns the number of live handles.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *trigger {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *trigger) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[int64]*trigger)
	}
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(name string) *trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &trigger{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) logInfo(msg string, args ...any) {
	if s.logger != nil && s.logLevel >= LogLevelInfo {
		s.logger.Info(msg, args...)
	}
}

// buildRunnable wraps job in a runner.Handler configured from cfg.
func (s *Scheduler) buildRunnable(cfg JobConfig, job any) (func(context.Context) error, error) {
	var fn func(context.Context) error
	switch j := job.(type) {
	case func():
		fn = func(context.Context) error {
			j()
			return nil
		}
	case func() error:
		fn = func(context.Context) error { return j() }
	case func(context.Context) error:
		fn = j
	case Job:
		fn = j
	default:
		return nil, fmt.Errorf("unsupported job type: %T", job)
	}
	if fn == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}

	h := runner.NewHandler(makeRunnerOptions(s, cfg.withDefaults(s.defaults))...)
	return func(ctx context.Context) error {
		return h.Run(ctx, fn)
	}, nil
}

// withDefaults fills the retry and timeout fields left zero in c.
func (c JobConfig) withDefaults(d JobConfig) JobConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Job is a unit of work triggered by the scheduler.
type Job func(ctx context.Context) error

func makeRunnerOptions(s *Scheduler, cfg JobConfig) []runner.Option {
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithErrorHandler(s.errorHandler),
	}
	if s.logger != nil {
		opts = append(opts, runner.WithLogger(s.logger))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	if cfg.RetryDelay > 0 {
		opts = append(opts, runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{
			Base:   cfg.RetryDelay,
			Factor: 2,
		}))
	}
	return opts
}

func jobName(cfg JobConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return cfg.Expression
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
		))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	default:
		if s.logLevel > LogLevelSilent {
			cronLogger = makeLogger(os.Stdout, s.logLevel)
		}
	}

	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}

	return opts
}
