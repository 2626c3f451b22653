package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-safeflow"
	"github.com/goliatone/go-safeflow/config"
	"github.com/goliatone/go-safeflow/cron"
	"github.com/goliatone/go-safeflow/flow"
	"github.com/goliatone/go-safeflow/metrics"
)

type CLI struct {
	Config string `help:"Path to the YAML configuration file." short:"c" type:"path" env:"SAFEFLOW_CONFIG"`

	Run      RunCmd      `cmd:"" help:"Run the configured pipeline once for a unique key."`
	Show     ShowCmd     `cmd:"" help:"Print the stored activity record for a unique key."`
	Settings SettingsCmd `cmd:"" help:"Manage per activity settings."`
	Serve    ServeCmd    `cmd:"" help:"Trigger pipeline runs on the configured cron schedule."`
}

type RunCmd struct {
	Key       string   `help:"Unique key of the operation. Generated when empty."`
	Operation string   `help:"Operation name. Defaults to the configured pipeline operation."`
	Instance  string   `help:"Instance id. Defaults to Main-<operation>-<key>-<timestamp>."`
	Disrupt   []string `help:"Disruption tokens, consumed one per activity cycle." sep:","`
	Payload   string   `help:"JSON payload carried through the pipeline."`
}

func (c *RunCmd) Run(a *app) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env, err := c.envelope(a)
	if err != nil {
		return err
	}
	report, err := flow.NewScheduler(a.guard()).Run(ctx, a.pipeline(env.OperationName), env)
	if err != nil {
		return err
	}
	return printJSON(a, report)
}

func (c *RunCmd) envelope(a *app) (safeflow.Envelope, error) {
	key := strings.TrimSpace(c.Key)
	if key == "" {
		key = uuid.NewString()
	}
	operation := c.Operation
	if operation == "" {
		operation = a.cfg.Pipeline.Operation
	}
	stack, err := safeflow.NewDisruptionStack(c.Disrupt...)
	if err != nil {
		return safeflow.Envelope{}, err
	}
	env := safeflow.Envelope{
		UniqueKey:     key,
		OperationName: operation,
		InstanceID:    c.Instance,
		Disruptions:   stack,
	}
	if env.InstanceID == "" {
		env.InstanceID = instanceID(operation, key, time.Now())
	}
	if c.Payload != "" {
		if !json.Valid([]byte(c.Payload)) {
			return env, safeflow.ValidationError("payload is not valid JSON")
		}
		env.Payload = json.RawMessage(c.Payload)
	}
	return env, nil
}

type ShowCmd struct {
	Key   string `arg:"" help:"Unique key of the operation."`
	Trace bool   `help:"Print only the trace lines."`
}

func (c *ShowCmd) Run(a *app) error {
	rec, err := a.store.ReadRecord(context.Background(), c.Key)
	if err != nil {
		return err
	}
	if c.Trace {
		for _, line := range rec.TraceLines() {
			fmt.Fprintln(a.out, line)
		}
		return nil
	}
	return printJSON(a, rec)
}

type SettingsCmd struct {
	Import SettingsImportCmd `cmd:"" help:"Import activity settings from a YAML or JSON document."`
	Get    SettingsGetCmd    `cmd:"" help:"Print the effective settings and retry policy of an activity."`
}

type SettingsImportCmd struct {
	File string `arg:"" type:"existingfile" help:"Settings document."`
}

func (c *SettingsImportCmd) Run(a *app) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	set, err := flow.ParseSettingsSet(data)
	if err != nil {
		return err
	}
	return a.importSettings(context.Background(), set)
}

type SettingsGetCmd struct {
	Activity  string `arg:"" help:"Activity name."`
	Disrupted bool   `help:"Show the policy used for disrupted runs."`
}

func (c *SettingsGetCmd) Run(a *app) error {
	settings, err := a.store.ReadSettings(context.Background(), c.Activity)
	if err != nil {
		return err
	}
	return printJSON(a, map[string]any{
		"settings": settings,
		"policy":   flow.PolicyForSettings(settings, c.Disrupted),
	})
}

type ServeCmd struct {
	Schedule string `help:"Cron expression overriding the configured schedule."`
}

func (c *ServeCmd) Run(a *app) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	expr := c.Schedule
	if expr == "" {
		expr = a.cfg.Pipeline.Schedule
	}
	if expr == "" {
		return safeflow.ValidationError("serve needs a cron schedule")
	}

	var guardOpts []flow.GuardOption
	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		recorder, err := metrics.NewRecorder(
			metrics.WithRegisterer(reg),
			metrics.WithNamespace(a.cfg.Metrics.Namespace),
		)
		if err != nil {
			return err
		}
		guardOpts = append(guardOpts, flow.WithMetrics(recorder))

		srv := &http.Server{
			Addr:              a.cfg.Metrics.Address,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	guard := a.guard(guardOpts...)
	runner := flow.NewScheduler(guard)
	pipeline := a.pipeline("")
	triggers := cron.NewScheduler(
		cron.WithLogger(a.logger),
		cron.WithLogLevel(cron.LogLevelInfo),
		cron.WithJobDefaults(cron.JobConfig{
			MaxRetries: a.cfg.Limits.ChokeCap,
			RetryDelay: a.cfg.Limits.WaitTime,
		}),
		cron.WithErrorHandler(func(err error) {
			a.logger.Error("scheduled run failed: %v", err)
		}),
	)

	var trigger func(ctx context.Context, env safeflow.Envelope) error
	trigger = func(ctx context.Context, env safeflow.Envelope) error {
		report, err := runner.Run(ctx, pipeline, env)
		if err != nil {
			return err
		}
		a.logger.Info("operation %s finished %s (%s) after %d cycles",
			report.UniqueKey, report.FinalState, report.Signal, report.Cycles)
		if report.Signal == safeflow.SignalInfra {
			// the store stayed unavailable; hand the same instance back later
			delay := guard.LimitsFor(report.Envelope).ChokeTime
			next := report.Envelope.Clone()
			_, err := triggers.ScheduleAfter(delay, cron.JobConfig{Name: "redeliver " + report.UniqueKey},
				cron.Job(func(ctx context.Context) error { return trigger(ctx, next) }))
			return err
		}
		return nil
	}

	_, err := triggers.ScheduleCron(cron.JobConfig{Name: pipeline.Operation, Expression: expr},
		cron.Job(func(ctx context.Context) error {
			key := uuid.NewString()
			return trigger(ctx, safeflow.Envelope{
				UniqueKey:     key,
				OperationName: pipeline.Operation,
				InstanceID:    instanceID(pipeline.Operation, key, time.Now()),
			})
		}))
	if err != nil {
		return err
	}

	if err := triggers.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("serving %s on %q", pipeline.Operation, expr)
	<-ctx.Done()
	return triggers.Stop(context.Background())
}

func printJSON(a *app, v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("safeflow"),
		kong.Description("Safety wrapper around multi-step activity pipelines."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	kctx.FatalIfErrorf(err)

	a, err := newApp(context.Background(), cfg, os.Stdout)
	kctx.FatalIfErrorf(err)
	defer a.Close()

	kctx.FatalIfErrorf(kctx.Run(a))
}
