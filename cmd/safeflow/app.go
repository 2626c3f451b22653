package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-safeflow"
	"github.com/goliatone/go-safeflow/config"
	"github.com/goliatone/go-safeflow/flow"
)

var defaultActivities = []string{"Alpha", "Bravo", "Charlie"}

// app owns the process wide collaborators. Commands receive it through
// kong bindings.
type app struct {
	cfg    config.Config
	logger flow.Logger
	store  flow.MetadataStore
	db     *sql.DB
	out    io.Writer
}

func newApp(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: newLogger(cfg.Logging, os.Stderr),
		out:    out,
	}

	switch cfg.Store.Driver {
	case config.StoreSQLite:
		db, err := flow.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryExternal, "open sqlite store").
				WithMetadata(map[string]any{"path": cfg.Store.Path})
		}
		a.db = db
		a.store = flow.NewSQLiteMetadataStore(db, cfg.Store.TablePrefix)
	default:
		a.store = flow.NewInMemoryMetadataStore()
	}

	if len(cfg.Activities) > 0 {
		if err := a.importSettings(ctx, cfg.SettingsSet()); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) flow.Logger {
	if cfg.Format == "json" {
		return flow.NewGlogLogger(glog.NewLogger(
			glog.WithWriter(w),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(cfg.Level),
		))
	}
	return flow.NewGlogLogger(glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLevel(cfg.Level),
	))
}

func (a *app) importSettings(ctx context.Context, set flow.SettingsSet) error {
	w, ok := a.store.(flow.SettingsWriter)
	if !ok {
		return errors.New("metadata store does not accept settings", errors.CategoryBadInput)
	}
	n, err := flow.ImportSettings(ctx, w, set)
	if err != nil {
		return err
	}
	a.logger.Info("imported %d activity settings", n)
	return nil
}

func (a *app) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *app) guard(opts ...flow.GuardOption) *flow.Guard {
	base := []flow.GuardOption{
		flow.WithLogger(a.logger),
		flow.WithLimits(a.cfg.Limits),
		flow.WithResourceLimiter(flow.NewResourceLimiter(a.cfg.Resources.Capacity)),
	}
	return flow.NewGuard(a.store, append(base, opts...)...)
}

// pipeline builds the configured pipeline out of demo steps. Each step
// appends its name to the envelope output.
func (a *app) pipeline(operation string) flow.Pipeline {
	if operation == "" {
		operation = a.cfg.Pipeline.Operation
	}
	names := a.cfg.Pipeline.Activities
	if len(names) == 0 {
		names = defaultActivities
	}
	p := flow.Pipeline{Operation: operation}
	for _, name := range names {
		p.Activities = append(p.Activities, flow.Activity{Name: name, Step: demoStep(name)})
	}
	return p
}

func demoStep(name string) safeflow.Step {
	return safeflow.StepFunc(func(ctx context.Context, env safeflow.Envelope) (safeflow.Envelope, error) {
		if err := ctx.Err(); err != nil {
			return env, err
		}
		parts := []string{}
		if env.Output != "" {
			parts = strings.Split(env.Output, ",")
		}
		env.Output = strings.Join(append(parts, name), ",")
		return env, nil
	})
}

// instanceID follows the Main-<operation>-<key>-<timestamp> scheme.
func instanceID(operation, key string, now time.Time) string {
	return fmt.Sprintf("Main-%s-%s-%s", operation, key, now.UTC().Format("20060102T150405.000"))
}
