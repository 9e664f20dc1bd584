package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/convoy/internal/core"
	"github.com/3cpo-dev/convoy/internal/plan"
	"github.com/3cpo-dev/convoy/internal/probe"
	"github.com/3cpo-dev/convoy/internal/report"
)

// progress logs target transitions and step attempts as they happen.
type progress struct{}

func (progress) OnTransition(target string, t core.Transition) {
	log.Info().Str("target", target).Str("from", string(t.From)).Str("state", string(t.To)).Msg("target")
}

func (progress) OnStepResult(target string, r core.StepResult) {
	ev := log.Info()
	if r.Outcome != core.OutcomeSuccess {
		ev = log.Warn().Str("reason", r.Reason)
	}
	ev.Str("target", target).
		Str("phase", string(r.Phase)).
		Str("step", r.Step).
		Int("attempt", r.Attempt).
		Str("outcome", string(r.Outcome)).
		Msg("step")
}

type runFlags struct {
	plan         string
	format       string
	verbose      bool
	archive      bool
	upload       bool
	watch        bool
	parallelism  int
	retries      int
	timeout      time.Duration
	probeTimeout time.Duration
	deadline     time.Duration
	noRollback   bool
}

// Run a plan
func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Deploy every target of a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, flush, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer flush()
			opts := runOptions(cmd, cfg, f)
			if !cmd.Flags().Changed("format") {
				f.format = cfg.Report.Format
			}
			if !cmd.Flags().Changed("archive") {
				f.archive = cfg.Report.Archive
			}

			reporters, closeReporters, err := buildReporters(cmd.OutOrStdout(), cfg, f)
			if err != nil {
				return &exitError{code: report.ExitConfiguration, err: err}
			}
			defer closeReporters()

			code := runOnce(cmd.Context(), cfg, f.plan, opts, reporters)
			if !f.watch {
				if code != report.ExitOK {
					return &exitError{code: code}
				}
				return nil
			}
			return watchPlan(cmd.Context(), cfg, f.plan, opts, reporters)
		},
	}
	cmd.Flags().StringVarP(&f.plan, "plan", "p", "", "plan file")
	cmd.Flags().StringVar(&f.format, "format", "text", "report format: text or json")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "list every attempt of failed targets")
	cmd.Flags().BoolVar(&f.archive, "archive", false, "store the run in the local history database")
	cmd.Flags().BoolVar(&f.upload, "upload", false, "upload the JSON report to the configured bucket")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "run again whenever the plan file changes")
	cmd.Flags().IntVar(&f.parallelism, "parallelism", 1, "targets processed at once")
	cmd.Flags().IntVar(&f.retries, "retries", 0, "override the retries of every step")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "override the timeout of every step")
	cmd.Flags().DurationVar(&f.probeTimeout, "probe-timeout", 0, "override the per-attempt health check timeout")
	cmd.Flags().DurationVar(&f.deadline, "deadline", 0, "cancel the whole run after this long")
	cmd.Flags().BoolVar(&f.noRollback, "no-rollback", false, "never run rollback steps")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runOptions(cmd *cobra.Command, cfg core.Config, f runFlags) core.Options {
	opts := cfg.Options()
	if cmd.Flags().Changed("parallelism") {
		opts.Parallelism = f.parallelism
	}
	if cmd.Flags().Changed("retries") {
		r := f.retries
		opts.Retries = &r
	}
	if f.timeout > 0 {
		opts.StepTimeout = f.timeout
	}
	if f.probeTimeout > 0 {
		opts.ProbeTimeout = f.probeTimeout
	}
	if f.deadline > 0 {
		opts.Deadline = f.deadline
	}
	if f.noRollback {
		opts.RollbackEnabled = false
	}
	return opts
}

func buildReporters(out io.Writer, cfg core.Config, f runFlags) (report.Multi, func(), error) {
	var reporters report.Multi
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch f.format {
	case "text":
		reporters = append(reporters, report.Text{W: out, Verbose: f.verbose})
	case "json":
		reporters = append(reporters, report.JSON{W: out, Indent: true})
	default:
		return nil, closeAll, fmt.Errorf("unknown report format %q", f.format)
	}
	if f.archive {
		store, err := core.NewStore(cfg.Store)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, func() { store.Close() })
		reporters = append(reporters, report.Archive{Store: store})
	}
	if f.upload {
		b, err := report.NewBucket(cfg)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		reporters = append(reporters, b)
	}
	return reporters, closeAll, nil
}

// runOnce loads, builds and runs the plan and returns the process exit code.
func runOnce(ctx context.Context, cfg core.Config, path string, opts core.Options, reporters report.Reporter) int {
	spec, err := plan.Load(path)
	if err != nil {
		log.Error().Err(err).Msg("load plan")
		return report.ExitConfiguration
	}
	builder := plan.NewBuilder(cfg)
	builder.BaseDir = filepath.Dir(path)
	p, err := builder.Build(ctx, spec)
	if err != nil {
		log.Error().Msg(err.Error())
		return report.ExitCode(nil, err)
	}

	prober := probe.New()
	prober.Register(core.CheckSSH, probe.SSHChecker{Connector: builder.Connector})
	exec := core.NewExecutor()
	exec.Policy = cfg.RetryPolicy()
	orch := core.NewOrchestrator(exec, prober, opts)
	orch.Observer = progress{}

	summary, runErr := orch.Run(ctx, p)
	if summary == nil {
		log.Error().Msg(runErr.Error())
		return report.ExitCode(nil, runErr)
	}
	// Reports are still written when the run was cancelled.
	if err := reporters.Report(context.WithoutCancel(ctx), summary); err != nil {
		log.Error().Err(err).Msg("report run")
	}
	return report.ExitCode(summary, runErr)
}

func watchPlan(ctx context.Context, cfg core.Config, path string, opts core.Options, reporters report.Reporter) error {
	w, err := plan.NewWatcher(path, 500*time.Millisecond)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("plan", path).Msg("watching plan for changes")
	for ev := range w.Events() {
		if ev.Err != nil {
			log.Error().Err(ev.Err).Msg("plan changed but could not be loaded")
			continue
		}
		log.Info().Str("plan", ev.Spec.Name).Msg("plan changed, running again")
		runOnce(ctx, cfg, path, opts, reporters)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Validate a plan
func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a plan without executing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, flush, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer flush()
			spec, err := plan.Load(path)
			if err != nil {
				return &exitError{code: report.ExitConfiguration, err: err}
			}
			builder := plan.NewBuilder(cfg)
			builder.BaseDir = filepath.Dir(path)
			p, err := builder.Build(cmd.Context(), spec)
			if err == nil {
				err = core.ValidatePlan(p)
			}
			if err != nil {
				return &exitError{code: report.ExitConfiguration, err: err}
			}
			for _, t := range p.Targets {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d step(s)\t%d rollback step(s)\t%s\n",
					t.ID, t.Host.Address, len(t.Steps), len(t.RollbackSteps), t.HealthCheck)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s ok: %d target(s)\n", p.Name, len(p.Targets))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "plan", "p", "", "plan file")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
