package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/convoy/internal/core"
	"github.com/3cpo-dev/convoy/internal/telemetry"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convoy",
		Short: "Convoy: multi-target deployment orchestration",
		Long: "Convoy drives a plan of deployment targets through their install steps, health checks " +
			"and, when something fails, their rollback steps.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("log-format", "console", "Log output: console or json")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/convoy/config.yaml)")
	cmd.PersistentFlags().String("proxy", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		level, _ := c.Flags().GetString("log")
		format, _ := c.Flags().GetString("log-format")
		if err := setLogging(level, format); err != nil {
			return err
		}
		if proxy, _ := c.Flags().GetString("proxy"); proxy != "" {
			_ = os.Setenv("HTTP_PROXY", proxy)
			_ = os.Setenv("HTTPS_PROXY", proxy)
		}
		return nil
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newHostsCmd())
	cmd.AddCommand(newCompletionCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "convoy %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}

// loadConfig reads --config and starts telemetry when enabled. The returned
// func flushes telemetry.
func loadConfig(cmd *cobra.Command) (core.Config, func(), error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return cfg, func() {}, &exitError{code: 2, err: err}
	}
	// Flags win over the log section of the config file.
	level, format := cfg.Log.Level, cfg.Log.Format
	if cmd.Flags().Changed("log") {
		level, _ = cmd.Flags().GetString("log")
	}
	if cmd.Flags().Changed("log-format") {
		format, _ = cmd.Flags().GetString("log-format")
	}
	if err := setLogging(level, format); err != nil {
		return cfg, func() {}, &exitError{code: 2, err: err}
	}
	if !cfg.Telemetry.Enabled {
		return cfg, func() {}, nil
	}
	telemetry.InitGlobal(telemetry.Config{
		Enabled:  true,
		Endpoint: cfg.Telemetry.OTLPEndpoint,
		Service:  "convoy",
		Version:  version,
	})
	return cfg, func() {
		if err := telemetry.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("flush telemetry")
		}
	}, nil
}

func setLogging(levelStr, format string) error {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		return fmt.Errorf("invalid log level %q", levelStr)
	}
	zerolog.SetGlobalLevel(level)
	switch format {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd()
	root.SetContext(ctx)
	err := root.Execute()
	if err == nil {
		return
	}
	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		err = ee.err
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	stop()
	os.Exit(code)
}
