package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adgen-dev/adgen/internal/config"
	"github.com/adgen-dev/adgen/internal/events"
	"github.com/adgen-dev/adgen/internal/run"
	"github.com/adgen-dev/adgen/internal/store"
)

// Exit codes for the run command. Scripts branch on these.
const (
	exitParse      = 2
	exitOutDir     = 3
	exitCredential = 4
	exitOtherFatal = 1
)

var (
	runConfigPath   string
	runTemplatePath string
	runOutDir       string
	runResume       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one generation batch to completion",
	Long: `Run a batch against the configured provider and exit when the target
image count is reached or the run fails.

Exit codes:
  0  the run finished
  2  a document failed to parse or validate
  3  the output directory is not writable
  4  the provider credential env var is not set
  1  any other fatal error`,
	RunE: runBatch,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "./run-config.yaml", "run configuration document")
	runCmd.Flags().StringVar(&runTemplatePath, "template", "./template.yml", "prompt template document")
	runCmd.Flags().StringVar(&runOutDir, "out-dir", "", "output directory (default out/run-<timestamp>)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "report artifacts already present in the output directory")
	rootCmd.AddCommand(runCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadRunConfig(runConfigPath)
	if err != nil {
		return exitWith(exitParse, err)
	}
	tpl, err := config.LoadTemplate(runTemplatePath)
	if err != nil {
		return exitWith(exitParse, err)
	}

	applyEnvOverrides(cfg)
	if runOutDir != "" {
		cfg.OutDir = runOutDir
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "out/run-" + time.Now().UTC().Format("20060102-150405")
	}

	errs, warnings := cfg.Validate()
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e)
		}
		return exitWith(exitParse, fmt.Errorf("configuration failed validation"))
	}
	for _, wmsg := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", wmsg)
	}
	if errs, _ := tpl.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "template:", e)
		}
		return exitWith(exitParse, fmt.Errorf("template failed validation"))
	}

	if runResume {
		completed, _, err := store.ResumeState(cfg.OutDir)
		if err == nil && completed > 0 {
			fmt.Fprintf(os.Stderr, "found %d completed artifacts in %s from a previous run\n", completed, cfg.OutDir)
		}
	}

	orch, err := run.New(*cfg, *tpl, logger)
	if err != nil {
		switch {
		case errors.Is(err, run.ErrOutDirUnwritable):
			return exitWith(exitOutDir, err)
		case errors.Is(err, run.ErrCredentialMissing):
			return exitWith(exitCredential, err)
		default:
			return exitWith(exitOtherFatal, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed, cancelFeed := orch.Run().Bus.Subscribe()
	defer cancelFeed()
	go printFeed(feed)

	orch.Start(ctx)
	if err := orch.Wait(); err != nil {
		return exitWith(exitOtherFatal, err)
	}
	fmt.Printf("run %s finished: %d images in %s, cost $%.4f\n",
		orch.Run().ID, orch.Run().Accepted(), cfg.OutDir, orch.Run().CostSoFar())
	return nil
}

// printFeed renders run events as terse progress lines.
func printFeed(feed <-chan events.Event) {
	for ev := range feed {
		switch ev.Type {
		case events.TypeStarted:
			fmt.Printf("run %s started, target %d images\n", ev.RunID, ev.Total)
		case events.TypeProgress:
			fmt.Printf("accepted %d/%d (cost $%.4f)\n", ev.Done, ev.Total, ev.CostSoFar)
		case events.TypeLog:
			fmt.Println(ev.Msg)
		case events.TypeFailed:
			fmt.Fprintln(os.Stderr, "run failed:", ev.Error)
		}
	}
}

// applyEnvOverrides applies the quick-tuning env vars over the document.
func applyEnvOverrides(cfg *config.RunConfig) {
	if v, ok := envInt("ADGEN_TARGET"); ok {
		cfg.Orchestrator.TargetImages = v
	}
	if v, ok := envInt("ADGEN_CONCURRENCY"); ok {
		cfg.Orchestrator.Concurrency = int(v)
	}
	if v, ok := envInt("ADGEN_RATE_PER_MIN"); ok {
		cfg.Orchestrator.RatePerMin = int(v)
	}
}

func envInt(name string) (int64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: ignoring %s=%q: %v\n", name, raw, err)
		return 0, false
	}
	return v, true
}

// exitError carries a process exit code out of a cobra RunE so deferred
// cleanup still runs; main translates it after Execute returns.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
