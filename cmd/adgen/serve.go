package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adgen-dev/adgen/internal/config"
	"github.com/adgen-dev/adgen/internal/server"
)

var (
	serveBind         string
	serveConfigPath   string
	serveTemplatePath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control API",
	Long: `Serve the control API: config and template editing, run control, the
per-run event stream and artifact browsing. Settings come from adgen.yaml
or ADGEN_* environment variables; flags override both.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveBind, "bind", "", "listen address (overrides settings)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "run configuration document (overrides settings)")
	serveCmd.Flags().StringVar(&serveTemplatePath, "template-path", "", "prompt template document (overrides settings)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if serveBind != "" {
		settings.Server.Bind = serveBind
	}
	if serveConfigPath != "" {
		settings.Paths.Config = serveConfigPath
	}
	if serveTemplatePath != "" {
		settings.Paths.Template = serveTemplatePath
	}

	// Runs started over the API outlive their requests; this context is
	// their root and dies with the process.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	srv, err := server.New(runCtx, logger, settings.Paths.Config, settings.Paths.Template)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:        settings.Server.Bind,
		Handler:     srv.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: time.Minute,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", slog.String("signal", sig.String()))

	cancelRuns()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
