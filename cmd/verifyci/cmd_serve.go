package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"verifyci/internal/core"
	"verifyci/internal/logging"
	"verifyci/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the push API and run pipelines on push events",
	Long: `Starts the HTTP API. POST /push starts a run for the pushed checkout;
a newer push for the same ref supersedes the run still in flight.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", ":8080", "Listen address")
	f.String("pipeline", "", "Default pipeline YAML (default: built-in cargo pipeline)")
	f.Int("parallel", 0, "Maximum stages running at once per run")
	f.Bool("keep-logs", false, "Keep stage logs after a run reports")
	f.String("log-dir", "./.verifyci/logs", "Directory for stage logs")
	f.String("temp-dir", "", "Parent directory of per-stage workspaces")
	f.String("agent-url", "", "Run steps on the agent at this URL")
	f.String("agent-id", "local-agent", "Executor identity recorded in the ledger")
}

func runServe(cmd *cobra.Command, _ []string) error {
	p, err := core.LoadPipeline(cfg.Pipeline)
	if err != nil {
		return err
	}
	runner, err := newRunner(io.Discard)
	if err != nil {
		return err
	}

	s := server.New(p, server.Options{Runner: runner, Ledger: runner.Ledger, KeepLogs: cfg.KeepLogs})
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return listenUntilDone(cmd.Context(), httpSrv, "server", s.Shutdown)
}

// listenUntilDone serves until ctx is cancelled, then shuts down gracefully
func listenUntilDone(ctx context.Context, srv *http.Server, component string, onStop func()) error {
	log := logging.New(component)
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if onStop != nil {
			onStop()
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if onStop != nil {
		onStop()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
