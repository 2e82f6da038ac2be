// dispatchd is the dispatch server executable: it hands download tasks
// to registered workers and registers the documents they bring back.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/logging"
	"github.com/reyestr-project/dispatch/internal/server"
)

// Exit codes, so supervisors can tell a bad config from a dead backend.
const (
	exitConfig = 1
	exitStore  = 2
	exitCache  = 3
)

var cfgFile string

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Task dispatch and document registration server for the registry download fleet.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sweeps",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	log, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.New(ctx, cfg, log)
	if err != nil {
		switch {
		case errors.Is(err, server.ErrStoreUnreachable):
			return &exitError{code: exitStore, err: err}
		case errors.Is(err, server.ErrCacheUnreachable):
			return &exitError{code: exitCache, err: err}
		default:
			return &exitError{code: exitConfig, err: err}
		}
	}
	defer app.Close()

	log.Info("dispatchd starting", zap.String("config", cfgFile))
	return app.Run(ctx)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatchd:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
