package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/recordcache/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Paused bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the record cache over HTTP",
		Long: `Serve the draft-aware record endpoints, the draft queue and a change
stream over HTTP.

Configuration is read from RECORDCACHE_* environment variables and an
optional .env file. The draft queue uploads pending actions in the
background unless --paused is given.

Example:
  recordcache serve
  RECORDCACHE_DURABLE_BACKEND=redis recordcache serve --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Paused, "paused", false, "do not start uploading queued drafts")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := newLogger(os.Stderr, opts.Verbose)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	rt, err := openRuntime(ctx, opts.RootOptions, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	hub := server.NewChangeHub(logger)
	go hub.Run(ctx)
	unsubscribeQueue := rt.env.Queue().RegisterOnChangedListener(hub.OnQueueChanged)
	defer unsubscribeQueue()
	unsubscribeGraph := rt.env.Graph().Subscribe(hub.OnGraphChanged)
	defer unsubscribeGraph()

	queue := rt.env.Queue()
	queueDone := make(chan error, 1)
	go func() {
		queueDone <- queue.Run(ctx)
	}()
	if !opts.Paused {
		queue.Start(ctx)
	}

	srv := server.New(server.Config{
		Env:            rt.env,
		Hub:            hub,
		AllowedOrigins: rt.cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	addr := rt.cfg.Server.Address()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving records on http://%s\n", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	serveErr := srv.ListenAndServe(ctx, addr,
		rt.cfg.Server.ReadTimeout,
		rt.cfg.Server.WriteTimeout,
		rt.cfg.Server.ShutdownTimeout,
	)
	cancel()
	if err := <-queueDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("draft queue stopped", "error", err)
	}
	if serveErr != nil {
		return WrapExitError(ExitFailure, "server error", serveErr)
	}

	logger.Info("server stopped gracefully")
	return nil
}
