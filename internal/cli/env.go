package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/roach88/recordcache/internal/config"
	"github.com/roach88/recordcache/internal/dispatch"
	"github.com/roach88/recordcache/internal/durable"
	"github.com/roach88/recordcache/internal/objectinfo"
	"github.com/roach88/recordcache/internal/transport"
)

// runtime is an opened environment and the store it owns.
type runtime struct {
	cfg    *config.Config
	store  durable.Store
	env    *dispatch.Environment
	logger *slog.Logger
}

// newLogger logs to w at Info, or Debug when verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openRuntime loads the configuration and opens the durable store, the
// object info and the draft-aware environment on top of them.
func openRuntime(ctx context.Context, opts *RootOptions, logger *slog.Logger) (*runtime, error) {
	cfg, err := config.Load(opts.EnvFile...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	objects, err := objectinfo.Load(cfg.ObjectInfo.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load object info", err)
	}

	logger.Debug("opening durable store", "backend", cfg.Durable.Backend)
	store, err := durable.Open(ctx, cfg.Durable.Options(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open durable store", err)
	}

	env, err := dispatch.NewEnvironment(ctx, dispatch.Config{
		Durable:          store,
		Upstream:         transport.NewHTTPClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout),
		Objects:          objects,
		MaxDepth:         cfg.Cache.MaxDepth,
		MappingRetention: cfg.Cache.MappingRetention,
		RetryInterval:    cfg.Cache.RetryInterval,
		Logger:           logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open environment", err)
	}
	return &runtime{cfg: cfg, store: store, env: env, logger: logger}, nil
}

func (r *runtime) Close() {
	r.env.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("error closing durable store", "error", err)
	}
}
