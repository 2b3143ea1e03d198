package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/petrijr/reelflow"
	"github.com/petrijr/reelflow/internal/config"
	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/observe"
	"github.com/petrijr/reelflow/pkg/videoproc"
)

// runtime is everything a command needs: configuration, logger, and the
// engine bundle with the video programs registered.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *reelflow.Registry
	bundle   *reelflow.Bundle
}

func openRuntime(ctx context.Context, opts *RootOptions, observers ...api.Observer) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log configuration", err)
	}

	observers = append(observers, observe.NewZapObserver(logger))
	reg := reelflow.NewRegistry()
	bundle, err := reelflow.OpenBundle(ctx, cfg.Storage.Driver, cfg.Storage.DSN, reg, reelflow.BundleConfig{
		Worker:   cfg.WorkerConfig(),
		Observer: api.NewCompositeObserver(observers...),
		Prefix:   cfg.Storage.Prefix,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, WrapExitError(ExitFailure, "failed to open store", err)
	}

	vcfg := cfg.VideoProc()
	acts := videoproc.NewActivities(vcfg, newMailer(cfg.SMTP, logger), bundle.Approvals, logger)
	if err := videoproc.Register(reg, vcfg, acts); err != nil {
		_ = bundle.Close()
		return nil, WrapExitError(ExitFailure, "failed to register programs", err)
	}

	return &runtime{cfg: cfg, logger: logger, registry: reg, bundle: bundle}, nil
}

func (r *runtime) Close() error {
	err := r.bundle.Close()
	_ = r.logger.Sync()
	return err
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// newMailer sends approval mail over SMTP, or logs it when no SMTP host is
// configured.
func newMailer(c config.SMTPConfig, logger *zap.Logger) videoproc.Mailer {
	if c.Host == "" {
		return &videoproc.LogMailer{Logger: logger}
	}
	return videoproc.NewSMTPMailer(c.Host, c.Port, c.Username, c.Password)
}

// closeRuntime folds a Close error into the command's result.
func closeRuntime(rt *runtime, err *error) {
	if cerr := rt.Close(); cerr != nil && *err == nil {
		*err = WrapExitError(ExitFailure, "failed to close store", cerr)
	}
}
