package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/reelflow"
	"github.com/petrijr/reelflow/internal/httpapi"
	"github.com/petrijr/reelflow/internal/schedule"
	"github.com/petrijr/reelflow/pkg/observe"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the HTTP API, and schedules",
		Long: `Run workers, the HTTP trigger API, and cron schedules until SIGINT or
SIGTERM. Outstanding work of running instances is re-dispatched on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, nil)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides http.addr)")

	return cmd
}

// runServe blocks until ctx is done. ready, if non-nil, receives the bound
// HTTP address once the server is listening.
func runServe(ctx context.Context, opts *ServeOptions, ready chan<- string) (err error) {
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := openRuntime(ctx, opts.RootOptions, observe.NewPrometheusObserver(metrics))
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)
	logger := rt.logger

	recovered, err := reelflow.Recover(ctx, rt.bundle.Engine)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to recover instances", err)
	}
	logger.Info("recovered running instances", zap.Int("count", recovered))

	sched := schedule.New(rt.bundle.Engine, logger)
	for _, s := range rt.cfg.Schedules {
		entry := schedule.Entry{Name: s.Name, Spec: s.Cron, Workflow: s.Workflow}
		if s.Input != "" {
			entry.Input = json.RawMessage(s.Input)
		}
		if err := sched.Add(entry); err != nil {
			return WrapExitError(ExitCommandError, "invalid schedule", err)
		}
	}

	addr := opts.Addr
	if addr == "" {
		addr = rt.cfg.HTTP.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to listen", err)
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Handler:           httpapi.NewRouter(rt.bundle.Engine, rt.bundle.Approvals, httpapi.Options{Logger: logger, Gatherer: metrics}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.bundle.Worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		<-sched.Stop().Done()
		return server.Shutdown(shutdownCtx)
	})

	if ready != nil {
		ready <- ln.Addr().String()
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server failed", err)
	}
	logger.Info("stopped")
	return nil
}
