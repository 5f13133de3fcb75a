package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/job-responder/internal/status"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run cycles on a schedule and optionally serve the status API",
	Run: func(cmd *cobra.Command, _ []string) {
		daemon(cmd)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().String("status-addr", "", "listen address for the status API, e.g. 127.0.0.1:8080. Default is unset.")
	daemonCmd.Flags().Bool("dry-run", false, "score and select without applying or marking postings as seen")

	viper.BindPFlag("status.addr", daemonCmd.Flags().Lookup("status-addr"))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func daemon(cmd *cobra.Command) {
	ctx, cancel := signalContext()
	defer cancel()

	logger, config := setup()

	dryRun, _ := cmd.Flags().GetBool("dry-run")

	e, err := buildEngine(ctx, config, logger, engineOptions{dryRun: dryRun})
	if err != nil {
		logger.Fatal("preparing the engine", zap.Error(err))
	}
	defer e.Close()

	logger.Info("starting the scheduler",
		zap.Duration("interval", config.interval()),
		zap.Int("max_applications_per_day", e.orchestrator.QuotaLimit()),
		zap.Any("filters", e.orchestrator.Filters()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.orchestrator.Run(ctx)
	})

	if addr := config.Status.Addr; addr != "" {
		srv := status.New(e.orchestrator, logger.With(zap.String("component", "status")))
		g.Go(func() error {
			return srv.Serve(ctx, addr)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped", zap.Error(err))
		return
	}
	logger.Info("daemon stopped")
}
