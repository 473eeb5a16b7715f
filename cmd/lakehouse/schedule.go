package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/fmcg/lakehouse/internal/lifecycle"
	"github.com/fmcg/lakehouse/internal/scheduler"
)

func newScheduleCommand(opts *globalOptions) *cobra.Command {
	var interval time.Duration
	var vacuum bool
	ccmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run every entity incrementally on an interval until interrupted.",
		Long: `Schedule runs an incremental cycle over every configured entity at start
and then once per interval. With vacuum enabled, table history past the
configured retention is expired after each cycle. SIGINT or SIGTERM waits
for the current cycle before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, logger, err := opts.openApp(ctx)
			if err != nil {
				return err
			}

			cfg := a.Config()
			schedCfg := scheduler.Config{Interval: cfg.Schedule.Interval, Vacuum: cfg.Schedule.Vacuum}
			if cmd.Flags().Changed("interval") {
				schedCfg.Interval = interval
			}
			if cmd.Flags().Changed("vacuum") {
				schedCfg.Vacuum = vacuum
			}

			sm := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{Logger: logger})
			daemon := scheduler.NewDaemon(schedCfg, a, sm, logger)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			sm.OnShutdownStart(cancel)
			sm.RegisterCloser(a)
			sm.RegisterCloser(lifecycle.CloserFunc(daemon.Stop))

			if err := daemon.Start(runCtx); err != nil {
				_ = a.Close()
				return err
			}
			logger.Info("scheduler started", "interval", schedCfg.Interval, "vacuum", schedCfg.Vacuum,
				"entities", cfg.EntityNames())
			return sm.ListenForSignals(ctx)
		},
	}
	ccmd.Flags().DurationVar(&interval, "interval", 0, "Time between cycles. Overrides the configured interval.")
	ccmd.Flags().BoolVar(&vacuum, "vacuum", false, "Expire table history after each cycle. Overrides the configured setting.")
	return ccmd
}
