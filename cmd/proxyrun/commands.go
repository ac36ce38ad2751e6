package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proxyrun/internal/app"
	"proxyrun/internal/config"
	"proxyrun/internal/task/scheduler"
	logx "proxyrun/pkg/logx"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "proxyrun",
		Short:         "Adaptive per-resource task execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "./proxyrun.yaml", "path to config file (json or yaml)")
	root.AddCommand(newRunCmd(), newValidateCmd(), newScheduleCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine, scheduler and metrics server until signalled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(configPath(cmd))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			fatal := a.Err()

			// The stop budget is independent of the cancelled run context.
			stopCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
			defer cancel()
			stopErr := a.Stop(stopCtx, reason)
			return errors.Join(fatal, stopErr)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(configPath(cmd)).Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			enabled := 0
			for _, j := range cfg.Jobs {
				if j.IsEnabled() {
					enabled++
				}
			}
			fmt.Fprintf(out, "config ok: %d resources, %d jobs (%d enabled)\n", len(cfg.Resources), len(cfg.Jobs), enabled)
			if cfg.Storage != nil && cfg.Storage.Driver != "" {
				fmt.Fprintf(out, "storage: %s %s\n", cfg.Storage.Driver, cfg.Storage.Path)
			}
			if cfg.Metrics.Enabled {
				fmt.Fprintf(out, "metrics: %s\n", cfg.Metrics.Addr)
			}
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	var (
		tz string
		n  int
	)
	cmd := &cobra.Command{
		Use:   "schedule <expr>",
		Short: "Preview the next trigger times of a schedule expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := scheduler.New(scheduler.Config{Timezone: tz}, nil, logx.Nop(), nil)
			next, err := s.PreviewNext(args[0], n)
			if err != nil {
				return err
			}
			for _, t := range next {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone (default: local)")
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of trigger times")
	return cmd
}
