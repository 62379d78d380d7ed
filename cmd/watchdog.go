package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchdogOnce bool

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Requeue stalled jobs and trigger their next slice",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initWorker(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if watchdogOnce {
			n, err := env.Watchdog.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d jobs\n", n)
			return nil
		}
		env.Watchdog.Run(ctx)
		return nil
	},
}

func init() {
	watchdogCmd.Flags().BoolVar(&watchdogOnce, "once", false, "run a single cycle and exit")
	rootCmd.AddCommand(watchdogCmd)
}
