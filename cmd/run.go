package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overhage/taxis/internal/continuation"
)

var runLoop bool

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run one slice of a job, or slices until it finishes with --loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initWorker(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		eng := env.engineWithSink(sliceSink(env.Sink, runLoop))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for {
			sum, err := eng.RunSlice(ctx, args[0])
			if err != nil {
				return err
			}
			if err := enc.Encode(sum); err != nil {
				return err
			}
			if !runLoop || sum.Status.Terminal() || sum.Skipped {
				return nil
			}
			zap.L().Info("continuing job", zap.String("job_id", args[0]), zap.Int("rows_processed", sum.RowsProcessed))
		}
	},
}

// sliceSink picks the continuation sink for run. With --loop the command
// drives every slice itself, so a continuation would start a competing slice
// on whatever consumes the configured sink.
func sliceSink(configured continuation.Sink, loop bool) continuation.Sink {
	if loop {
		return continuation.Nop{}
	}
	return configured
}

func init() {
	runCmd.Flags().BoolVar(&runLoop, "loop", false, "keep running slices until the job is terminal")
	rootCmd.AddCommand(runCmd)
}
