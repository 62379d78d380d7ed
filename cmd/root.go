package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overhage/taxis/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "taxis",
	Short: "Resumable clinical concept pair classification",
	Long:  "Merges uploaded concept co-occurrence rows into master pair records, classifies new pairs with an LLM, and processes large uploads in time-boxed, resumable slices.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
