package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/po-intake/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "po-intake",
	Short: "Purchase-order intake entity resolution service",
	Long:  "Resolves noisy purchase-order references to canonical customers, contacts, and items via an exact/vector/rule/LLM cascade, and keeps the entity vector index warm.",
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
