package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/po-intake/internal/model"
)

var (
	backfillKind     string
	backfillAll      bool
	backfillRetryDLQ bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed the historical entity backlog",
	Long:  "Drives the embedding maintainer in mega-batches until no unembedded entities remain. With --retry-dlq, drains the dead-letter queue instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		kinds, err := backfillKinds()
		if err != nil {
			return err
		}

		if backfillRetryDLQ {
			for _, kind := range kinds {
				recovered, err := env.Backfiller.RetryDLQ(ctx, kind)
				if err != nil {
					return err
				}
				zap.L().Info("dead-letter retry finished",
					zap.String("kind", string(kind)),
					zap.Int("recovered", recovered))
			}
			return nil
		}

		// Each kind's backlog is independent, so drain them concurrently.
		g, gctx := errgroup.WithContext(ctx)
		for _, kind := range kinds {
			g.Go(func() error {
				return env.Backfiller.Run(gctx, kind)
			})
		}
		return g.Wait()
	},
}

func backfillKinds() ([]model.EntityKind, error) {
	if backfillAll || backfillKind == "" {
		return model.AllKinds, nil
	}
	kind := model.EntityKind(backfillKind)
	if !kind.Valid() {
		return nil, eris.Errorf("unknown entity kind %q (customer|contact|item)", backfillKind)
	}
	return []model.EntityKind{kind}, nil
}

func init() {
	backfillCmd.Flags().StringVar(&backfillKind, "kind", "", "entity kind to backfill (customer|contact|item)")
	backfillCmd.Flags().BoolVar(&backfillAll, "all", false, "backfill every entity kind")
	backfillCmd.Flags().BoolVar(&backfillRetryDLQ, "retry-dlq", false, "re-embed entities parked in the dead-letter queue")
	rootCmd.AddCommand(backfillCmd)
}
