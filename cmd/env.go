package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/po-intake/internal/embedding"
	"github.com/sells-group/po-intake/internal/gate"
	"github.com/sells-group/po-intake/internal/match"
	"github.com/sells-group/po-intake/internal/memguard"
	"github.com/sells-group/po-intake/internal/resilience"
	"github.com/sells-group/po-intake/internal/store"
	"github.com/sells-group/po-intake/pkg/anthropic"
	"github.com/sells-group/po-intake/pkg/embeddings"
)

// appEnv bundles the wired subsystems shared by the commands.
type appEnv struct {
	Store        store.Store
	Maintainer   *embedding.Maintainer
	Backfiller   *embedding.Backfiller
	Scheduler    *embedding.Scheduler
	Orchestrator *match.Orchestrator
	Gate         *gate.Gate
}

func (e *appEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("store close failed", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "po-intake.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv wires the store, providers, and pipeline components from config.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewClient(embeddings.Config{
		BaseURL:    cfg.Embeddings.BaseURL,
		Key:        cfg.Embeddings.Key,
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	guard := memguard.New(cfg.MemGuard.SoftMB, cfg.MemGuard.HardMB)

	maintainer := embedding.NewMaintainer(st, embedder, guard, embedding.MaintainerConfig{
		BatchSize:  cfg.Scheduler.BatchSize,
		PauseEvery: cfg.Embeddings.PauseEvery,
		Pause:      time.Duration(cfg.Embeddings.PauseMs) * time.Millisecond,
	})

	backfiller := embedding.NewBackfiller(st, maintainer, embedding.BackfillConfig{
		MegaBatch: cfg.Backfill.MegaBatch,
		Retry:     resilience.FromConfig(cfg.Backfill.MaxRetries, cfg.Backfill.BaseBackoffMs),
		Cooldown:  time.Duration(cfg.Backfill.CooldownMs) * time.Millisecond,
	})

	scheduler := embedding.NewScheduler(maintainer, cfg.Scheduler.BatchSize,
		time.Duration(cfg.Scheduler.IntervalSecs)*time.Second)

	var arbitrator match.Arbitrator
	if cfg.Anthropic.Key != "" {
		client := anthropic.NewClient(cfg.Anthropic.Key)
		arbitrator = match.NewAnthropicArbitrator(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	} else {
		zap.L().Warn("no anthropic key configured, arbitration stage disabled")
	}

	orchestrator := match.NewOrchestrator(st, embedder, arbitrator, match.Config{
		VectorFloor: cfg.Match.VectorFloor,
		TopK:        cfg.Match.TopK,
		Bands: match.Bands{
			AutoAccept:  cfg.Match.AutoAccept,
			ReviewFloor: cfg.Match.ReviewFloor,
		},
	})

	return &appEnv{
		Store:        st,
		Maintainer:   maintainer,
		Backfiller:   backfiller,
		Scheduler:    scheduler,
		Orchestrator: orchestrator,
		Gate:         gate.New(),
	}, nil
}
