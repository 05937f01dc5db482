package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mlpipeline/internal/fetcher"
	"github.com/sells-group/mlpipeline/internal/registry"
	"github.com/sells-group/mlpipeline/internal/store"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

// initStore opens the local store for the configured driver. The http
// driver keeps runs in the local sqlite file and sends registrations to
// the remote registry (see initRegistry).
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "http":
		path := cfg.Store.Path
		if path == "" {
			path = "mlpipeline.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens the store and applies the schema.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// initRegistry returns the registry registrations go to.
func initRegistry(st store.Store) (store.Registry, error) {
	if cfg.Store.Driver != "http" {
		return st, nil
	}
	return registry.NewClient(cfg.Store.RegistryURL, registry.Options{
		Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		RatePerSec: cfg.Fetch.RatePerSec,
		MaxRetries: cfg.Fetch.MaxRetries,
	})
}

// stageEnv is what a stage command runs against.
type stageEnv struct {
	store   store.Store
	tracker tracking.Backend
}

// initStageEnv opens the store when tracking is enabled or needStore is
// set. A nil tracker makes every run untracked.
func initStageEnv(ctx context.Context, needStore bool) (*stageEnv, error) {
	env := &stageEnv{}
	if !cfg.Tracking.Enabled && !needStore {
		zap.L().Debug("tracking disabled")
		return env, nil
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env.store = st
	if cfg.Tracking.Enabled {
		env.tracker = st
	}
	return env, nil
}

func (e *stageEnv) Close() {
	if e.store != nil {
		e.store.Close() //nolint:errcheck
	}
}

func newResolver() *fetcher.Resolver {
	return fetcher.NewResolver(fetcher.Options{
		Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		RatePerSec: cfg.Fetch.RatePerSec,
		MaxRetries: cfg.Fetch.MaxRetries,
		UserAgent:  cfg.Fetch.UserAgent,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
