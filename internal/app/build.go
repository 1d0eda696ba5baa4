package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexjbarnes/chatsync/internal/backend"
	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/health"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/state"
)

// Runtime is a Core built from configuration together with the stores it
// owns.
type Runtime struct {
	*Core

	State *state.State
	Cache *cache.Store
}

// ClientFactory builds REST + realtime handles against cfg's service.
func ClientFactory(cfg *config.Config, logger *slog.Logger) health.Factory {
	return func(_ context.Context, cred *models.Credential) (backend.Conn, error) {
		c := backend.NewClient(backend.Config{
			URL:    cfg.URL,
			APIKey: cfg.AnonKey,
			Table:  cfg.Channel,
		}, logger.With(slog.String("component", "backend")))

		if cred != nil {
			c.SetSession(cred)
		}

		return c, nil
	}
}

// Open opens the session store and message cache named by cfg and builds
// a Core on them. reg may be nil.
func Open(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*Runtime, error) {
	st, err := state.LoadAt(cfg.StatePath, cfg.StatePassphrase)
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	msgCache, err := cache.Open(cfg.CacheDir, logger.With(slog.String("component", "cache")))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening message cache: %w", err)
	}

	core, err := New(ctx, Options{
		Factory:     ClientFactory(cfg, logger),
		Store:       st,
		Table:       cfg.Channel,
		Topic:       cfg.Topic(),
		FetchLimit:  cfg.FetchLimit,
		SettleDelay: cfg.SettleDelay,
		Cache:       msgCache,
		Registerer:  reg,
	}, logger)
	if err != nil {
		msgCache.Close()
		st.Close()

		return nil, err
	}

	return &Runtime{Core: core, State: st, Cache: msgCache}, nil
}

// Close shuts the core down and closes both stores.
func (r *Runtime) Close(ctx context.Context) error {
	return errors.Join(
		r.Core.Close(ctx),
		r.Cache.Close(),
		r.State.Close(),
	)
}
