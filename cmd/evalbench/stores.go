package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lamim/retrieval-eval/internal/config"
	"github.com/lamim/retrieval-eval/internal/history"
	"github.com/lamim/retrieval-eval/internal/logger"
	"github.com/lamim/retrieval-eval/internal/notify"
)

// openStore returns the history store selected by cfg and a function that
// releases it.
func openStore(ctx context.Context, cfg config.HistoryConfig) (history.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendMemory:
		return history.NewMemoryStore(), noop, nil
	case config.BackendFile:
		s, err := history.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.BackendRedis:
		s, err := history.NewRedisStore(ctx, history.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendPostgres:
		s, err := history.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

// newPublisher returns a Kafka publisher when brokers are configured.
func newPublisher(cfg config.NotifyConfig) notify.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return notify.Nop{}
	}
	return notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
}

// historyHandle bundles a manager with the resources behind it.
type historyHandle struct {
	*history.Manager
	closeStore func() error
	publisher  notify.Publisher
}

func (h *historyHandle) Close() {
	if err := h.publisher.Close(); err != nil {
		slog.Warn("closing publisher", "error", err)
	}
	if err := h.closeStore(); err != nil {
		slog.Warn("closing history store", "error", err)
	}
}

// openHistory wires the configured store and publisher into a manager.
func openHistory(ctx context.Context, cfg *config.Config) (*historyHandle, error) {
	store, closeStore, err := openStore(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("opening %s history store: %w", cfg.History.Backend, err)
	}
	pub := newPublisher(cfg.Notify)
	mgr := history.NewManager(store,
		history.WithKey(cfg.History.Key),
		history.WithCapacity(cfg.History.Capacity),
		history.WithPublisher(pub),
		history.WithLogger(logger.WithComponent("history")),
	)
	return &historyHandle{Manager: mgr, closeStore: closeStore, publisher: pub}, nil
}
