// Package store selects the probe's snapshot backend.
package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/deforma/cmd/probe/config"
	"github.com/HatiCode/deforma/pkg/storage"
)

// New builds the backend named by cfg.Storage. The caller closes it when it
// implements io.Closer.
func New(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case "redis":
		logger.Info("using redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.SnapshotTTL)
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SnapshotTTL)
		if err != nil {
			return nil, fmt.Errorf("redis storage: %w", err)
		}
		return s, nil

	case "badger":
		logger.Info("using badger storage", "path", cfg.BadgerPath, "ttl", cfg.SnapshotTTL)
		s, err := storage.NewBadgerStore(cfg.BadgerPath, cfg.SnapshotTTL)
		if err != nil {
			return nil, fmt.Errorf("badger storage: %w", err)
		}
		return s, nil

	case "memory", "":
		logger.Info("using in-memory storage", "ttl", cfg.SnapshotTTL)
		if cfg.SnapshotTTL > 0 {
			return storage.NewMemoryStoreWithTTL(cfg.SnapshotTTL, cleanupInterval(cfg.SnapshotTTL)), nil
		}
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
}

func cleanupInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, time.Second), 5*time.Minute)
}
