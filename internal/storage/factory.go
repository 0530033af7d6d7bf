// Package storage selects and decorates the storage backend behind the
// calendar.Store port. The scheduling engine never branches on which
// backend it got.
package storage

import (
	"fmt"

	"github.com/postpilot/postpilot-backend/internal/calendar"
	"github.com/postpilot/postpilot-backend/internal/config"
	"github.com/postpilot/postpilot-backend/internal/storage/memory"
	"github.com/postpilot/postpilot-backend/internal/storage/postgres"
	"github.com/postpilot/postpilot-backend/internal/storage/sqlite"
	"go.uber.org/zap"
)

// Open creates the store selected by the configuration.
func Open(cfg config.DBConfig, logger *zap.SugaredLogger) (calendar.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.PostgresDSN, logger)
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath, logger)
	case "memory":
		logger.Warnw("Using in-memory storage; data will not survive a restart")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
