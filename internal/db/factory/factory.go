// Package factory builds the configured guest counter store.
package factory

import (
	"fmt"

	"github.com/kailas-cloud/promptmeter/internal/config"
	"github.com/kailas-cloud/promptmeter/internal/db"
	"github.com/kailas-cloud/promptmeter/internal/db/memory"
	"github.com/kailas-cloud/promptmeter/internal/db/valkey"
)

// New creates a store for cfg.Driver. valkey and redis share the rueidis client.
func New(cfg config.DatabaseConfig) (db.Store, error) {
	switch cfg.Driver {
	case "valkey", "redis":
		s, err := valkey.NewStore(valkey.Config{
			Addrs:    cfg.Addrs,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("%s store: %w", cfg.Driver, err)
		}
		return s, nil
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
