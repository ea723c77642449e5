package cli

import (
	"context"
	"fmt"

	"github.com/stemsi/exstem-guard/internal/cache"
	"github.com/stemsi/exstem-guard/internal/database"
)

const (
	redisStorePrefix = "exstem-agent:"
	agentRedisPool   = 2
)

// openStore opens the configured local cache backend. The returned func
// releases it.
func openStore(ctx context.Context) (cache.Store, func(), error) {
	switch cfg.CacheBackend {
	case "redis":
		rdb, err := database.NewRedisClient(ctx, cfg.CacheRedisURL, agentRedisPool, log)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedisStore(rdb, redisStorePrefix), func() { rdb.Close() }, nil

	case "sqlite", "":
		db, err := database.NewSQLite(ctx, cfg.CachePath, log)
		if err != nil {
			return nil, nil, err
		}
		store, err := cache.NewSQLiteStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q (want sqlite or redis)", cfg.CacheBackend)
}
