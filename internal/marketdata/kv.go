package marketdata

import (
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"marketdata/internal/config"
	"marketdata/internal/kvstore"
)

// OpenKVStore returns the persistence backend named by cfg.Backend, plus a
// closer for backends holding connections. The memory backend has no
// persistence and returns a nil store.
func OpenKVStore(cfg config.Cache) (kvstore.Store, io.Closer, error) {
	switch cfg.Backend {
	case "memory":
		return nil, nil, nil
	case "file":
		f, err := kvstore.NewFile(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening cache dir: %w", err)
		}
		return f, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return kvstore.NewRedis(client, cfg.RedisPrefix), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
