// Package redis holds the relay's Redis connection and the room metadata
// kept there.
package redis

import (
	"context"
	"net"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/studyhub/peercall/config"
)

var log = logging.Logger("redis")

// Connect opens a client for cfg and checks it with a PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	log.Infof("connected to Redis at %s (db %d)", client.Options().Addr, cfg.DB)
	return client, nil
}
