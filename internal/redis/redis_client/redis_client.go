package redis_client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Snapshot traffic is one SET per flush, so a small pool is plenty.
const poolSize = 4

type Options struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (o Options) addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// NewRedisClient connects and pings within 5s; a client that cannot reach
// the server is closed and not returned.
func NewRedisClient(opts Options) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     opts.addr(),
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: poolSize,
	})

	ctx, cancelFunc := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFunc()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		err = fmt.Errorf("redis connection failed: %w", err)
		zap.L().Error("redis.connect_failed", zap.String("addr", opts.addr()), zap.Error(err))
		return nil, err
	}
	zap.L().Info("redis.connected", zap.String("addr", opts.addr()), zap.Int("db", opts.DB))
	return rc, nil
}
