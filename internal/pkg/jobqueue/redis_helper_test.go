package jobqueue

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

// Queue tests own this DB and flush it before and after each test.
const isolatedJobQueueTestRedisDB = 14

// newIsolatedRedisClient connects to the first reachable redis among
// CACHE_HOST, the compose service name and localhost, or skips the test.
func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	var lastErr error
	for _, host := range candidateHosts(env.GetEnv("CACHE_HOST", "")) {
		client := redis.NewClient(&redis.Options{
			Addr:     net.JoinHostPort(host, port),
			Password: password,
			DB:       db,
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := client.Ping(ctx).Err()
		if err == nil {
			err = client.FlushDB(ctx).Err()
		}
		cancel()
		if err != nil {
			lastErr = err
			_ = client.Close()
			continue
		}

		t.Cleanup(func() {
			_ = client.FlushDB(context.Background()).Err()
			_ = client.Close()
		})
		return client
	}

	t.Skipf("redis not reachable, skipping: %v", lastErr)
	return nil
}

func candidateHosts(configured string) []string {
	hosts := []string{"cache", "localhost", "127.0.0.1"}
	if configured == "" {
		return hosts
	}
	out := []string{configured}
	for _, h := range hosts {
		if h != configured {
			out = append(out, h)
		}
	}
	return out
}
