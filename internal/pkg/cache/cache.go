package cache

import (
	"context"
	"net"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

var (
	client    *redis.Client
	available bool
	ctx       = context.Background()
)

// SetupCache creates the shared client from CACHE_* settings and pings it
// once. The client exists even if the ping fails; Available reports which.
func SetupCache() {
	addr := net.JoinHostPort(env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379"))
	client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetInt("CACHE_DB", 0),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	available = client.Ping(pingCtx).Err() == nil
	if !available {
		log.Warnf("[Cache] redis at %s unreachable, running without it", addr)
		return
	}
	log.Infof("[Cache] Using redis at %s", addr)
}

func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Available reports whether the last SetupCache reached the server.
func Available() bool {
	return client != nil && available
}

// Close releases the client.
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	available = false
	return err
}
