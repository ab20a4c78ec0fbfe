package ingress

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"
)

// limiterDatabase keeps rate-limit counters apart from the job queue (DB 0).
const limiterDatabase = 2

// NewLimiterStorage returns a redis-backed fiber.Storage on the same server
// as client, so that every instance shares one set of rate-limit counters.
// It returns nil when client is nil. The server must be reachable: the
// storage constructor panics otherwise.
func NewLimiterStorage(client *goredis.Client) fiber.Storage {
	if client == nil {
		return nil
	}
	opts := client.Options()
	host, port := "localhost", 6379
	if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
