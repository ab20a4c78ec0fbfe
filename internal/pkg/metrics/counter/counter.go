package counter

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	// WebhookCountersKey holds one hash field per kind/outcome pair and per
	// rejection code.
	WebhookCountersKey = "webhook:counters"

	rejectedPrefix = "rejected"
	fieldSep       = "|"
)

// Counters increments webhook counters in redis. A nil client makes every
// call a no-op.
type Counters struct {
	client *redis.Client
	key    string
}

func New(client *redis.Client) *Counters {
	return &Counters{client: client, key: WebhookCountersKey}
}

// Snapshot is the decoded content of the counters hash.
type Snapshot struct {
	Outcomes   map[string]map[string]int64 `json:"outcomes"`
	Rejections map[string]int64            `json:"rejections"`
	Total      int64                       `json:"total"`
}

// AddOutcome counts one processed delivery of kind with the given outcome.
func (c *Counters) AddOutcome(ctx context.Context, kind, outcome string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if kind == "" {
		kind = "unknown"
	}
	return c.client.HIncrBy(ctx, c.key, kind+fieldSep+outcome, 1).Err()
}

// AddRejection counts a delivery refused before dispatch.
func (c *Counters) AddRejection(ctx context.Context, code string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.HIncrBy(ctx, c.key, rejectedPrefix+fieldSep+code, 1).Err()
}

// Snapshot reads every counter.
func (c *Counters) Snapshot(ctx context.Context) (Snapshot, error) {
	if c == nil || c.client == nil {
		return decode(nil), nil
	}
	data, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return Snapshot{}, err
	}
	return decode(data), nil
}

func decode(data map[string]string) Snapshot {
	snap := Snapshot{
		Outcomes:   map[string]map[string]int64{},
		Rejections: map[string]int64{},
	}
	for field, raw := range data {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		left, right, ok := strings.Cut(field, fieldSep)
		if !ok {
			continue
		}
		if left == rejectedPrefix {
			snap.Rejections[right] += n
			continue
		}
		if snap.Outcomes[left] == nil {
			snap.Outcomes[left] = map[string]int64{}
		}
		snap.Outcomes[left][right] += n
		snap.Total += n
	}
	return snap
}
