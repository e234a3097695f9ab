package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

const (
	queueKeyPrefix     = "telemetry:"
	finalizedKeyPrefix = "finalized:"
	finalizedKeyTTL    = 24 * time.Hour
)

// replaceQueueScript swaps a queue's contents and keeps only the newest
// ARGV[1] entries, in one round trip.
var replaceQueueScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])

redis.call('DEL', key)
if #ARGV < 2 then
	return 0
end

for i = 2, #ARGV do
	redis.call('RPUSH', key, ARGV[i])
end

if capacity > 0 then
	redis.call('LTRIM', key, -capacity, -1)
end

return redis.call('LLEN', key)
`)

// RedisAdapter persists telemetry queues and finalized transaction ids.
type RedisAdapter struct {
	client   *redis.Client
	deviceID string
	capacity int
}

func NewRedisAdapter(client *redis.Client, deviceID string, capacity int) *RedisAdapter {
	return &RedisAdapter{client: client, deviceID: deviceID, capacity: capacity}
}

func (r *RedisAdapter) queueKey(kind domain.TelemetryKind) string {
	return fmt.Sprintf("%s%s:%s", queueKeyPrefix, r.deviceID, kind)
}

func (r *RedisAdapter) SaveQueue(ctx context.Context, kind domain.TelemetryKind, items []domain.TelemetryItem) error {
	args := make([]interface{}, 0, len(items)+1)
	args = append(args, r.capacity)
	for _, item := range items {
		blob, err := msgpack.Marshal(&item)
		if err != nil {
			return fmt.Errorf("encode telemetry item %s: %w", item.ID, err)
		}
		args = append(args, blob)
	}

	if err := replaceQueueScript.Run(ctx, r.client, []string{r.queueKey(kind)}, args...).Err(); err != nil {
		return fmt.Errorf("save %s queue: %w", kind, err)
	}
	return nil
}

func (r *RedisAdapter) LoadQueue(ctx context.Context, kind domain.TelemetryKind) ([]domain.TelemetryItem, error) {
	blobs, err := r.client.LRange(ctx, r.queueKey(kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s queue: %w", kind, err)
	}

	items := make([]domain.TelemetryItem, 0, len(blobs))
	for _, blob := range blobs {
		var item domain.TelemetryItem
		if err := msgpack.Unmarshal([]byte(blob), &item); err != nil {
			return nil, fmt.Errorf("decode %s item: %w", kind, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *RedisAdapter) MarkFinalized(ctx context.Context, txnID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", finalizedKeyPrefix, r.deviceID, txnID)
	ok, err := r.client.SetNX(ctx, key, 1, finalizedKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}
