package valkey

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	telemetry "nordic-pulse/internal/telemetry/domain"
)

const (
	defaultKeyPrefix = "device:last:"
	defaultTTL       = 24 * time.Hour
)

// LatestCache keeps the newest record of each device in a hash.
type LatestCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// Option configures the cache.
type Option func(*LatestCache)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *LatestCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTTL sets the expiry of each device key. Zero keeps keys forever.
func WithTTL(ttl time.Duration) Option {
	return func(c *LatestCache) {
		if ttl >= 0 {
			c.ttl = ttl
		}
	}
}

// NewLatestCache constructs a cache on client.
func NewLatestCache(client redis.Cmdable, opts ...Option) *LatestCache {
	c := &LatestCache{client: client, prefix: defaultKeyPrefix, ttl: defaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the hash key of deviceID.
func (c *LatestCache) Key(deviceID string) string {
	return c.prefix + deviceID
}

// putLatestScript writes the hash only when it is not newer than the
// stored reading. ts_us is microseconds so Lua numbers compare exactly.
const putLatestScript = `
local current = redis.call('HGET', KEYS[1], 'ts_us')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts_us', ARGV[1], 'device_type', ARGV[2], 'time', ARGV[3], 'value', ARGV[4], 'unit', ARGV[5], 'location', ARGV[6])
if tonumber(ARGV[7]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[7])
end
return 1
`

// PutLatest writes every record in one pipeline round trip. A record older
// than the cached reading of its device is skipped, so batches may arrive
// in any order.
func (c *LatestCache) PutLatest(ctx context.Context, records []telemetry.Record) error {
	if c == nil || c.client == nil {
		return errors.New("latest cache: nil client")
	}
	if len(records) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range records {
			pipe.Eval(ctx, putLatestScript, []string{c.Key(r.DeviceID)}, scriptArgs(r, c.ttl)...)
		}
		return nil
	})
	return err
}

// Latest reads the cached record of deviceID.
func (c *LatestCache) Latest(ctx context.Context, deviceID string) (telemetry.Record, bool, error) {
	if c == nil || c.client == nil {
		return telemetry.Record{}, false, errors.New("latest cache: nil client")
	}
	values, err := c.client.HGetAll(ctx, c.Key(deviceID)).Result()
	if err != nil {
		return telemetry.Record{}, false, err
	}
	if len(values) == 0 {
		return telemetry.Record{}, false, nil
	}
	record, err := parseFields(deviceID, values)
	if err != nil {
		return telemetry.Record{}, false, err
	}
	return record, true, nil
}

func fields(r telemetry.Record) map[string]any {
	return map[string]any{
		"ts_us":       strconv.FormatInt(r.Timestamp.UnixMicro(), 10),
		"device_type": r.DeviceType.String(),
		"time":        r.Timestamp.UTC().Format(time.RFC3339Nano),
		"value":       strconv.FormatFloat(r.Value, 'g', -1, 64),
		"unit":        r.Unit,
		"location":    r.Location,
	}
}

// scriptArgs orders the hash fields the way putLatestScript reads them.
func scriptArgs(r telemetry.Record, ttl time.Duration) []any {
	f := fields(r)
	return []any{f["ts_us"], f["device_type"], f["time"], f["value"], f["unit"], f["location"], ttl.Milliseconds()}
}

func parseFields(deviceID string, values map[string]string) (telemetry.Record, error) {
	deviceType, err := telemetry.ParseDeviceType(values["device_type"])
	if err != nil {
		return telemetry.Record{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, values["time"])
	if err != nil {
		return telemetry.Record{}, err
	}
	value, err := strconv.ParseFloat(values["value"], 64)
	if err != nil {
		return telemetry.Record{}, err
	}
	return telemetry.Record{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Timestamp:  ts,
		Value:      value,
		Unit:       values["unit"],
		Location:   values["location"],
	}, nil
}
