package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCollector implements the Collector interface over the Redis ledger.
// The worker slot source is optional; without one the slot metrics read zero.
type RedisCollector struct {
	client *redis.Client
	slots  SlotSource
}

// NewRedisCollector creates a new Redis metrics collector
func NewRedisCollector(client *redis.Client, slots SlotSource) *RedisCollector {
	return &RedisCollector{
		client: client,
		slots:  slots,
	}
}

// Collect gathers all metrics from Redis
func (c *RedisCollector) Collect(ctx context.Context) (Metrics, error) {
	statusCounts, err := c.GetStatusCounts(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting status counts: %w", err)
	}

	backlog, err := c.GetDueBacklog(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting due backlog: %w", err)
	}

	throughput, err := c.GetThroughput(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting throughput: %w", err)
	}

	workers, err := c.GetWorkerSlots(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting worker slots: %w", err)
	}

	return Metrics{
		StatusCounts: statusCounts,
		DueBacklog:   backlog,
		Throughput:   throughput,
		Workers:      workers,
		Timestamp:    time.Now(),
	}, nil
}

// GetStatusCounts returns counts of deliveries grouped by status
func (c *RedisCollector) GetStatusCounts(ctx context.Context) (map[string]int64, error) {
	statusCounts := map[string]int64{
		"pending":    0,
		"attempting": 0,
		"success":    0,
		"failed":     0,
		"retrying":   0,
	}

	// Scan for all delivery:* record keys
	var cursor uint64

	for {
		var scanKeys []string
		var err error

		scanKeys, cursor, err = c.client.Scan(ctx, cursor, "delivery:*", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning delivery keys: %w", err)
		}

		for _, key := range scanKeys {
			// Skip the per-delivery attempt index keys
			if strings.HasSuffix(key, ":attempts") {
				continue
			}

			status, err := c.client.HGet(ctx, key, "status").Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				continue
			}

			if _, ok := statusCounts[status]; ok {
				statusCounts[status]++
			}
		}

		if cursor == 0 {
			break
		}
	}

	return statusCounts, nil
}

// GetDueBacklog returns the size of the due-retry schedule
func (c *RedisCollector) GetDueBacklog(ctx context.Context) (int64, error) {
	backlog, err := c.client.ZCard(ctx, "attempts:due").Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("getting due backlog: %w", err)
	}
	return backlog, nil
}

// GetThroughput returns successful deliveries over the standard time windows
func (c *RedisCollector) GetThroughput(ctx context.Context) (ThroughputMetrics, error) {
	now := time.Now()

	// Completed entries older than the widest window are no longer needed
	c.client.ZRemRangeByScore(ctx, "attempts:completed", "-inf",
		strconv.FormatInt(now.Add(-15*time.Minute).UnixMilli(), 10))

	lastMinute, err := c.countCompletedSince(ctx, now.Add(-1*time.Minute), now)
	if err != nil {
		return ThroughputMetrics{}, err
	}
	lastFive, err := c.countCompletedSince(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		return ThroughputMetrics{}, err
	}
	lastFifteen, err := c.countCompletedSince(ctx, now.Add(-15*time.Minute), now)
	if err != nil {
		return ThroughputMetrics{}, err
	}

	return ThroughputMetrics{
		LastMinute:         lastMinute,
		LastFiveMinutes:    lastFive,
		LastFifteenMinutes: lastFifteen,
	}, nil
}

// GetWorkerSlots returns the scheduler's worker pool occupancy
func (c *RedisCollector) GetWorkerSlots(ctx context.Context) (WorkerSlots, error) {
	if c.slots == nil {
		return WorkerSlots{}, nil
	}
	return WorkerSlots{
		InFlight: int64(c.slots.InFlight()),
		Capacity: int64(c.slots.WorkerCapacity()),
	}, nil
}

func (c *RedisCollector) countCompletedSince(ctx context.Context, since, until time.Time) (int64, error) {
	count, err := c.client.ZCount(ctx, "attempts:completed",
		strconv.FormatInt(since.UnixMilli(), 10),
		strconv.FormatInt(until.UnixMilli(), 10),
	).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("counting completed deliveries: %w", err)
	}
	return count, nil
}
