package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/marcelsud/webhook-dispatch/delivery"
	"github.com/redis/go-redis/v9"
)

/* Redis implementation of delivery.Repository
 * Uses Redis Hashes for delivery and attempt records, Sorted Sets for
 * per-delivery ordering, per-webhook history and the due-retry schedule,
 * and a Lua script for the pending->attempting compare-and-swap.
 * Everything the scheduler needs survives a process restart.
 */

const (
	deliveryPrefix = "delivery" // Hash naming: delivery:{delivery_id}
	attemptPrefix  = "attempt"  // Hash naming: attempt:{attempt_id}
	historyPrefix  = "webhook"  // History naming: webhook:{webhook_id}:history
	dueKey         = "attempts:due"
	completedKey   = "attempts:completed"
	claimedKey     = "attempts:claimed" // score is the claim time, for the stale sweep
)

/* claimScript atomically transitions an attempt from pending to
 * attempting, removes it from the due schedule and records the claim
 * time for the stale sweep. The delivery record follows the attempt
 * into attempting. Returns 1 when this caller won the claim, 0 otherwise.
 */
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'attempting')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
local did = redis.call('HGET', KEYS[1], 'delivery_id')
if did then
  redis.call('HSET', 'delivery:' .. did, 'status', 'attempting', 'updated_at', ARGV[2])
end
return 1
`)

/* requeueScript returns a claimed-but-never-completed attempt to the due
 * schedule. A no-op (clearing only the claim marker) when the attempt
 * was completed in the meantime.
 */
var requeueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'attempting' then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'pending', 'next_retry_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
local did = redis.call('HGET', KEYS[1], 'delivery_id')
if did then
  local dstatus = 'retrying'
  if tonumber(redis.call('HGET', KEYS[1], 'number')) == 1 then
    dstatus = 'pending'
  end
  redis.call('HSET', 'delivery:' .. did, 'status', dstatus, 'updated_at', ARGV[2])
end
return 1
`)

/* rescheduleScript moves a pending attempt's due time. A no-op for
 * attempts already claimed, so a manual retry racing the poll loop
 * cannot double-send.
 */
var rescheduleScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1], 'next_retry_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

type Repository struct {
	client *redis.Client
}

// NewRepository creates a new Redis ledger repository
func NewRepository(addr, password string, db int) (*Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return &Repository{
		client: client,
	}, nil
}

// NewRepositoryWithClient wraps an existing client
func NewRepositoryWithClient(client *redis.Client) *Repository {
	return &Repository{client: client}
}

// CreateDelivery stores a delivery with its first pending attempt
func (r *Repository) CreateDelivery(ctx context.Context, d delivery.Delivery, first delivery.Attempt) error {
	attFields, err := attemptFields(first)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, deliveryKey(d.ID), deliveryFields(d))
	pipe.HSet(ctx, attemptKey(first.ID), attFields)
	pipe.ZAdd(ctx, deliveryAttemptsKey(d.ID), redis.Z{Score: float64(first.Number), Member: first.ID})
	pipe.ZAdd(ctx, historyKey(d.WebhookID), redis.Z{Score: float64(first.CreatedAt.UnixMilli()), Member: first.ID})
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(first.NextRetryAt.UnixMilli()), Member: first.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating delivery: %w", err)
	}

	return nil
}

// AppendAttempt stores the next scheduled attempt and updates the delivery
func (r *Repository) AppendAttempt(ctx context.Context, d delivery.Delivery, next delivery.Attempt) error {
	attFields, err := attemptFields(next)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, deliveryKey(d.ID), deliveryFields(d))
	pipe.HSet(ctx, attemptKey(next.ID), attFields)
	pipe.ZAdd(ctx, deliveryAttemptsKey(d.ID), redis.Z{Score: float64(next.Number), Member: next.ID})
	pipe.ZAdd(ctx, historyKey(d.WebhookID), redis.Z{Score: float64(next.CreatedAt.UnixMilli()), Member: next.ID})
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(next.NextRetryAt.UnixMilli()), Member: next.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending attempt: %w", err)
	}

	return nil
}

// ClaimAttempt runs the compare-and-swap claim script
func (r *Repository) ClaimAttempt(ctx context.Context, attemptID string) (delivery.Attempt, bool, error) {
	exists, err := r.client.Exists(ctx, attemptKey(attemptID)).Result()
	if err != nil {
		return delivery.Attempt{}, false, fmt.Errorf("checking attempt: %w", err)
	}
	if exists == 0 {
		return delivery.Attempt{}, false, delivery.ErrNotFound
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	won, err := claimScript.Run(ctx, r.client,
		[]string{attemptKey(attemptID), dueKey, claimedKey},
		attemptID, now,
	).Int()
	if err != nil {
		return delivery.Attempt{}, false, fmt.Errorf("claiming attempt: %w", err)
	}

	att, err := r.GetAttempt(ctx, attemptID)
	if err != nil {
		return delivery.Attempt{}, false, err
	}

	return att, won == 1, nil
}

// CompleteAttempt finalizes the attempt and writes the delivery state
func (r *Repository) CompleteAttempt(ctx context.Context, a delivery.Attempt, d delivery.Delivery) error {
	attFields, err := attemptFields(a)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, attemptKey(a.ID), attFields)
	pipe.HSet(ctx, deliveryKey(d.ID), deliveryFields(d))
	pipe.ZRem(ctx, dueKey, a.ID)
	pipe.ZRem(ctx, claimedKey, a.ID)
	if a.Status == delivery.Success {
		pipe.ZAdd(ctx, completedKey, redis.Z{Score: float64(a.CompletedAt.UnixMilli()), Member: a.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("completing attempt: %w", err)
	}

	return nil
}

// RescheduleAttempt moves a pending attempt's due time
func (r *Repository) RescheduleAttempt(ctx context.Context, attemptID string, due time.Time) error {
	err := rescheduleScript.Run(ctx, r.client,
		[]string{attemptKey(attemptID), dueKey},
		attemptID, due.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("rescheduling attempt: %w", err)
	}
	return nil
}

// RequeueStale returns attempts stranded mid-claim to the due schedule
func (r *Repository) RequeueStale(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(claimedBefore.UnixMilli(), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	ids, err := r.client.ZRangeByScore(ctx, claimedKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning stale claims: %w", err)
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	requeued := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := requeueScript.Run(ctx, r.client,
			[]string{attemptKey(id), claimedKey, dueKey},
			id, now,
		).Int()
		if err != nil {
			return requeued, fmt.Errorf("requeuing attempt %s: %w", id, err)
		}
		if n == 1 {
			requeued = append(requeued, id)
		}
	}
	return requeued, nil
}

// GetDelivery returns a delivery with all of its attempts in order
func (r *Repository) GetDelivery(ctx context.Context, id string) (delivery.Delivery, []delivery.Attempt, error) {
	data, err := r.client.HGetAll(ctx, deliveryKey(id)).Result()
	if err != nil {
		return delivery.Delivery{}, nil, fmt.Errorf("getting delivery: %w", err)
	}
	if len(data) == 0 {
		return delivery.Delivery{}, nil, delivery.ErrNotFound
	}

	d := parseDelivery(data)

	ids, err := r.client.ZRange(ctx, deliveryAttemptsKey(id), 0, -1).Result()
	if err != nil {
		return delivery.Delivery{}, nil, fmt.Errorf("listing delivery attempts: %w", err)
	}

	attempts := make([]delivery.Attempt, 0, len(ids))
	for _, attID := range ids {
		att, err := r.GetAttempt(ctx, attID)
		if errors.Is(err, delivery.ErrNotFound) {
			continue
		}
		if err != nil {
			return delivery.Delivery{}, nil, err
		}
		attempts = append(attempts, att)
	}

	return d, attempts, nil
}

// GetAttempt returns one attempt by ID
func (r *Repository) GetAttempt(ctx context.Context, id string) (delivery.Attempt, error) {
	data, err := r.client.HGetAll(ctx, attemptKey(id)).Result()
	if err != nil {
		return delivery.Attempt{}, fmt.Errorf("getting attempt: %w", err)
	}
	if len(data) == 0 {
		return delivery.Attempt{}, delivery.ErrNotFound
	}
	return parseAttempt(data)
}

// ListByWebhook returns attempts for a webhook ordered by created_at desc
func (r *Repository) ListByWebhook(ctx context.Context, webhookID string, filter delivery.Filter) ([]delivery.Attempt, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}
	if !filter.Since.IsZero() {
		rangeBy.Min = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	if !filter.Until.IsZero() {
		rangeBy.Max = strconv.FormatInt(filter.Until.UnixMilli(), 10)
	}

	/* Pagination pushes down to Redis only without a status filter;
	 * filtering by status needs the full range first
	 */
	if filter.Status == nil {
		rangeBy.Offset = int64(filter.Offset)
		if filter.Limit > 0 {
			rangeBy.Count = int64(filter.Limit)
		}
	}

	ids, err := r.client.ZRevRangeByScore(ctx, historyKey(webhookID), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("listing webhook attempts: %w", err)
	}

	attempts := make([]delivery.Attempt, 0, len(ids))
	for _, attID := range ids {
		att, err := r.GetAttempt(ctx, attID)
		if errors.Is(err, delivery.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != nil && att.Status != *filter.Status {
			continue
		}
		attempts = append(attempts, att)
	}

	if filter.Status != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(attempts) {
				return nil, nil
			}
			attempts = attempts[filter.Offset:]
		}
		if filter.Limit > 0 && len(attempts) > filter.Limit {
			attempts = attempts[:filter.Limit]
		}
	}

	return attempts, nil
}

// Aggregate computes attempt stats for a webhook over a time range
func (r *Repository) Aggregate(ctx context.Context, webhookID string, since, until time.Time) (delivery.Stats, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}
	if !since.IsZero() {
		rangeBy.Min = strconv.FormatInt(since.UnixMilli(), 10)
	}
	if !until.IsZero() {
		rangeBy.Max = strconv.FormatInt(until.UnixMilli(), 10)
	}

	ids, err := r.client.ZRangeByScore(ctx, historyKey(webhookID), rangeBy).Result()
	if err != nil {
		return delivery.Stats{}, fmt.Errorf("listing webhook attempts: %w", err)
	}

	var stats delivery.Stats
	var totalTimeMs int64
	var timed int64

	for _, attID := range ids {
		att, err := r.GetAttempt(ctx, attID)
		if errors.Is(err, delivery.ErrNotFound) {
			continue
		}
		if err != nil {
			return delivery.Stats{}, err
		}

		stats.Total++
		switch att.Status {
		case delivery.Success:
			stats.SuccessCount++
		case delivery.Failed:
			stats.FailureCount++
		}
		if att.ExecutionTimeMs > 0 {
			totalTimeMs += att.ExecutionTimeMs
			timed++
		}
	}

	if timed > 0 {
		stats.AvgResponseTimeMs = float64(totalTimeMs) / float64(timed)
	}
	return stats, nil
}

// Due returns attempt IDs whose due time has passed, oldest first
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	ids, err := r.client.ZRangeByScore(ctx, dueKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning due attempts: %w", err)
	}
	return ids, nil
}

// Close closes the Redis connection
func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close()
}

// GetClient returns the underlying Redis client for advanced operations
func (r *Repository) GetClient() *redis.Client {
	return r.client
}

// Serialization helpers

func deliveryKey(id string) string {
	return fmt.Sprintf("%s:%s", deliveryPrefix, id)
}

func deliveryAttemptsKey(id string) string {
	return fmt.Sprintf("%s:%s:attempts", deliveryPrefix, id)
}

func attemptKey(id string) string {
	return fmt.Sprintf("%s:%s", attemptPrefix, id)
}

func historyKey(webhookID string) string {
	return fmt.Sprintf("%s:%s:history", historyPrefix, webhookID)
}

func deliveryFields(d delivery.Delivery) map[string]interface{} {
	return map[string]interface{}{
		"id":            d.ID,
		"webhook_id":    d.WebhookID,
		"project_id":    d.ProjectID,
		"event_name":    d.EventName,
		"payload":       d.Payload,
		"signature":     d.Signature,
		"status":        d.Status.String(),
		"attempt_count": d.AttemptCount,
		"max_attempts":  d.MaxAttempts,
		"next_retry_at": unixMilliOrZero(d.NextRetryAt),
		"last_error":    d.LastError,
		"created_at":    unixMilliOrZero(d.CreatedAt),
		"updated_at":    unixMilliOrZero(d.UpdatedAt),
		"completed_at":  unixMilliOrZero(d.CompletedAt),
	}
}

func parseDelivery(data map[string]string) delivery.Delivery {
	return delivery.Delivery{
		ID:           data["id"],
		WebhookID:    data["webhook_id"],
		ProjectID:    data["project_id"],
		EventName:    data["event_name"],
		Payload:      []byte(data["payload"]),
		Signature:    data["signature"],
		Status:       delivery.NewStatus(data["status"]),
		AttemptCount: int(parseInt64(data["attempt_count"])),
		MaxAttempts:  int(parseInt64(data["max_attempts"])),
		NextRetryAt:  timeFromMilli(parseInt64(data["next_retry_at"])),
		LastError:    data["last_error"],
		CreatedAt:    timeFromMilli(parseInt64(data["created_at"])),
		UpdatedAt:    timeFromMilli(parseInt64(data["updated_at"])),
		CompletedAt:  timeFromMilli(parseInt64(data["completed_at"])),
	}
}

func attemptFields(a delivery.Attempt) (map[string]interface{}, error) {
	reqHeaders, err := json.Marshal(a.RequestHeaders)
	if err != nil {
		return nil, fmt.Errorf("marshaling request headers: %w", err)
	}
	respHeaders, err := json.Marshal(a.ResponseHeaders)
	if err != nil {
		return nil, fmt.Errorf("marshaling response headers: %w", err)
	}

	return map[string]interface{}{
		"id":                a.ID,
		"delivery_id":       a.DeliveryID,
		"webhook_id":        a.WebhookID,
		"number":            a.Number,
		"max_attempts":      a.MaxAttempts,
		"status":            a.Status.String(),
		"request_headers":   string(reqHeaders),
		"status_code":       a.StatusCode,
		"response_body":     a.ResponseBody,
		"response_headers":  string(respHeaders),
		"execution_time_ms": a.ExecutionTimeMs,
		"error":             a.Error,
		"next_retry_at":     unixMilliOrZero(a.NextRetryAt),
		"created_at":        unixMilliOrZero(a.CreatedAt),
		"completed_at":      unixMilliOrZero(a.CompletedAt),
	}, nil
}

func parseAttempt(data map[string]string) (delivery.Attempt, error) {
	reqHeaders := make(map[string]string)
	if s := data["request_headers"]; s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &reqHeaders); err != nil {
			return delivery.Attempt{}, fmt.Errorf("unmarshaling request headers: %w", err)
		}
	}
	respHeaders := make(map[string]string)
	if s := data["response_headers"]; s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &respHeaders); err != nil {
			return delivery.Attempt{}, fmt.Errorf("unmarshaling response headers: %w", err)
		}
	}

	return delivery.Attempt{
		ID:              data["id"],
		DeliveryID:      data["delivery_id"],
		WebhookID:       data["webhook_id"],
		Number:          int(parseInt64(data["number"])),
		MaxAttempts:     int(parseInt64(data["max_attempts"])),
		Status:          delivery.NewStatus(data["status"]),
		RequestHeaders:  reqHeaders,
		StatusCode:      int(parseInt64(data["status_code"])),
		ResponseBody:    data["response_body"],
		ResponseHeaders: respHeaders,
		ExecutionTimeMs: parseInt64(data["execution_time_ms"]),
		Error:           data["error"],
		NextRetryAt:     timeFromMilli(parseInt64(data["next_retry_at"])),
		CreatedAt:       timeFromMilli(parseInt64(data["created_at"])),
		CompletedAt:     timeFromMilli(parseInt64(data["completed_at"])),
	}, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
