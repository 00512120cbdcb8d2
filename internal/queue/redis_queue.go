package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"recurring-notifier/internal/config"
)

// Task is one unit of work travelling through the queue.
type Task struct {
	ID       string
	Topic    string
	Payload  json.RawMessage
	Attempts int
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Topic, err)
	}
	return nil
}

// RedisQueue coordinates ready, in-flight and timer sets in Redis. The timer
// set is the durable sleep: a task parked there survives any worker restart
// and becomes ready once its score (unix ms) has passed.
type RedisQueue struct {
	client        *redis.Client
	topics        []string
	inflightKey   string
	timersKey     string
	taskPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config, topics []string) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg, topics)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config, topics []string) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "notifier:dlq"
	}
	return &RedisQueue{
		client:        client,
		topics:        topics,
		inflightKey:   "notifier:inflight",
		timersKey:     "notifier:timers",
		taskPrefix:    "notifier:task:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) readyKey(topic string) string {
	return fmt.Sprintf("notifier:ready:%s", topic)
}

func (q *RedisQueue) taskKey(id string) string {
	return q.taskPrefix + id
}

// Publish makes a task ready for immediate consumption.
func (q *RedisQueue) Publish(ctx context.Context, topic string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(id), "topic", topic, "payload", body, "attempts", 0)
	pipe.RPush(ctx, q.readyKey(topic), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

// PublishAt parks a task in the timer set until at. Reusing a key replaces the
// pending timer, so one key holds at most one wake-up.
func (q *RedisQueue) PublishAt(ctx context.Context, key, topic string, payload any, at time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	if key == "" {
		key = uuid.New().String()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(key), "topic", topic, "payload", body, "attempts", 0)
	pipe.ZAdd(ctx, q.timersKey, redis.Z{Score: float64(at.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s timer: %w", topic, err)
	}
	return nil
}

// PromoteDue moves timers that have fired into their topic's ready list and
// returns how many moved.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	res, err := moveDueScript.Run(ctx, q.client,
		[]string{q.timersKey},
		now.UnixMilli(), limit, q.taskPrefix, "notifier:ready:", "",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote timers: %w", err)
	}
	return res, nil
}

// Dequeue pops the next ready task in topic order and leases it for the
// visibility timeout. ok is false when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, bool, error) {
	keys := make([]string, 0, len(q.topics)+1)
	for _, t := range q.topics {
		keys = append(keys, q.readyKey(t))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return Task{}, false, fmt.Errorf("load task %s: %w", id, err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	return Task{
		ID:       id,
		Topic:    fields["topic"],
		Payload:  json.RawMessage(fields["payload"]),
		Attempts: attempts,
	}, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a finished task and its record.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.taskKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and parks the task as a timer firing at at.
func (q *RedisQueue) Retry(ctx context.Context, id string, attempts int, at time.Time, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.HSet(ctx, q.taskKey(id), "attempts", attempts, "last_error", lastErr)
	pipe.ZAdd(ctx, q.timersKey, redis.Z{Score: float64(at.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns tasks whose lease ran out to their ready lists.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	res, err := moveDueScript.Run(ctx, q.client,
		[]string{q.inflightKey},
		now.UnixMilli(), limit, q.taskPrefix, "notifier:ready:", "attempts",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	return res, nil
}

// DeadLetter drops the lease and records the task id on the DLQ. The task
// record is kept for inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, id string, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.HSet(ctx, q.taskKey(id), "last_error", reason)
	pipe.RPush(ctx, q.dlqKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered task ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.topics))
	for _, t := range q.topics {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(t)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// TimerDepth returns how many timers are pending.
func (q *RedisQueue) TimerDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.timersKey).Result()
}

// TimerAt reports when the timer stored under key fires.
func (q *RedisQueue) TimerAt(ctx context.Context, key string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.timersKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)

// moveDueScript moves members of a sorted set scored at or below ARGV[1] to
// the ready list of their topic. ARGV[5], when set, names a counter field to
// increment on the task record.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local topic = redis.call('HGET', ARGV[3] .. id, 'topic')
    if topic then
      if ARGV[5] ~= '' then
        redis.call('HINCRBY', ARGV[3] .. id, ARGV[5], 1)
      end
      redis.call('RPUSH', ARGV[4] .. topic, id)
      moved = moved + 1
    end
  end
end
return moved
`)
