package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/geocore/coremachine/internal/logger"
)

// Redis key layout per queue name:
//
//	cm:q:{name}:pending  list of message bodies, LPUSH producer / RPOP consumer
//	cm:q:{name}:leased   hash lease-token -> body
//	cm:q:{name}:expiry   zset lease-token -> unix-milli deadline
//	cm:q:{name}:dead     list of dead-letter envelopes
//
// Receive, abandon, and reap each run as a Lua script so a crash between
// steps can never lose a message; at worst it is redelivered. Abandon does
// not push the body straight back to pending: it shortens the lease deadline
// so the reaper returns it after a backoff, keeping redelivery from burning
// retries in a tight loop.

var receiveScript = goredis.NewScript(`
local body = redis.call('RPOP', KEYS[1])
if not body then
  return false
end
redis.call('HSET', KEYS[2], ARGV[1], body)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return body
`)

var abandonScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var deadLetterScript = goredis.NewScript(`
local body = redis.call('HGET', KEYS[2], ARGV[1])
if not body then
  return 0
end
redis.call('LPUSH', KEYS[4], ARGV[2])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

var reapScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local n = 0
for _, token in ipairs(expired) do
  local body = redis.call('HGET', KEYS[2], token)
  if body then
    redis.call('LPUSH', KEYS[1], body)
    redis.call('HDEL', KEYS[2], token)
  end
  redis.call('ZREM', KEYS[3], token)
  n = n + 1
end
return n
`)

type redisQueue struct {
	log          *logger.Logger
	rdb          *goredis.Client
	name         string
	deadName     string
	leaseTimeout time.Duration
	retryBackoff time.Duration
	maxBytes     int
}

type Options struct {
	Name           string
	DeadLetterName string
	LeaseTimeout   time.Duration
	// RetryBackoff is how long an abandoned message stays leased before the
	// reaper returns it to pending.
	RetryBackoff    time.Duration
	MaxMessageBytes int
}

func NewRedisQueue(log *logger.Logger, rdb *goredis.Client, opts Options) (Queue, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("queue name required")
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 15 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 256 * 1024
	}
	if strings.TrimSpace(opts.DeadLetterName) == "" {
		opts.DeadLetterName = opts.Name + "-dead"
	}
	return &redisQueue{
		log:          log.With("service", "RedisQueue", "queue", opts.Name),
		rdb:          rdb,
		name:         opts.Name,
		deadName:     opts.DeadLetterName,
		leaseTimeout: opts.LeaseTimeout,
		retryBackoff: opts.RetryBackoff,
		maxBytes:     opts.MaxMessageBytes,
	}, nil
}

// NewRedisClient dials the broker once per process; the client is shared and
// goroutine-safe.
func NewRedisClient(log *logger.Logger, addr string) (*goredis.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (q *redisQueue) Name() string { return q.name }

func (q *redisQueue) pendingKey() string { return "cm:q:" + q.name + ":pending" }
func (q *redisQueue) leasedKey() string  { return "cm:q:" + q.name + ":leased" }
func (q *redisQueue) expiryKey() string  { return "cm:q:" + q.name + ":expiry" }
func (q *redisQueue) deadKey() string    { return "cm:q:" + q.deadName + ":dead" }

func (q *redisQueue) Send(ctx context.Context, body []byte) error {
	if len(body) > q.maxBytes {
		return fmt.Errorf("message of %d bytes exceeds queue limit %d", len(body), q.maxBytes)
	}
	return q.rdb.LPush(ctx, q.pendingKey(), body).Err()
}

func (q *redisQueue) SendBatch(ctx context.Context, bodies [][]byte) error {
	if len(bodies) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(bodies))
	for _, b := range bodies {
		if len(b) > q.maxBytes {
			return fmt.Errorf("batch message of %d bytes exceeds queue limit %d", len(b), q.maxBytes)
		}
		args = append(args, b)
	}
	return q.rdb.LPush(ctx, q.pendingKey(), args...).Err()
}

func (q *redisQueue) Receive(ctx context.Context) (*Delivery, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(q.leaseTimeout)
	res, err := receiveScript.Run(ctx, q.rdb,
		[]string{q.pendingKey(), q.leasedKey(), q.expiryKey()},
		token, deadline.UnixMilli(),
	).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s receive: %w", q.name, err)
	}
	body, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return &Delivery{Token: token, Body: []byte(body), ExpiresAt: deadline}, nil
}

func (q *redisQueue) Complete(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.leasedKey(), d.Token)
	pipe.ZRem(ctx, q.expiryKey(), d.Token)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue %s complete: %w", q.name, err)
	}
	return nil
}

func (q *redisQueue) Abandon(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	deadline := time.Now().Add(q.retryBackoff)
	err := abandonScript.Run(ctx, q.rdb,
		[]string{q.leasedKey(), q.expiryKey()},
		d.Token, deadline.UnixMilli(),
	).Err()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("queue %s abandon: %w", q.name, err)
	}
	return nil
}

func (q *redisQueue) DeadLetter(ctx context.Context, d *Delivery, errorKind, lastError string) error {
	if d == nil {
		return nil
	}
	entry := DeadLetterEntry{
		Body:         string(d.Body),
		ErrorKind:    errorKind,
		LastError:    lastError,
		SourceQueue:  q.name,
		DeadLettered: time.Now().UTC(),
	}
	envelope, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter envelope: %w", err)
	}
	err = deadLetterScript.Run(ctx, q.rdb,
		[]string{q.pendingKey(), q.leasedKey(), q.expiryKey(), q.deadKey()},
		d.Token, envelope,
	).Err()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("queue %s dead-letter: %w", q.name, err)
	}
	q.log.Warn("Message dead-lettered", "error_kind", errorKind, "last_error", lastError)
	return nil
}

func (q *redisQueue) Renew(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	deadline := time.Now().Add(q.leaseTimeout)
	err := q.rdb.ZAddXX(ctx, q.expiryKey(), goredis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: d.Token,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue %s renew: %w", q.name, err)
	}
	d.ExpiresAt = deadline
	return nil
}

// StartReaper periodically returns expired leases to the pending list.
// Interval defaults to a tenth of the lease timeout.
func (q *redisQueue) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = q.leaseTimeout / 10
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := reapScript.Run(ctx, q.rdb,
					[]string{q.pendingKey(), q.leasedKey(), q.expiryKey()},
					time.Now().UnixMilli(), 100,
				).Int64()
				if err != nil && err != goredis.Nil {
					q.log.Warn("Lease reap failed", "error", err)
					continue
				}
				if n > 0 {
					q.log.Info("Expired leases returned to queue", "count", n)
				}
			}
		}
	}()
}

// Reaper is implemented by queues that recover expired leases.
type Reaper interface {
	StartReaper(ctx context.Context, interval time.Duration)
}

// deadLetterView reads the dead-letter list of a queue family.
type deadLetterView struct {
	rdb  *goredis.Client
	name string
}

func NewDeadLetterView(rdb *goredis.Client, deadName string) DeadLetterView {
	return &deadLetterView{rdb: rdb, name: deadName}
}

func (v *deadLetterView) key() string { return "cm:q:" + v.name + ":dead" }

func (v *deadLetterView) Peek(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	raws, err := v.rdb.LRange(ctx, v.key(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("dead-letter peek: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			e = DeadLetterEntry{Body: raw, ErrorKind: "poison"}
		}
		out = append(out, e)
	}
	return out, nil
}

func (v *deadLetterView) Len(ctx context.Context) (int64, error) {
	return v.rdb.LLen(ctx, v.key()).Result()
}
