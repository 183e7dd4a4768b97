package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the multi-instance implementation. All gateway processes
// sharing one root secret point at the same Redis so macaroon usage,
// revocation and rate-limit windows stay consistent across them.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisUrl string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %s", err.Error())
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func macaroonKey(id string) string                 { return "l402:macaroon:" + id }
func paymentKey(id string) string                  { return "l402:payment:" + id }
func paymentsByIdentityKey(identity string) string { return "l402:payments:" + identity }
func pendingKey(paymentHash string) string         { return "l402:pending:" + paymentHash }
func rateLimitKey(identity string) string          { return "l402:ratelimit:" + identity }

func (s *RedisStore) SaveMacaroon(ctx context.Context, record *MacaroonRecord) error {
	scope, err := json.Marshal(record.Scope)
	if err != nil {
		return err
	}
	revoked := "0"
	if record.Revoked {
		revoked = "1"
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, macaroonKey(record.ID), map[string]interface{}{
		"id":               record.ID,
		"identity":         record.Identity,
		"scope":            string(scope),
		"createdAt":        record.CreatedAt.Unix(),
		"expiresAt":        record.ExpiresAt.Unix(),
		"maxUses":          record.MaxUses,
		"currentUses":      record.CurrentUses,
		"paymentHash":      record.PaymentHash,
		"revoked":          revoked,
		"settledProofHash": record.SettledProofHash,
	})
	// Keep the record queryable well past its expiry for auditing, then
	// let Redis reclaim it.
	pipe.ExpireAt(ctx, macaroonKey(record.ID), record.ExpiresAt.Add(30*24*time.Hour))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetMacaroon(ctx context.Context, id string) (*MacaroonRecord, error) {
	fields, err := s.client.HGetAll(ctx, macaroonKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	record := &MacaroonRecord{
		ID:               fields["id"],
		Identity:         fields["identity"],
		PaymentHash:      fields["paymentHash"],
		Revoked:          fields["revoked"] == "1",
		SettledProofHash: fields["settledProofHash"],
	}
	if err := json.Unmarshal([]byte(fields["scope"]), &record.Scope); err != nil {
		record.Scope = nil
	}
	if createdAt, err := strconv.ParseInt(fields["createdAt"], 10, 64); err == nil {
		record.CreatedAt = time.Unix(createdAt, 0)
	}
	if expiresAt, err := strconv.ParseInt(fields["expiresAt"], 10, 64); err == nil {
		record.ExpiresAt = time.Unix(expiresAt, 0)
	}
	record.MaxUses, _ = strconv.ParseInt(fields["maxUses"], 10, 64)
	record.CurrentUses, _ = strconv.ParseInt(fields["currentUses"], 10, 64)
	return record, nil
}

func (s *RedisStore) RevokeMacaroon(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, macaroonKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, macaroonKey(id), "revoked", "1").Err()
}

func (s *RedisStore) IncrementUsage(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, macaroonKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.HIncrBy(ctx, macaroonKey(id), "currentUses", 1).Err()
}

// incrementIfBelowScript reads and bumps currentUses inside Redis so two
// gateway processes can never both admit the use that crosses maxUses.
var incrementIfBelowScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
if redis.call("EXISTS", key) == 0 then
	return -1
end
local current = tonumber(redis.call("HGET", key, "currentUses")) or 0
if max > 0 and current >= max then
	return 0
end
redis.call("HINCRBY", key, "currentUses", 1)
return 1
`)

func (s *RedisStore) IncrementUsageIfBelow(ctx context.Context, id string, maxUses int64) (bool, error) {
	raw, err := incrementIfBelowScript.Run(ctx, s.client, []string{macaroonKey(id)}, maxUses).Int64()
	if err != nil {
		return false, err
	}
	if raw == -1 {
		return false, ErrNotFound
	}
	return raw == 1, nil
}

func (s *RedisStore) SavePayment(ctx context.Context, record *PaymentRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, paymentKey(record.ID), encoded, 0)
	pipe.RPush(ctx, paymentsByIdentityKey(record.Identity), record.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetPayment(ctx context.Context, id string) (*PaymentRecord, error) {
	encoded, err := s.client.Get(ctx, paymentKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := &PaymentRecord{}
	if err := json.Unmarshal([]byte(encoded), record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *RedisStore) GetPaymentsByIdentity(ctx context.Context, identity string) ([]*PaymentRecord, error) {
	ids, err := s.client.LRange(ctx, paymentsByIdentityKey(identity), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	records := []*PaymentRecord{}
	for _, id := range ids {
		record, err := s.GetPayment(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) SavePendingInvoice(ctx context.Context, invoice *PendingInvoice) error {
	encoded, err := json.Marshal(invoice)
	if err != nil {
		return err
	}
	ttl := time.Until(invoice.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, pendingKey(invoice.PaymentHash), encoded, ttl).Err()
}

func (s *RedisStore) GetPendingInvoice(ctx context.Context, paymentHash string) (*PendingInvoice, error) {
	encoded, err := s.client.Get(ctx, pendingKey(paymentHash)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	invoice := &PendingInvoice{}
	if err := json.Unmarshal([]byte(encoded), invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *RedisStore) DeletePendingInvoice(ctx context.Context, paymentHash string) error {
	return s.client.Del(ctx, pendingKey(paymentHash)).Err()
}

// checkAndRecordScript runs the prune-count-add sequence inside Redis so two
// gateway processes can never both admit the request that crosses the limit.
// Scores are unix milliseconds.
var checkAndRecordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < max then
	redis.call("ZADD", key, now, ARGV[1] .. "-" .. ARGV[4])
	redis.call("PEXPIRE", key, window)
	allowed = 1
	count = count + 1
end
local reset = now + window
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

func (s *RedisStore) CheckAndRecord(ctx context.Context, identity string, maxRequests int64, window time.Duration) (*RateLimitResult, error) {
	raw, err := checkAndRecordScript.Run(ctx, s.client,
		[]string{rateLimitKey(identity)},
		time.Now().UnixMilli(), window.Milliseconds(), maxRequests, uuid.NewString(),
	).Result()
	if err != nil {
		return nil, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script reply: %v", raw)
	}
	allowed := values[0].(int64) == 1
	count := values[1].(int64)
	resetMs := values[2].(int64)

	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(resetMs),
	}, nil
}

func (s *RedisStore) CheckLimit(ctx context.Context, identity string, maxRequests int64, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey(identity), "0", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, rateLimitKey(identity))
	oldestCmd := pipe.ZRangeWithScores(ctx, rateLimitKey(identity), 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	count := countCmd.Val()
	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(window)
	}
	return &RateLimitResult{
		Allowed:   count < maxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (s *RedisStore) RecordRequest(ctx context.Context, identity string, window time.Duration) error {
	now := time.Now()
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey(identity), "0", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	pipe.ZAdd(ctx, rateLimitKey(identity), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()),
	})
	pipe.PExpire(ctx, rateLimitKey(identity), window)
	_, err := pipe.Exec(ctx)
	return err
}
