package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"webshield/internal/metrics"
	"webshield/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	keyWhitelist = "firewall:whitelist"
	keyBlacklist = "firewall:blacklist"
)

type RedisRepository struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisRepository(host string, port int, password string, db int) *RedisRepository {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
	return &RedisRepository{
		client: rdb,
		ctx:    context.Background(),
	}
}

func (r *RedisRepository) GetClient() *redis.Client {
	return r.client
}

func (r *RedisRepository) trackDuration(op string, start time.Time) {
	metrics.MetricRedisDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// --- IP lists ---

func (r *RedisRepository) IsWhitelisted(ip string) (bool, error) {
	defer r.trackDuration("IsWhitelisted", time.Now())
	return r.client.HExists(r.ctx, keyWhitelist, ip).Result()
}

func (r *RedisRepository) IsBlacklisted(ip string) (bool, error) {
	defer r.trackDuration("IsBlacklisted", time.Now())
	return r.client.HExists(r.ctx, keyBlacklist, ip).Result()
}

func (r *RedisRepository) AddToWhitelist(ip string, entry models.ListEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.HSet(r.ctx, keyWhitelist, ip, data).Err()
}

// AddToBlacklist inserts ip into the blacklist and reports whether the
// entry is new. HSetNX makes the lockout promotion idempotent: only the
// first crossing returns true and triggers the one-time side effects.
func (r *RedisRepository) AddToBlacklist(ip string, entry models.ListEntry) (bool, error) {
	defer r.trackDuration("AddToBlacklist", time.Now())
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	return r.client.HSetNX(r.ctx, keyBlacklist, ip, data).Result()
}

func (r *RedisRepository) RemoveFromWhitelist(ip string) error {
	return r.client.HDel(r.ctx, keyWhitelist, ip).Err()
}

func (r *RedisRepository) RemoveFromBlacklist(ip string) error {
	return r.client.HDel(r.ctx, keyBlacklist, ip).Err()
}

func (r *RedisRepository) GetWhitelist() (map[string]models.ListEntry, error) {
	return r.getList(keyWhitelist)
}

func (r *RedisRepository) GetBlacklist() (map[string]models.ListEntry, error) {
	return r.getList(keyBlacklist)
}

func (r *RedisRepository) getList(key string) (map[string]models.ListEntry, error) {
	defer r.trackDuration("GetList", time.Now())
	res, err := r.client.HGetAll(r.ctx, key).Result()
	if err != nil {
		return nil, err
	}
	ips := make(map[string]models.ListEntry)
	for k, v := range res {
		var entry models.ListEntry
		if err := json.Unmarshal([]byte(v), &entry); err == nil {
			ips[k] = entry
		}
	}
	return ips, nil
}

// --- Fixed-window rate counter ---

// rateWindowScript implements the fixed-window counter in one round trip
// so two concurrent requests can never both read a stale count at the
// limit boundary. First hit creates the window with count=1; at or over
// the limit it reports over without incrementing, so the counter stops
// growing under sustained abuse; otherwise it increments (INCR leaves
// the window TTL untouched).
var rateWindowScript = redis.NewScript(`
local c = redis.call('GET', KEYS[1])
if not c then
  redis.call('SET', KEYS[1], 1, 'EX', tonumber(ARGV[2]))
  return 0
end
if tonumber(c) >= tonumber(ARGV[1]) then
  return 1
end
redis.call('INCR', KEYS[1])
return 0
`)

// RateCheckAndIncr returns true when identity is over limit for the
// current window.
func (r *RedisRepository) RateCheckAndIncr(identity string, limit, windowSeconds int) (bool, error) {
	defer r.trackDuration("RateCheckAndIncr", time.Now())
	key := "firewall:rate:" + identity
	res, err := rateWindowScript.Run(r.ctx, r.client, []string{key}, limit, windowSeconds).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// --- Login attempts and lockouts ---

var attemptIncrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return c
`)

// IncrLoginAttempts bumps the failed-attempt counter for (ip, username)
// and returns the new count. The record expires windowSeconds after the
// first failure; the count only ever grows within that window.
func (r *RedisRepository) IncrLoginAttempts(ip, username string, windowSeconds int) (int, error) {
	defer r.trackDuration("IncrLoginAttempts", time.Now())
	key := fmt.Sprintf("login:attempts:%s:%s", ip, username)
	return attemptIncrScript.Run(r.ctx, r.client, []string{key}, windowSeconds).Int()
}

func (r *RedisRepository) ResetLoginAttempts(ip, username string) error {
	key := fmt.Sprintf("login:attempts:%s:%s", ip, username)
	return r.client.Del(r.ctx, key).Err()
}

func (r *RedisRepository) SetLockout(ip string, duration time.Duration) error {
	defer r.trackDuration("SetLockout", time.Now())
	key := "login:lockout:" + ip
	expiry := time.Now().Add(duration).Unix()
	return r.client.Set(r.ctx, key, expiry, duration).Err()
}

// LockoutRemaining returns how long the lockout for ip still holds, or
// zero when the IP is not locked out. The key's TTL is the single
// authority; an expired record simply no longer exists.
func (r *RedisRepository) LockoutRemaining(ip string) (time.Duration, error) {
	defer r.trackDuration("LockoutRemaining", time.Now())
	key := "login:lockout:" + ip
	ttl, err := r.client.TTL(r.ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *RedisRepository) ClearLockout(ip string) error {
	return r.client.Del(r.ctx, "login:lockout:"+ip).Err()
}

// --- Generic JSON cache (geo lookups, threat verdicts) ---

func (r *RedisRepository) SetCache(key string, val interface{}, expiration time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, key, data, expiration).Err()
}

func (r *RedisRepository) GetCache(key string, target interface{}) error {
	val, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), target)
}

// --- Provisional 2FA enrollments ---

func (r *RedisRepository) SetPendingEnrollment(username string, sess models.EnrollmentSession, ttl time.Duration) error {
	return r.SetCache("mfa:pending:"+username, sess, ttl)
}

func (r *RedisRepository) GetPendingEnrollment(username string) (*models.EnrollmentSession, error) {
	var sess models.EnrollmentSession
	if err := r.GetCache("mfa:pending:"+username, &sess); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (r *RedisRepository) DeletePendingEnrollment(username string) error {
	return r.client.Del(r.ctx, "mfa:pending:"+username).Err()
}
