package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/solarctl/solarctl/controller/observability"
)

// auditTrailCap bounds the hot Redis audit list per tenant. Older entries
// live in the Postgres archive when one is configured.
const auditTrailCap = 2000

// counterRetention is how long daily API-call counter hashes are kept.
const counterRetention = 90 * 24 * time.Hour

// RedisStore implements Store on Redis. Documents are JSON blobs at
// namespaced keys; cache documents additionally carry a Redis TTL derived
// from their expiresAt so the server reclaims them on its own.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the connection.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("get").Observe(time.Since(start).Seconds())
	}()

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("set").Observe(time.Since(start).Seconds())
	}()

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

// --- Config ---

func (s *RedisStore) GetConfig(ctx context.Context, uid string) (*Config, error) {
	var cfg Config
	if err := s.getJSON(ctx, configKey(uid), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *RedisStore) PutConfig(ctx context.Context, uid string, cfg *Config) error {
	cfg.UID = uid
	cfg.Canonicalise()
	if err := s.setJSON(ctx, configKey(uid), cfg, 0); err != nil {
		return err
	}
	// Keep the enabled-tenant index in step so the driver's listing stays
	// a set read instead of a keyspace scan.
	if cfg.AutomationEnabled {
		return s.client.SAdd(ctx, automationEnabledSet, uid).Err()
	}
	return s.client.SRem(ctx, automationEnabledSet, uid).Err()
}

// --- Rules ---

func ruleIndexKey(uid string) string {
	return fmt.Sprintf("%s:tenants:%s:ruleids", keyPrefix, uid)
}

func (s *RedisStore) ListRules(ctx context.Context, uid string) ([]*Rule, error) {
	ids, err := s.client.SMembers(ctx, ruleIndexKey(uid)).Result()
	if err != nil {
		return nil, err
	}
	rules := make([]*Rule, 0, len(ids))
	for _, id := range ids {
		var r Rule
		err := s.getJSON(ctx, ruleKey(uid, id), &r)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived the document; self-heal.
			s.client.SRem(ctx, ruleIndexKey(uid), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		rules = append(rules, &r)
	}
	return rules, nil
}

func (s *RedisStore) GetRule(ctx context.Context, uid string, ruleID string) (*Rule, error) {
	var r Rule
	if err := s.getJSON(ctx, ruleKey(uid, ruleID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RedisStore) PutRule(ctx context.Context, uid string, rule *Rule) error {
	rule.UID = uid
	if err := s.setJSON(ctx, ruleKey(uid, rule.RuleID), rule, 0); err != nil {
		return err
	}
	return s.client.SAdd(ctx, ruleIndexKey(uid), rule.RuleID).Err()
}

func (s *RedisStore) DeleteRule(ctx context.Context, uid string, ruleID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ruleKey(uid, ruleID))
	pipe.SRem(ctx, ruleIndexKey(uid), ruleID)
	_, err := pipe.Exec(ctx)
	return err
}

// --- Automation state ---

func (s *RedisStore) GetState(ctx context.Context, uid string) (*AutomationState, error) {
	var st AutomationState
	if err := s.getJSON(ctx, stateKey(uid), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// MergeState reads, patches and writes back under WATCH so a concurrent
// writer cannot have its fields silently dropped.
func (s *RedisStore) MergeState(ctx context.Context, uid string, patch StatePatch) error {
	key := stateKey(uid)
	txn := func(tx *redis.Tx) error {
		st := &AutomationState{UID: uid}
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := json.Unmarshal(raw, st); err != nil {
				return err
			}
		}
		patch.Apply(st)
		out, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("state merge for %s kept losing the watch race", uid)
}

// CommitTransition batches the state patch and the lastTriggered flips in
// one MULTI/EXEC so preemption is observed whole or not at all.
func (s *RedisStore) CommitTransition(ctx context.Context, uid string, patch StatePatch, started *RuleTrigger, cancelled []string) error {
	st, err := s.GetState(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		st = &AutomationState{UID: uid}
	} else if err != nil {
		return err
	}
	patch.Apply(st)
	stateRaw, err := json.Marshal(st)
	if err != nil {
		return err
	}

	type ruleWrite struct {
		key string
		raw []byte
	}
	writes := make([]ruleWrite, 0, 1+len(cancelled))
	if started != nil {
		r, err := s.GetRule(ctx, uid, started.RuleID)
		if err != nil {
			return err
		}
		at := started.At
		r.LastTriggered = &at
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		writes = append(writes, ruleWrite{ruleKey(uid, r.RuleID), raw})
	}
	for _, ruleID := range cancelled {
		r, err := s.GetRule(ctx, uid, ruleID)
		if errors.Is(err, ErrNotFound) {
			continue // deleted mid-flight, nothing to reset
		}
		if err != nil {
			return err
		}
		r.LastTriggered = nil
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		writes = append(writes, ruleWrite{ruleKey(uid, r.RuleID), raw})
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stateKey(uid), stateRaw, 0)
	for _, w := range writes {
		pipe.Set(ctx, w.key, w.raw, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAutomationTenants(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, automationEnabledSet).Result()
}

// --- Audit ---

func (s *RedisStore) AppendAudit(ctx context.Context, uid string, entry *AuditEntry) error {
	entry.UID = uid
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, auditKey(uid), raw)
	pipe.LTrim(ctx, auditKey(uid), 0, auditTrailCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAudit(ctx context.Context, uid string, sinceMs int64, limit int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > auditTrailCap {
		limit = auditTrailCap
	}
	raws, err := s.client.LRange(ctx, auditKey(uid), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]*AuditEntry, 0, len(raws))
	for _, raw := range raws {
		var e AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		if e.StartedAt < sinceMs {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// --- Cache documents ---

func (s *RedisStore) CacheGet(ctx context.Context, key string) (*CacheDoc, error) {
	var doc CacheDoc
	if err := s.getJSON(ctx, cacheKey(key), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *RedisStore) CachePut(ctx context.Context, key string, doc *CacheDoc) error {
	// Server-side reclamation hint; readers never rely on it.
	var ttl time.Duration
	if doc.ExpiresAt > 0 {
		until := time.Until(time.Unix(doc.ExpiresAt, 0))
		if until > 0 {
			ttl = until + time.Minute
		}
	}
	return s.setJSON(ctx, cacheKey(key), doc, ttl)
}

func (s *RedisStore) CacheDelete(ctx context.Context, key string) error {
	return s.client.Del(ctx, cacheKey(key)).Err()
}

func (s *RedisStore) ListCacheKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, cacheKey(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(CachePrefix):])
	}
	return keys, iter.Err()
}

// --- Counters ---

func (s *RedisStore) IncrementAPICall(ctx context.Context, uid string, provider string, day string) error {
	key := countersKey(uid, day)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, provider, 1)
	pipe.Expire(ctx, key, counterRetention)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetAPICounters(ctx context.Context, uid string, days []string) ([]*DailyCounters, error) {
	result := make([]*DailyCounters, 0, len(days))
	for _, day := range days {
		fields, err := s.client.HGetAll(ctx, countersKey(uid, day)).Result()
		if err != nil {
			return nil, err
		}
		c := &DailyCounters{Day: day}
		c.FoxESS, _ = strconv.ParseInt(fields["foxess"], 10, 64)
		c.Amber, _ = strconv.ParseInt(fields["amber"], 10, 64)
		c.Weather, _ = strconv.ParseInt(fields["weather"], 10, 64)
		result = append(result, c)
	}
	return result, nil
}

// --- Quick control ---

func (s *RedisStore) GetQuickControl(ctx context.Context, uid string) (*QuickControl, error) {
	var qc QuickControl
	if err := s.getJSON(ctx, quickControlKey(uid), &qc); err != nil {
		return nil, err
	}
	return &qc, nil
}

func (s *RedisStore) PutQuickControl(ctx context.Context, uid string, qc *QuickControl) error {
	qc.UID = uid
	return s.setJSON(ctx, quickControlKey(uid), qc, 0)
}
