package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and single-node dev
// runs. All methods take copies so callers never alias internal state.
type MemoryStore struct {
	mu       sync.RWMutex
	configs  map[string]*Config
	rules    map[string]*Rule // keyed ruleKey(uid, ruleID)
	states   map[string]*AutomationState
	audits   map[string][]*AuditEntry
	cache    map[string]*CacheDoc
	counters map[string]*DailyCounters // keyed countersKey(uid, day)
	quick    map[string]*QuickControl
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  make(map[string]*Config),
		rules:    make(map[string]*Rule),
		states:   make(map[string]*AutomationState),
		audits:   make(map[string][]*AuditEntry),
		cache:    make(map[string]*CacheDoc),
		counters: make(map[string]*DailyCounters),
		quick:    make(map[string]*QuickControl),
	}
}

// --- Config ---

func (s *MemoryStore) GetConfig(ctx context.Context, uid string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[uid]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cfg
	return &c, nil
}

func (s *MemoryStore) PutConfig(ctx context.Context, uid string, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	c.UID = uid
	c.Canonicalise()
	s.configs[uid] = &c
	return nil
}

// --- Rules ---

func (s *MemoryStore) ListRules(ctx context.Context, uid string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := rulePrefix(uid)
	result := make([]*Rule, 0)
	for key, r := range s.rules {
		if strings.HasPrefix(key, prefix) {
			c := *r
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RuleID < result[j].RuleID })
	return result, nil
}

func (s *MemoryStore) GetRule(ctx context.Context, uid string, ruleID string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[ruleKey(uid, ruleID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) PutRule(ctx context.Context, uid string, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rule
	c.UID = uid
	s.rules[ruleKey(uid, rule.RuleID)] = &c
	return nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, uid string, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rules, ruleKey(uid, ruleID))
	return nil
}

// --- Automation state ---

func (s *MemoryStore) GetState(ctx context.Context, uid string) (*AutomationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[uid]
	if !ok {
		return nil, ErrNotFound
	}
	c := *st
	return &c, nil
}

func (s *MemoryStore) MergeState(ctx context.Context, uid string, patch StatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeStateLocked(uid, patch)
	return nil
}

func (s *MemoryStore) mergeStateLocked(uid string, patch StatePatch) {
	st, ok := s.states[uid]
	if !ok {
		st = &AutomationState{UID: uid}
		s.states[uid] = st
	}
	patch.Apply(st)
}

func (s *MemoryStore) CommitTransition(ctx context.Context, uid string, patch StatePatch, started *RuleTrigger, cancelled []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeStateLocked(uid, patch)
	if started != nil {
		if r, ok := s.rules[ruleKey(uid, started.RuleID)]; ok {
			at := started.At
			r.LastTriggered = &at
		}
	}
	for _, ruleID := range cancelled {
		if r, ok := s.rules[ruleKey(uid, ruleID)]; ok {
			r.LastTriggered = nil
		}
	}
	return nil
}

func (s *MemoryStore) ListAutomationTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uids := make([]string, 0)
	for uid, cfg := range s.configs {
		if cfg.AutomationEnabled {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	return uids, nil
}

// --- Audit ---

func (s *MemoryStore) AppendAudit(ctx context.Context, uid string, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	c.UID = uid
	s.audits[uid] = append(s.audits[uid], &c)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, uid string, sinceMs int64, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audits[uid]
	result := make([]*AuditEntry, 0)
	// Reverse chronological.
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].StartedAt < sinceMs {
			continue
		}
		c := *entries[i]
		result = append(result, &c)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// --- Cache documents ---

func (s *MemoryStore) CacheGet(ctx context.Context, key string) (*CacheDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.cache[cacheKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *doc
	return &c, nil
}

func (s *MemoryStore) CachePut(ctx context.Context, key string, doc *CacheDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *doc
	s.cache[cacheKey(key)] = &c
	return nil
}

func (s *MemoryStore) CacheDelete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, cacheKey(key))
	return nil
}

func (s *MemoryStore) ListCacheKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	full := cacheKey(prefix)
	keys := make([]string, 0)
	for key := range s.cache {
		if strings.HasPrefix(key, full) {
			keys = append(keys, strings.TrimPrefix(key, CachePrefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Counters ---

func (s *MemoryStore) IncrementAPICall(ctx context.Context, uid string, provider string, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := countersKey(uid, day)
	c, ok := s.counters[key]
	if !ok {
		c = &DailyCounters{Day: day}
		s.counters[key] = c
	}
	switch provider {
	case "foxess":
		c.FoxESS++
	case "amber":
		c.Amber++
	case "weather":
		c.Weather++
	}
	return nil
}

func (s *MemoryStore) GetAPICounters(ctx context.Context, uid string, days []string) ([]*DailyCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*DailyCounters, 0, len(days))
	for _, day := range days {
		if c, ok := s.counters[countersKey(uid, day)]; ok {
			cc := *c
			result = append(result, &cc)
		} else {
			result = append(result, &DailyCounters{Day: day})
		}
	}
	return result, nil
}

// --- Quick control ---

func (s *MemoryStore) GetQuickControl(ctx context.Context, uid string) (*QuickControl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qc, ok := s.quick[uid]
	if !ok {
		return nil, ErrNotFound
	}
	c := *qc
	return &c, nil
}

func (s *MemoryStore) PutQuickControl(ctx context.Context, uid string, qc *QuickControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *qc
	c.UID = uid
	s.quick[uid] = &c
	return nil
}
