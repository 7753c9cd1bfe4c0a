package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// Store is the persistence contract for tenant configuration, rules,
// engine state, the cycle audit trail, cache documents and API counters.
// It abstracts over Redis (primary) and an in-memory backend (tests).
type Store interface {
	// Config
	GetConfig(ctx context.Context, uid string) (*Config, error)
	PutConfig(ctx context.Context, uid string, cfg *Config) error

	// Rules
	ListRules(ctx context.Context, uid string) ([]*Rule, error)
	GetRule(ctx context.Context, uid string, ruleID string) (*Rule, error)
	PutRule(ctx context.Context, uid string, rule *Rule) error
	DeleteRule(ctx context.Context, uid string, ruleID string) error

	// Automation state. MergeState uses merge semantics: fields absent
	// from the patch are preserved.
	GetState(ctx context.Context, uid string) (*AutomationState, error)
	MergeState(ctx context.Context, uid string, patch StatePatch) error

	// CommitTransition applies a state patch, sets lastTriggered on the
	// started rule and clears lastTriggered on the cancelled rules as a
	// single batch so preemption is never observed torn.
	CommitTransition(ctx context.Context, uid string, patch StatePatch, started *RuleTrigger, cancelled []string) error

	// ListAutomationTenants returns the uids with automationEnabled=true.
	ListAutomationTenants(ctx context.Context) ([]string, error)

	// Audit trail (append-only).
	AppendAudit(ctx context.Context, uid string, entry *AuditEntry) error
	ListAudit(ctx context.Context, uid string, sinceMs int64, limit int) ([]*AuditEntry, error)

	// Cache documents.
	CacheGet(ctx context.Context, key string) (*CacheDoc, error)
	CachePut(ctx context.Context, key string, doc *CacheDoc) error
	CacheDelete(ctx context.Context, key string) error
	ListCacheKeys(ctx context.Context, prefix string) ([]string, error)

	// Per-tenant per-day external API call counters.
	IncrementAPICall(ctx context.Context, uid string, provider string, day string) error
	GetAPICounters(ctx context.Context, uid string, days []string) ([]*DailyCounters, error)

	// Quick-control override.
	GetQuickControl(ctx context.Context, uid string) (*QuickControl, error)
	PutQuickControl(ctx context.Context, uid string, qc *QuickControl) error
}

// AuditArchive is an optional durable sink mirroring audit appends,
// backed by Postgres when DATABASE_URL is configured.
type AuditArchive interface {
	ArchiveAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, uid string, sinceMs int64, limit int) ([]*AuditEntry, error)
}
