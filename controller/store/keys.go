package store

import "fmt"

// Document key layout. Format: solarctl:tenants:{uid}:{resource}[:{id}]
// Cache documents live outside the tenant namespace because price docs
// are shared per site.

const (
	keyPrefix = "solarctl"

	// automationEnabledSet indexes tenants with automationEnabled=true so
	// the tick driver can list them without scanning configs.
	automationEnabledSet = keyPrefix + ":automation:enabled"

	// CachePrefix is the namespace for all TTL cache documents.
	CachePrefix = keyPrefix + ":cache:"
)

func configKey(uid string) string {
	return fmt.Sprintf("%s:tenants:%s:config", keyPrefix, uid)
}

func ruleKey(uid, ruleID string) string {
	return fmt.Sprintf("%s:tenants:%s:rules:%s", keyPrefix, uid, ruleID)
}

func rulePrefix(uid string) string {
	return fmt.Sprintf("%s:tenants:%s:rules:", keyPrefix, uid)
}

func stateKey(uid string) string {
	return fmt.Sprintf("%s:tenants:%s:state", keyPrefix, uid)
}

func auditKey(uid string) string {
	return fmt.Sprintf("%s:tenants:%s:audit", keyPrefix, uid)
}

func countersKey(uid, day string) string {
	return fmt.Sprintf("%s:tenants:%s:apicalls:%s", keyPrefix, uid, day)
}

func quickControlKey(uid string) string {
	return fmt.Sprintf("%s:tenants:%s:quickcontrol", keyPrefix, uid)
}

func cacheKey(key string) string {
	return CachePrefix + key
}
