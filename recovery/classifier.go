package recovery

import "strings"

// Category buckets a failure for recovery-policy selection.
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryNetwork    Category = "network"
	CategoryResource   Category = "resource"
	CategoryPermission Category = "permission"
	CategoryValidation Category = "validation"
	CategoryPermanent  Category = "permanent"
)

// Keyword sets checked in precedence order. Transient is checked before
// Network and Resource so that "rate limit exceeded" lands in Transient
// rather than Resource.
var (
	transientKeywords = []string{"rate limit", "rate-limit", "throttl", "temporar", "busy", "unavailable", "retryable"}
	networkKeywords   = []string{"connection", "timeout", "socket", "ssl", "handshake"}
	resourceKeywords  = []string{"memory", "disk", "quota", "capacity", "oom", "exceeded", "space"}
	// Ordinary indexing and range errors mention these and are not
	// resource exhaustion.
	resourceExclusions = []string{"index", "range"}
	permissionKeywords = []string{"permission", "denied", "forbidden", "unauthorized", "credential"}
	validationKeywords = []string{"invalid", "malformed", "schema", "assertion"}
)

// Classify buckets an error by keyword-matching its lower-cased message.
// Best-effort: anything unmatched degrades to Permanent, never to a crash.
func Classify(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	msg := strings.ToLower(err.Error())

	if containsAny(msg, transientKeywords) {
		return CategoryTransient
	}
	if containsAny(msg, networkKeywords) {
		return CategoryNetwork
	}
	if containsAny(msg, resourceKeywords) && !containsAny(msg, resourceExclusions) {
		return CategoryResource
	}
	if containsAny(msg, permissionKeywords) {
		return CategoryPermission
	}
	if containsAny(msg, validationKeywords) {
		return CategoryValidation
	}
	return CategoryPermanent
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
