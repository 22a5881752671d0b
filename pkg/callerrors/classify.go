package callerrors

import "strings"

// Message fragments checked in priority order. Upstream providers expose no structured
// taxonomy, so untagged errors are matched on their lower-cased text.
//
//nolint:gochecknoglobals // Fixed classification tables
var (
	rateLimitPatterns = []string{"rate limit", "429", "quota"}

	temporaryPatterns = []string{
		"timeout", "connection", "network",
		"500", "502", "503", "504",
		"econnreset", "enotfound",
	}

	permanentPatterns = []string{
		"400", "401", "403", "404",
		"invalid", "unauthorized", "forbidden", "not found",
	}
)

// Classify maps any error to exactly one Kind. A tag anywhere in the wrap chain wins;
// otherwise the message text is matched. Nil and unrecognised errors are KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if tagged, ok := Tagged(err); ok {
		return tagged.Kind
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage applies the text rules to a raw message.
func ClassifyMessage(message string) Kind {
	msg := strings.ToLower(message)

	switch {
	case containsAny(msg, rateLimitPatterns):
		return KindRateLimit
	case containsAny(msg, temporaryPatterns):
		return KindTemporary
	case containsAny(msg, permanentPatterns):
		return KindPermanent
	default:
		return KindUnknown
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
