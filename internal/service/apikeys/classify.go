package apikeys

import "strings"

var quotaIndicators = []string{
	"quota",
	"rate limit",
	"ratelimit",
	"resource exhausted",
	"resource_exhausted",
	"429",
	"daily limit",
	"monthly limit",
	"permission denied",
	"invalid_api_key",
	"api_key_invalid",
	"api key not valid",
	"you exceeded",
	"quota exceeded",
	"freetier",
}

// User-facing messages. Never include raw provider text.
const (
	MsgQuota      = "API quota has been exceeded. Please try again later or contact support with a new API key."
	MsgInvalidKey = "Invalid or expired API key. Please check your API key configuration."
	MsgAuth       = "API authentication failed. Please verify your API key has the required permissions."
	MsgConnection = "Unable to connect to the API. Please check your internet connection and try again."
	MsgGeneric    = "An error occurred while processing your request. Please try again."
)

// IsQuotaError reports whether errText looks like a quota, rate-limit or
// key-rejection failure. Substring heuristic; false negatives are accepted.
func IsQuotaError(errText string) bool {
	if errText == "" {
		return false
	}
	lower := strings.ToLower(errText)
	for _, ind := range quotaIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// FriendlyError maps provider error text to one of the canned messages.
func FriendlyError(errText string) string {
	lower := strings.ToLower(errText)
	switch {
	case containsAny(lower, "quota", "rate limit", "ratelimit", "resource exhausted", "resource_exhausted", "429", "you exceeded", "daily limit", "monthly limit"):
		return MsgQuota
	case containsAny(lower, "invalid_api_key", "api_key_invalid", "api key not valid", "invalid api key", "expired"):
		return MsgInvalidKey
	case containsAny(lower, "permission denied", "permission_denied", "unauthorized", "401", "403"):
		return MsgAuth
	case containsAny(lower, "connection", "timeout", "timed out", "deadline exceeded", "network"):
		return MsgConnection
	default:
		return MsgGeneric
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
