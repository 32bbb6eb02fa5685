package audit

import (
	"regexp"
	"strings"
)

// Keys whose values are always redacted, compared case-insensitively after
// stripping separators. Configuration can extend this set via AddSensitiveKey.
var sensitiveKeys = map[string]bool{
	"accesstoken":   true,
	"refreshtoken":  true,
	"token":         true,
	"authorization": true,
	"clientsecret":  true,
	"apikey":        true,
	"cardnumber":    true,
	"pan":           true,
}

// AddSensitiveKey registers a configuration-declared sensitive key.
func AddSensitiveKey(key string) {
	sensitiveKeys[normalizeKey(key)] = true
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(key))
}

// Runs of 13-19 digits, optionally separated, that look like card numbers.
var cardNumberRe = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)

const redacted = "[REDACTED]"

// Sanitize returns a copy of the payload with sensitive keys removed and
// card-number-like digit runs masked inside string values. The input map is
// not modified.
func Sanitize(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKeys[normalizeKey(k)] {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return cardNumberRe.ReplaceAllString(val, redacted)
	case map[string]any:
		return Sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
