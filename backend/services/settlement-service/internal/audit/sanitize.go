package audit

import "strings"

// Redacted replaces the value of any sensitive field.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"token":         {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"apikey":        {},
	"secret":        {},
	"clientsecret":  {},
	"authorization": {},
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(k)
}

// IsSensitive reports whether a field name is redacted. Matching ignores case and
// the separators '_', '-' and ' ', so "API_KEY", "apiKey" and "api-key" all match.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[normalizeKey(key)]
	return ok
}

// Sanitize walks a decoded JSON value (objects, arrays and scalars) and returns a copy
// with sensitive fields redacted. The input is left untouched.
func Sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if IsSensitive(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Sanitize(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = Sanitize(child)
		}
		return out
	default:
		return val
	}
}
