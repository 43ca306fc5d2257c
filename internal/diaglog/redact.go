package diaglog

import "strings"

// sensitiveKeys are the field names whose values are replaced with
// "[REDACTED]" before any log entry is written. Matching ignores case.
var sensitiveKeys = map[string]bool{
	"authentication": true,
	"authorization":  true,
	"token":          true,
	"password":       true,
	"secret":         true,
	"challenge":      true,
	"salt":           true,
	"auth":           true,
}

// decodedKeys hold scanned symbol contents. They are truncated rather than
// dropped so a log still shows that a decode happened.
var decodedKeys = map[string]bool{
	"text": true,
	"raw":  true,
}

const maxDecodedLen = 8

// Redact recursively traverses v and replaces the values of sensitive keys
// with "[REDACTED]" and shortens decoded symbol text. v is not mutated.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			lk := strings.ToLower(k)
			switch {
			case sensitiveKeys[lk]:
				out[k] = "[REDACTED]"
			case decodedKeys[lk]:
				out[k] = truncateDecoded(child)
			default:
				out[k] = Redact(child)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	default:
		return v
	}
}

func truncateDecoded(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return "[REDACTED]"
	}
	r := []rune(s)
	if len(r) <= maxDecodedLen {
		return s
	}
	return string(r[:maxDecodedLen]) + "…"
}
