// Package util provides small helpers shared by the server and the upstream client:
// outbound proxy wiring and redaction of credentials before they reach the logs.
package util

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// RedactSensitiveJSON attempts to redact sensitive fields from a JSON payload.
// If the payload is not valid JSON, it returns the original bytes.
func RedactSensitiveJSON(body []byte) []byte {
	trim := strings.TrimSpace(string(body))
	if trim == "" {
		return body
	}
	if !strings.HasPrefix(trim, "{") && !strings.HasPrefix(trim, "[") {
		return body
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return body
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitiveKey(k) {
				t[k] = redactedValue
				continue
			}
			t[k] = redactValue(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(k, "authorization"),
		strings.Contains(k, "cookie"),
		strings.Contains(k, "api_key"),
		strings.Contains(k, "apikey"),
		strings.Contains(k, "secret"),
		strings.Contains(k, "token"),
		strings.Contains(k, "password"):
		return true
	default:
		return false
	}
}

// RedactHeaders returns a copy of h with credential-bearing headers masked.
// Bearer tokens keep their scheme and the first four characters.
func RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for key, values := range out {
		if !isSensitiveKey(key) {
			continue
		}
		for i, v := range values {
			values[i] = MaskToken(v)
		}
	}
	return out
}

// MaskToken hides all but a short prefix of a credential.
func MaskToken(v string) string {
	v = strings.TrimSpace(v)
	scheme := ""
	if strings.HasPrefix(strings.ToLower(v), "bearer ") {
		scheme, v = v[:7], strings.TrimSpace(v[7:])
	}
	if len(v) <= 8 {
		return scheme + redactedValue
	}
	return scheme + v[:4] + "..." + redactedValue
}

// MaskSensitiveQuery masks values of sensitive query parameters in a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return raw
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	changed := false
	for key := range values {
		if isSensitiveKey(key) || strings.EqualFold(key, "key") {
			values.Set(key, redactedValue)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}
