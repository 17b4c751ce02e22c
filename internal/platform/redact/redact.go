// Package redact scrubs internal detail from user-visible error messages and
// audit log entries (spec §7's error propagation policy): credentials,
// Postgres DSNs, and internal hostnames are replaced before a message reaches
// a tenant calling the gateway, even when the underlying error is wrapped and
// returned verbatim internally. Stack traces are not recognised and pass
// through unchanged.
package redact

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(dsn|connection[_-]?string)["']?\s*[:=]\s*["']?(postgres(?:ql)?://[^"'\s,}]+)["']?`),
	regexp.MustCompile(`postgres(?:ql)?://[^:]+:[^@]+@[^\s"'}]+`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(access[_-]?key|aws[_-]?secret)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

// internalHostPattern matches the internal DNS suffixes engines and the
// state store run behind, so a wrapped dial error doesn't leak topology.
var internalHostPattern = regexp.MustCompile(`(?i)[a-z0-9-]+\.(internal|svc\.cluster\.local|dalston-internal)(:[0-9]+)?`)

const redactionText = "***REDACTED***"

// Config controls what Redactor.RedactString/RedactMap treat as sensitive.
type Config struct {
	Enabled       bool
	RedactionText string
	BlockedFields []string
}

// DefaultConfig blocks the field names the State Store and Gateway are most
// likely to echo back verbatim in a wrapped error (credentials, connection
// strings, engine bearer tokens).
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RedactionText: redactionText,
		BlockedFields: []string{
			"password", "secret", "token", "apikey", "api_key",
			"private_key", "credential", "dsn", "connection_string",
		},
	}
}

// Redactor scrubs sensitive substrings from strings and structured data
// before they cross the internal/external boundary (error responses, audit
// log details persisted to the audit_log table).
type Redactor struct {
	config Config
}

// New creates a Redactor.
func New(cfg Config) *Redactor {
	if cfg.RedactionText == "" {
		cfg.RedactionText = redactionText
	}
	return &Redactor{config: cfg}
}

// Default returns a Redactor configured with DefaultConfig.
func Default() *Redactor {
	return New(DefaultConfig())
}

// RedactString scrubs secret-shaped substrings and internal hostnames from s.
func (r *Redactor) RedactString(s string) string {
	if !r.config.Enabled {
		return s
	}

	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+r.config.RedactionText)
	}
	result = internalHostPattern.ReplaceAllString(result, r.config.RedactionText)
	return result
}

// RedactMap scrubs a structured details map, such as the apierr.Error.Details
// payload rendered into an HTTP response or an audit_log row.
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if !r.config.Enabled || m == nil {
		return m
	}

	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch {
		case r.isSensitiveField(k):
			result[k] = r.config.RedactionText
		case v == nil:
			result[k] = v
		default:
			switch val := v.(type) {
			case string:
				result[k] = r.RedactString(val)
			case map[string]interface{}:
				result[k] = r.RedactMap(val)
			case []interface{}:
				result[k] = r.redactSlice(val)
			default:
				result[k] = v
			}
		}
	}
	return result
}

func (r *Redactor) redactSlice(s []interface{}) []interface{} {
	result := make([]interface{}, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case string:
			result[i] = r.RedactString(val)
		case map[string]interface{}:
			result[i] = r.RedactMap(val)
		default:
			result[i] = val
		}
	}
	return result
}

func (r *Redactor) isSensitiveField(fieldName string) bool {
	lowerName := strings.ToLower(fieldName)
	for _, blocked := range r.config.BlockedFields {
		if strings.Contains(lowerName, blocked) {
			return true
		}
	}
	return false
}

// String is a package-level convenience wrapping Default().RedactString.
func String(s string) string {
	return Default().RedactString(s)
}

// Map is a package-level convenience wrapping Default().RedactMap.
func Map(m map[string]interface{}) map[string]interface{} {
	return Default().RedactMap(m)
}
