package domain

import (
	"regexp"
	"strings"
)

const RedactedValue = "***"

var sensitiveEnvPattern = regexp.MustCompile(`(?i)(SECRET|TOKEN|PASSWORD|PASSWD|API_KEY|PRIVATE_KEY)`)

// IsSensitiveEnv reports whether an env var should never be shown back to callers.
func IsSensitiveEnv(key string, declared []string) bool {
	for _, d := range declared {
		if strings.EqualFold(strings.TrimSpace(d), key) {
			return true
		}
	}
	return sensitiveEnvPattern.MatchString(key)
}

// Redacted returns a copy of the run with secret env values masked.
func (r Run) Redacted() Run {
	out := r.Clone()
	for k := range out.EnvVars {
		if IsSensitiveEnv(k, r.SecretEnv) {
			out.EnvVars[k] = RedactedValue
		}
	}
	return out
}
