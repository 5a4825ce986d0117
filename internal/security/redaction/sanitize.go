package redaction

import "regexp"

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|token|secret|password|session|cookie|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9\-_]{16,}|ghp_[A-Za-z0-9]{16,}|gho_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|ya29\.[A-Za-z0-9\-_]+|pat_[A-Za-z0-9]{16,}|AKIA[A-Z0-9]{16})`,
	)
	keyFieldDumpPattern  = regexp.MustCompile(`(?i)(APIKey|api_key|apikey|key)["']?\s*[:=]\s*["']?[A-Za-z0-9\-\._]{20,}["']?`)
	keyFieldValuePattern = regexp.MustCompile(`(["']?\s*[:=]\s*)["']?[A-Za-z0-9\-\._]{20,}["']?`)
	longHexTokenPattern  = regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`)
)

// SanitizeText scrubs credential material from free-form text. Every log line
// passes through here before it is written, and tool output passes through
// here before it is handed back to the model.
func SanitizeText(text string) string {
	sanitized := authorizationBearerPattern.ReplaceAllStringFunc(text, func(match string) string {
		submatches := authorizationBearerPattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + submatches[2] + Placeholder
	})

	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + Placeholder + submatches[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + Placeholder
	})

	// Struct field dumps: APIKey: XXXXX, api_key=XXXXX and friends.
	sanitized = keyFieldDumpPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		return keyFieldValuePattern.ReplaceAllString(match, Placeholder)
	})

	sanitized = standaloneSecretPattern.ReplaceAllString(sanitized, Placeholder)
	sanitized = longHexTokenPattern.ReplaceAllString(sanitized, Placeholder)
	return sanitized
}
