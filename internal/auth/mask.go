package auth

import (
	"regexp"
	"strings"
)

const (
	maskPlaceholder = "***REDACTED***"
	maskPreserveLen = 4
	maskMinLength   = 10
)

// bearerPattern matches bearer credentials embedded in free text.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`)

// MaskToken keeps only a short prefix of a token for logging.
// Example: "eyJhbGciOiJIUzI1NiJ9.xxx" -> "eyJh...***REDACTED***"
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(token, "Bearer "), "bearer "))
	if len(token) > maskPreserveLen {
		return token[:maskPreserveLen] + "..." + maskPlaceholder
	}
	return maskPlaceholder
}

// MaskID keeps the first and last characters of an identifier; short ids are
// fully masked.
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) < maskMinLength {
		return maskPlaceholder
	}
	return id[:maskPreserveLen] + "..." + id[len(id)-maskPreserveLen:]
}

// ScrubBearer replaces bearer credentials in s with a placeholder.
func ScrubBearer(s string) string {
	return bearerPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
