// Package sanitize masks subscriber data before it reaches logs.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	// tel: URIs and international dial strings.
	dialPattern = regexp.MustCompile(`(?i)tel:[^\s;>,"']+|\+[0-9][0-9\-]{5,}[0-9]`)

	// SIP URIs carry a user part worth hiding.
	sipPattern = regexp.MustCompile(`(?i)sips?:[^\s@;>]+@[^\s;>]+`)

	apiKeyPattern = regexp.MustCompile(`(?i)(token|secret|password|auth)[=:\s"']+([\w.\-]{8,})`)

	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[\w.\-]+`)
)

type rule struct {
	pattern     *regexp.Regexp
	replacement func(string) string
	enabled     bool
}

// Sanitizer rewrites free text, masking anything that looks like an
// address or a credential.
type Sanitizer struct {
	rules []rule
}

// Config selects which rules apply.
type Config struct {
	MaskAddresses bool
	MaskSecrets   bool
}

// DefaultConfig enables every rule.
func DefaultConfig() Config {
	return Config{MaskAddresses: true, MaskSecrets: true}
}

// New creates a Sanitizer.
func New(cfg Config) *Sanitizer {
	return &Sanitizer{rules: []rule{
		{pattern: sipPattern, replacement: Address, enabled: cfg.MaskAddresses},
		{pattern: dialPattern, replacement: Address, enabled: cfg.MaskAddresses},
		{pattern: bearerPattern, replacement: maskBearer, enabled: cfg.MaskSecrets},
		{pattern: apiKeyPattern, replacement: maskAPIKey, enabled: cfg.MaskSecrets},
	}}
}

var std = New(DefaultConfig())

// String masks every match in input.
func (s *Sanitizer) String(input string) string {
	result := input
	for _, r := range s.rules {
		if r.enabled {
			result = r.pattern.ReplaceAllStringFunc(result, r.replacement)
		}
	}
	return result
}

// Error masks an error message. A nil error yields "".
func (s *Sanitizer) Error(err error) string {
	if err == nil {
		return ""
	}
	return s.String(err.Error())
}

// Text masks input with the default rules.
func Text(input string) string {
	return std.String(input)
}

// Error masks an error message with the default rules.
func Error(err error) string {
	return std.Error(err)
}

// Address keeps the scheme and the first and last two characters of an
// address. Short numbers, most of them service codes, are masked whole.
func Address(address string) string {
	scheme, rest := "", address
	if i := strings.IndexByte(address, ':'); i >= 0 {
		scheme, rest = address[:i+1], address[i+1:]
	}
	if len(rest) <= 4 {
		return scheme + "****"
	}
	return scheme + rest[:2] + "****" + rest[len(rest)-2:]
}

func maskAPIKey(match string) string {
	parts := apiKeyPattern.FindStringSubmatch(match)
	if len(parts) == 3 {
		return strings.TrimSuffix(match, parts[2]) + "[REDACTED]"
	}
	return "[REDACTED]"
}

func maskBearer(string) string {
	return "Bearer [REDACTED]"
}
