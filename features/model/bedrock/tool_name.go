package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	maxToolNameLen = 64
	toolNameHash   = 8
)

// SanitizeToolName maps a canonical tool name to Bedrock's tool name
// alphabet [a-zA-Z0-9_-] with at most 64 bytes. Dots become underscores and
// other disallowed runes become '_'. Names that overflow are truncated and
// suffixed with 8 hex characters of their SHA-256 so distinct inputs stay
// distinct.
func SanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, in)
	if len(out) <= maxToolNameLen {
		return out
	}
	sum := sha256.Sum256([]byte(in))
	return out[:maxToolNameLen-1-toolNameHash] + "_" + hex.EncodeToString(sum[:])[:toolNameHash]
}

// toolNames remembers the canonical name behind each sanitized name of one
// request.
type toolNames map[string]string

func (n toolNames) add(canonical string) string {
	s := SanitizeToolName(canonical)
	if _, ok := n[s]; !ok {
		n[s] = canonical
	}
	return s
}

func (n toolNames) canonical(sanitized string) string {
	if c, ok := n[sanitized]; ok {
		return c
	}
	return sanitized
}
