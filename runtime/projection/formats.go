package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	openAIPattern    = regexp.MustCompile(`^call_[A-Za-z0-9_-]{1,35}$`)
	anthropicPattern = regexp.MustCompile(`^toolu_[A-Za-z0-9_-]{1,58}$`)
	kimiPattern      = regexp.MustCompile(`^functions\.[A-Za-z0-9_-]+:[0-9]+$`)
	mistralPattern   = regexp.MustCompile(`^[A-Za-z0-9]{9}$`)
	bedrockPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

	// anthropicNamespace seeds name-based UUIDs for toolu_ ids.
	anthropicNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://goa.design/goa-transcript/projection/anthropic"))
)

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func validOpenAI(id string) bool    { return openAIPattern.MatchString(id) }
func validAnthropic(id string) bool { return anthropicPattern.MatchString(id) }
func validKimi(id string) bool      { return kimiPattern.MatchString(id) }
func validMistral(id string) bool   { return mistralPattern.MatchString(id) }
func validBedrock(id string) bool   { return bedrockPattern.MatchString(id) }

// openAICandidate keeps ids that already look like OpenAI call ids and hashes
// everything else into call_<24 hex>.
func openAICandidate(c call, attempt int) string {
	if attempt == 0 && validOpenAI(c.canonicalID) {
		return c.canonicalID
	}
	return "call_" + hexDigest(seed(c, attempt))[:24]
}

// anthropicCandidate keeps toolu_ ids and derives the rest from a
// name-based UUID.
func anthropicCandidate(c call, attempt int) string {
	if attempt == 0 && validAnthropic(c.canonicalID) {
		return c.canonicalID
	}
	u := uuid.NewSHA1(anthropicNamespace, []byte(seed(c, attempt)))
	return "toolu_" + strings.ReplaceAll(u.String(), "-", "")[:24]
}

// kimiCandidate always rebuilds functions.<tool>:<index>; the index is the
// call's position in the render, advanced on collision.
func kimiCandidate(c call, attempt int) string {
	return "functions." + kimiToolName(c.toolName) + ":" + strconv.Itoa(c.index+attempt)
}

// mistralCandidate keeps 9-character alphanumeric ids and maps the digest of
// anything else onto 9 base-62 characters.
func mistralCandidate(c call, attempt int) string {
	if attempt == 0 && validMistral(c.canonicalID) {
		return c.canonicalID
	}
	sum := sha256.Sum256([]byte(seed(c, attempt)))
	var b [9]byte
	for i := range b {
		b[i] = base62[int(sum[i])%len(base62)]
	}
	return string(b[:])
}

// bedrockCandidate keeps provider-safe ids and hashes the rest.
func bedrockCandidate(c call, attempt int) string {
	if attempt == 0 && validBedrock(c.canonicalID) {
		return c.canonicalID
	}
	return "t" + hexDigest(seed(c, attempt))[:20]
}

// seed is the deterministic input to hashing candidates. Empty canonical ids
// fall back to the call's position.
func seed(c call, attempt int) string {
	s := c.canonicalID
	if s == "" {
		s = "#position:" + strconv.Itoa(c.index)
	}
	if attempt > 0 {
		s += "\x00" + strconv.Itoa(attempt)
	}
	return s
}

func hexDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// kimiToolName replaces characters Kimi does not accept in the id segment.
func kimiToolName(name string) string {
	if name == "" {
		return "tool"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
