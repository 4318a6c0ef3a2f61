package validate

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Go's regexp has no backreferences, so each dangerous element gets its own
// block pattern.
var (
	blockPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
		regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`),
		regexp.MustCompile(`(?is)<object\b[^>]*>.*?</object\s*>`),
		regexp.MustCompile(`(?is)<embed\b[^>]*>.*?</embed\s*>`),
	}
	loneTagPattern   = regexp.MustCompile(`(?i)</?\s*(?:script|iframe|object|embed)\b[^>]*>?`)
	unsafeScheme     = regexp.MustCompile(`(?i)(?:javascript|vbscript)\s*:`)
	tagPattern       = regexp.MustCompile(`<[A-Za-z][^>]*>`)
	eventAttrPattern = regexp.MustCompile(`(?i)[\s/"']+on[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	keyCharset       = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)
)

var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// SanitizeString strips unsafe markup, script URIs, inline event handlers and
// control characters from s. The result is a fixed point: sanitizing it again
// returns it unchanged.
func SanitizeString(s string) string {
	s = strings.ToValidUTF8(s, "")
	for {
		next := sanitizeOnce(s)
		// Every step only removes or decodes text, so this terminates.
		if next == s {
			return s
		}
		s = next
	}
}

func sanitizeOnce(s string) string {
	for _, re := range blockPatterns {
		s = re.ReplaceAllString(s, "")
	}
	s = loneTagPattern.ReplaceAllString(s, "")
	s = unsafeScheme.ReplaceAllString(s, "")
	s = tagPattern.ReplaceAllStringFunc(s, sanitizeTag)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

var urlWhitespace = strings.NewReplacer("\t", "", "\n", "", "\r", "")

// sanitizeTag drops inline event handlers from one tag and strips script
// schemes hidden behind character references or embedded whitespace.
func sanitizeTag(tag string) string {
	tag = eventAttrPattern.ReplaceAllStringFunc(tag, func(attr string) string {
		// A quote ending the previous value doubles as the separator; keep it.
		sep := attr[:strings.IndexAny(attr, "oO")]
		return strings.Map(func(r rune) rune {
			if r == '"' || r == '\'' {
				return r
			}
			return -1
		}, sep)
	})
	if decoded := urlWhitespace.Replace(html.UnescapeString(tag)); decoded != tag && unsafeScheme.MatchString(decoded) {
		tag = unsafeScheme.ReplaceAllString(decoded, "")
	}
	return tag
}

// sanitizeKey restricts a metadata key to a safe charset and length. An empty
// result means the key must be dropped.
func sanitizeKey(k string, maxLen int) string {
	if forbiddenKeys[k] {
		return ""
	}
	k = keyCharset.ReplaceAllString(k, "")
	if len(k) > maxLen {
		k = k[:maxLen]
	}
	if forbiddenKeys[k] {
		return ""
	}
	return k
}

// sanitizeValue walks a decoded JSON value and sanitizes every string and key.
// Values nested deeper than maxDepth are dropped and reported via truncated.
func sanitizeValue(v any, depth, maxDepth, maxKeyLen int, truncated *bool) any {
	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]any:
		if depth >= maxDepth {
			*truncated = true
			return nil
		}
		return sanitizeMap(val, depth+1, maxDepth, maxKeyLen, truncated)
	case []any:
		if depth >= maxDepth {
			*truncated = true
			return nil
		}
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, sanitizeValue(item, depth+1, maxDepth, maxKeyLen, truncated))
		}
		return out
	default:
		return val
	}
}

func sanitizeMap(m map[string]any, depth, maxDepth, maxKeyLen int, truncated *bool) map[string]any {
	if m == nil {
		return nil
	}
	// Sorted so that two keys collapsing to the same clean key resolve the
	// same way every time.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		clean := sanitizeKey(k, maxKeyLen)
		if clean == "" {
			continue
		}
		if _, dup := out[clean]; dup {
			continue
		}
		out[clean] = sanitizeValue(m[k], depth, maxDepth, maxKeyLen, truncated)
	}
	return out
}

// walkStrings calls fn for every string value and key in v.
func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for k, item := range val {
			fn(k)
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}
