// Package validate checks and sanitizes untrusted chat content before it is
// admitted to any room.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/amurg-ai/collab/pkg/protocol"
)

// Limits configures a Validator. Zero values select the defaults.
type Limits struct {
	MaxTotalBytes    int // serialized message, default 32KB
	MaxContentBytes  int // default 16KB
	MaxMetadataBytes int // serialized metadata, default 8KB
	MaxRepeatedRun   int // identical consecutive characters, default 20
	MaxLinks         int // default 5
	MaxKeyLength     int // metadata key length, default 64
	MaxDepth         int // metadata nesting, default 8
	SpamPhrases      []string
}

// DefaultSpamPhrases is used when Limits.SpamPhrases is nil.
var DefaultSpamPhrases = []string{
	"buy now",
	"click here",
	"free money",
	"limited time offer",
	"act now",
	"earn money fast",
	"100% free",
	"work from home",
}

type signature struct {
	name string
	re   *regexp.Regexp
}

// Strings matching these are rejected outright rather than stripped.
var dangerousPatterns = []signature{
	{"eval(", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"document.cookie", regexp.MustCompile(`(?i)document\s*\.\s*cookie`)},
	{"document.write", regexp.MustCompile(`(?i)document\s*\.\s*write`)},
	{"window.location", regexp.MustCompile(`(?i)window\s*\.\s*location`)},
	{"new Function(", regexp.MustCompile(`(?i)new\s+Function\s*\(`)},
	{"setTimeout with string", regexp.MustCompile(`(?i)set(?:Timeout|Interval)\s*\(\s*["'\x60]`)},
	{"union select", regexp.MustCompile(`(?i)\bunion\s+(?:all\s+)?select\b`)},
	{"drop table", regexp.MustCompile(`(?i);\s*drop\s+table\b`)},
	{"jndi lookup", regexp.MustCompile(`(?i)\$\{jndi:`)},
}

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://`)

// Result is the outcome of a validation. Sanitized is set whenever the
// message was structurally usable, even if other checks failed.
type Result struct {
	Valid     bool
	Sanitized *protocol.ChatMessage
	Errors    []string
}

// Validator applies size, markup, pattern and spam checks to chat messages.
type Validator struct {
	limits Limits

	mu      sync.RWMutex
	phrases []string // lower-cased
}

// New creates a Validator.
func New(limits Limits) *Validator {
	if limits.MaxTotalBytes <= 0 {
		limits.MaxTotalBytes = 32 * 1024
	}
	if limits.MaxContentBytes <= 0 {
		limits.MaxContentBytes = 16 * 1024
	}
	if limits.MaxMetadataBytes <= 0 {
		limits.MaxMetadataBytes = 8 * 1024
	}
	if limits.MaxRepeatedRun <= 0 {
		limits.MaxRepeatedRun = 20
	}
	if limits.MaxLinks <= 0 {
		limits.MaxLinks = 5
	}
	if limits.MaxKeyLength <= 0 {
		limits.MaxKeyLength = 64
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = 8
	}
	v := &Validator{limits: limits}
	phrases := limits.SpamPhrases
	if phrases == nil {
		phrases = DefaultSpamPhrases
	}
	v.SetSpamPhrases(phrases)
	return v
}

// SetSpamPhrases replaces the spam phrase list.
func (v *Validator) SetSpamPhrases(phrases []string) {
	lower := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			lower = append(lower, p)
		}
	}
	v.mu.Lock()
	v.phrases = lower
	v.mu.Unlock()
}

// ValidateMessage runs every check against a client message and returns all
// failures, not just the first. Only missing content short-circuits.
func (v *Validator) ValidateMessage(msg protocol.ChatMessage) Result {
	if strings.TrimSpace(msg.Content) == "" {
		return Result{Errors: []string{"content is required"}}
	}

	errs := v.checkSizes(msg)

	sanitized, serr := v.sanitize(msg)
	errs = append(errs, serr...)
	if sanitized.Content == "" {
		errs = append(errs, "content is empty after sanitization")
	}

	// Patterns see the stripped text: markup removed above is not reported.
	for _, sig := range dangerousPatterns {
		matched := sig.re.MatchString(sanitized.Content)
		if !matched {
			walkStrings(map[string]any(sanitized.Metadata), func(s string) {
				if !matched && sig.re.MatchString(s) {
					matched = true
				}
			})
		}
		if matched {
			errs = append(errs, fmt.Sprintf("content matches blocked pattern %q", sig.name))
		}
	}

	errs = append(errs, v.checkSpam(sanitized.Content)...)

	return Result{Valid: len(errs) == 0, Sanitized: &sanitized, Errors: errs}
}

// ValidateAgentOutput applies only the size and markup checks. Agent output is
// not subject to adversarial-pattern or spam policy, and may be empty (a
// terminating stream chunk).
func (v *Validator) ValidateAgentOutput(msg protocol.ChatMessage) Result {
	errs := v.checkSizes(msg)
	sanitized, serr := v.sanitize(msg)
	errs = append(errs, serr...)
	return Result{Valid: len(errs) == 0, Sanitized: &sanitized, Errors: errs}
}

func (v *Validator) checkSizes(msg protocol.ChatMessage) []string {
	var errs []string
	if data, err := json.Marshal(msg); err != nil {
		errs = append(errs, "message is not serializable")
	} else if len(data) > v.limits.MaxTotalBytes {
		errs = append(errs, fmt.Sprintf("message exceeds %d bytes", v.limits.MaxTotalBytes))
	}
	if len(msg.Content) > v.limits.MaxContentBytes {
		errs = append(errs, fmt.Sprintf("content exceeds %d bytes", v.limits.MaxContentBytes))
	}
	if len(msg.Metadata) > 0 {
		if data, err := json.Marshal(msg.Metadata); err != nil {
			errs = append(errs, "metadata is not serializable")
		} else if len(data) > v.limits.MaxMetadataBytes {
			errs = append(errs, fmt.Sprintf("metadata exceeds %d bytes", v.limits.MaxMetadataBytes))
		}
	}
	return errs
}

func (v *Validator) sanitize(msg protocol.ChatMessage) (protocol.ChatMessage, []string) {
	out := msg
	out.Content = SanitizeString(msg.Content)
	out.SenderName = SanitizeString(msg.SenderName)

	var errs []string
	if msg.Metadata != nil {
		truncated := false
		out.Metadata = sanitizeMap(msg.Metadata, 1, v.limits.MaxDepth, v.limits.MaxKeyLength, &truncated)
		if truncated {
			errs = append(errs, fmt.Sprintf("metadata nested deeper than %d levels", v.limits.MaxDepth))
		}
	}
	return out, errs
}

func (v *Validator) checkSpam(content string) []string {
	var errs []string
	if run := longestRun(content); run > v.limits.MaxRepeatedRun {
		errs = append(errs, fmt.Sprintf("excessive character repetition (%d in a row)", run))
	}

	lower := strings.ToLower(content)
	v.mu.RLock()
	for _, p := range v.phrases {
		if strings.Contains(lower, p) {
			errs = append(errs, fmt.Sprintf("content contains spam phrase %q", p))
		}
	}
	v.mu.RUnlock()

	if n := len(linkPattern.FindAllStringIndex(content, -1)); n > v.limits.MaxLinks {
		errs = append(errs, fmt.Sprintf("too many links (%d, limit %d)", n, v.limits.MaxLinks))
	}
	return errs
}

// longestRun returns the length of the longest run of one repeated
// non-whitespace rune.
func longestRun(s string) int {
	best, cur := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev && r != ' ' && r != '\n' && r != '\t' {
			cur++
		} else {
			cur = 1
		}
		prev = r
		if cur > best {
			best = cur
		}
	}
	return best
}
