// Package policy decides how long an idle conversation is kept alive,
// based on the agent's last response.
package policy

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Class is the TTL class assigned to a session after an agent turn.
type Class int

const (
	// Long is used after statements and completed actions.
	Long Class = iota
	// Short is used after the agent asked the user something.
	Short
)

// String returns the lower-case name of the class.
func (c Class) String() string {
	switch c {
	case Short:
		return "short"
	case Long:
		return "long"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classifier maps an agent response to a TTL class. Implementations must be
// pure and safe for concurrent use.
type Classifier interface {
	Classify(text string) Class
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(text string) Class

// Classify calls f.
func (f ClassifierFunc) Classify(text string) Class { return f(text) }

// TTLs holds the idle timeout for each class.
type TTLs struct {
	Short time.Duration
	Long  time.Duration
}

// DefaultTTLs returns 300s for Short and 3600s for Long.
func DefaultTTLs() TTLs {
	return TTLs{
		Short: 300 * time.Second,
		Long:  3600 * time.Second,
	}
}

// Duration returns the idle timeout for c. Unknown classes get the Long TTL.
func (t TTLs) Duration(c Class) time.Duration {
	if c == Short {
		return t.Short
	}
	return t.Long
}

// DefaultCues are the leading phrases that mark a response as a request for
// clarification.
var DefaultCues = []string{
	"what", "who", "when", "where", "why", "how", "which",
	"do you", "did you", "have you",
	"can you", "could you", "would you",
	"is there", "are there",
	"should i", "shall i", "may i",
	"tell me more",
}

// Keywords classifies a response as Short when it ends with a question mark
// or opens with one of its cues. Matching is case-insensitive and ignores
// surrounding whitespace. A cue only matches a whole word, so "however"
// does not match "how".
type Keywords struct {
	cues []string
}

// NewKeywords returns a Keywords classifier using cues, or DefaultCues when
// cues is empty.
func NewKeywords(cues ...string) *Keywords {
	if len(cues) == 0 {
		cues = DefaultCues
	}
	normalized := make([]string, 0, len(cues))
	for _, c := range cues {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			normalized = append(normalized, c)
		}
	}
	return &Keywords{cues: normalized}
}

// Classify implements Classifier.
func (k *Keywords) Classify(text string) Class {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Long
	}
	if strings.HasSuffix(t, "?") {
		return Short
	}
	for _, cue := range k.cues {
		if hasWordPrefix(t, cue) {
			return Short
		}
	}
	return Long
}

func hasWordPrefix(text, prefix string) bool {
	if !strings.HasPrefix(text, prefix) {
		return false
	}
	if len(text) == len(prefix) {
		return true
	}
	next := []rune(text[len(prefix):])[0]
	return !unicode.IsLetter(next) && !unicode.IsDigit(next)
}

var defaultKeywords = NewKeywords()

// Classify runs the default keyword classifier.
func Classify(text string) Class {
	return defaultKeywords.Classify(text)
}
