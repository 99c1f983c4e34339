package session

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Echo filter defaults.
const (
	defaultMinChars            = 10
	defaultRatioMinWords       = 5
	defaultMinTypeTokenRatio   = 0.6
	defaultRecentAssistant     = 3
	defaultSimilarityThreshold = 0.92
)

// DefaultRiskPhrases are openers and transitions the assistant commonly
// speaks. A recognizer final that contains one of them (or is contained in
// one) is treated as the assistant's own voice.
var DefaultRiskPhrases = []string{
	"hello welcome to your interview",
	"welcome to your interview",
	"thank you for joining",
	"lets get started",
	"thank you for sharing",
	"thats a great answer",
	"lets move on to the next question",
	"tell me about yourself",
	"can you tell me more about",
	"that concludes our interview",
}

// EchoReason says why a candidate utterance was rejected. The empty reason
// means the utterance was accepted.
type EchoReason string

const (
	EchoAccepted      EchoReason = ""
	EchoRiskPhrase    EchoReason = "risk_phrase"
	EchoSelfReference EchoReason = "self_reference"
	EchoRepetition    EchoReason = "repetition"
	EchoTooShort      EchoReason = "too_short"
)

// EchoConfig tunes the echo filter. Zero numeric fields take the defaults.
type EchoConfig struct {
	// RiskPhrases are known assistant phrases, matched after normalization.
	RiskPhrases []string

	// MinChars is the minimum rune count of an accepted utterance after
	// normalization, so punctuation does not count. Utterances that normalize
	// to nothing are always rejected.
	MinChars int

	// RatioMinWords: the type/token check applies to utterances with more
	// words than this.
	RatioMinWords int

	// MinTypeTokenRatio is the lowest unique/total word ratio accepted.
	MinTypeTokenRatio float64

	// SelfReference enables comparing candidates with the assistant's own
	// recent utterances.
	SelfReference bool

	// RecentAssistant is how many of the latest assistant utterances the
	// self-reference check looks at.
	RecentAssistant int

	// SimilarityThreshold is the Jaro-Winkler score at or above which a
	// candidate counts as a repeat of an assistant utterance.
	SimilarityThreshold float64
}

// DefaultEchoConfig returns the static phrase list combined with the dynamic
// self-reference check.
func DefaultEchoConfig() EchoConfig {
	return EchoConfig{
		RiskPhrases:   append([]string(nil), DefaultRiskPhrases...),
		SelfReference: true,
	}
}

func (c EchoConfig) withDefaults() EchoConfig {
	if c.MinChars <= 0 {
		c.MinChars = defaultMinChars
	}
	if c.RatioMinWords <= 0 {
		c.RatioMinWords = defaultRatioMinWords
	}
	if c.MinTypeTokenRatio <= 0 {
		c.MinTypeTokenRatio = defaultMinTypeTokenRatio
	}
	if c.RecentAssistant <= 0 {
		c.RecentAssistant = defaultRecentAssistant
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = defaultSimilarityThreshold
	}
	return c
}

// EchoFilter classifies candidate user utterances on the fallback path. It
// is immutable after construction and safe for concurrent use.
type EchoFilter struct {
	cfg     EchoConfig
	phrases []string
}

// NewEchoFilter returns a filter for cfg.
func NewEchoFilter(cfg EchoConfig) *EchoFilter {
	cfg = cfg.withDefaults()
	f := &EchoFilter{cfg: cfg}
	for _, p := range cfg.RiskPhrases {
		if n := normalize(p); n != "" {
			f.phrases = append(f.phrases, n)
		}
	}
	return f
}

// Config returns the effective configuration.
func (f *EchoFilter) Config() EchoConfig { return f.cfg }

// Check classifies text. recent holds assistant utterances, oldest first;
// only the last RecentAssistant entries are consulted.
func (f *EchoFilter) Check(text string, recent []string) EchoReason {
	norm := normalize(text)

	for _, p := range f.phrases {
		if norm != "" && (strings.Contains(norm, p) || strings.Contains(p, norm)) {
			return EchoRiskPhrase
		}
	}

	if f.cfg.SelfReference && norm != "" {
		if len(recent) > f.cfg.RecentAssistant {
			recent = recent[len(recent)-f.cfg.RecentAssistant:]
		}
		for _, r := range recent {
			rn := normalize(r)
			if rn == "" {
				continue
			}
			if strings.Contains(rn, norm) || strings.Contains(norm, rn) {
				return EchoSelfReference
			}
			if matchr.JaroWinkler(norm, rn, false) >= f.cfg.SimilarityThreshold {
				return EchoSelfReference
			}
		}
	}

	if words := strings.Fields(norm); len(words) > f.cfg.RatioMinWords {
		if typeTokenRatio(words) < f.cfg.MinTypeTokenRatio {
			return EchoRepetition
		}
	}

	if norm == "" || utf8.RuneCountInString(norm) < f.cfg.MinChars {
		return EchoTooShort
	}
	return EchoAccepted
}

// normalize lowercases s, drops punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func typeTokenRatio(words []string) float64 {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words))
}
