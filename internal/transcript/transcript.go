// Package transcript snaps near-miss STT output to configured domain
// keywords. Proper nouns and product terms are frequently misheard; the
// corrector aligns transcript tokens to the keyword list by pronunciation
// similarity so downstream prompts see the canonical spelling.
//
// The algorithm proceeds in two stages per token window:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the window and for each keyword. Overlapping codes make the keyword a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the keyword with the
//     highest Jaro-Winkler similarity (case-insensitive) wins, provided its
//     score exceeds the phonetic threshold. When no phonetic candidate
//     exists, a pure similarity pass runs with a stricter fuzzy threshold.
//
// Multi-word keywords are supported: the corrector slides n-gram windows up
// to the longest keyword's word count and prefers the longest match.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/voicewire/voicewire/internal/stage/sttstage"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the corrector falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Correction captures a single substitution made by the corrector.
type Correction struct {
	// Original is the token window as produced by the STT backend.
	Original string

	// Corrected is the canonical keyword that replaced it.
	Corrected string

	// Confidence is the similarity score in [0.0, 1.0].
	Confidence float64
}

// keyword is one configured term with its phonetic codes precomputed.
type keyword struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Corrector aligns transcript tokens to a fixed keyword list. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	keywords []keyword
	maxWords int
}

var _ sttstage.Corrector = (*Corrector)(nil)

// New builds a Corrector for the given keyword list. Blank keywords are
// ignored; with an empty list the corrector passes text through unchanged.
func New(keywords []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}

	for _, k := range keywords {
		lower := strings.ToLower(strings.TrimSpace(k))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.keywords = append(c.keywords, keyword{
			canonical: strings.TrimSpace(k),
			lower:     lower,
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Correct returns text with every matched token window replaced by its
// canonical keyword.
func (c *Corrector) Correct(text string) string {
	out, _ := c.Apply(text)
	return out
}

// Apply is Correct plus an itemised record of every substitution, for
// logging and debugging.
func (c *Corrector) Apply(text string) (string, []Correction) {
	if len(c.keywords) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		// Longest window wins so multi-word keywords beat partial
		// single-word matches.
		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			canonical, conf, ok := c.match(window)
			if !ok {
				continue
			}
			output = append(output, strings.Fields(canonical)...)
			if canonical != window {
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  canonical,
					Confidence: conf,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// match finds the keyword most phonetically similar to window.
func (c *Corrector) match(window string) (canonical string, confidence float64, matched bool) {
	windowLower := strings.ToLower(window)
	windowTokens := strings.Fields(windowLower)
	windowCodes := codesForTokens(windowTokens)

	type candidate struct {
		keyword  string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, kw := range c.keywords {
		jw := bestJWScore(windowTokens, kw.tokens, windowLower, kw.lower)

		if codesOverlap(windowCodes, kw.codes) {
			if jw >= c.phoneticThreshold && (!best.phonetic || jw > best.score) {
				best = candidate{keyword: kw.canonical, score: jw, phonetic: true}
			}
		} else if !best.phonetic {
			if jw >= c.fuzzyThreshold && jw > best.score {
				best = candidate{keyword: kw.canonical, score: jw, phonetic: false}
			}
		}
	}

	if best.keyword == "" {
		return window, 0, false
	}
	return best.keyword, best.score, true
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (word too short or without consonants) are
// excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// window and the keyword using three strategies:
//
//  1. Full-string comparison (e.g., "voice wired" vs "voicewire").
//  2. Space-stripped comparison (e.g., "voicewired" vs "voicewire").
//  3. Best per-token comparison, only for single-token windows, so one
//     spoken word can expand to a multi-word keyword without letting a
//     multi-word window match on a single shared word.
func bestJWScore(windowTokens, keywordTokens []string, windowFull, keywordFull string) float64 {
	score := matchr.JaroWinkler(windowFull, keywordFull, false)

	if len(windowTokens) > 1 || len(keywordTokens) > 1 {
		concat1 := strings.Join(windowTokens, "")
		concat2 := strings.Join(keywordTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	if len(windowTokens) == 1 {
		for _, kt := range keywordTokens {
			if s := matchr.JaroWinkler(windowTokens[0], kt, false); s > score {
				score = s
			}
		}
	}

	return score
}
