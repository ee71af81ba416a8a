package wake

import (
	"errors"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// fuzzyFloor is the minimum Jaro-Winkler score a candidate needs when its
// tokens share no Double Metaphone code with the phrase. Phonetic candidates
// are ranked on their score alone; non-phonetic ones must clear this higher
// bar, which filters out coincidental near-spellings.
const fuzzyFloor = 0.85

// Matcher scores transcribed text against a single wake phrase.
//
// Scoring proceeds in two stages. Exact containment of the normalized phrase
// returns 1.0 immediately. Otherwise the matcher slides token n-grams of
// roughly phrase length over the text and ranks each candidate by
// Jaro-Winkler similarity, comparing both the spaced and the concatenated
// forms so that merged or split words still align ("heyfable" vs "hey
// fable"). Candidates whose Double Metaphone codes overlap the phrase's count
// at their raw score; the rest must clear fuzzyFloor.
//
// A Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phrase string   // normalized, spaces collapsed
	concat string   // normalized, spaces removed
	tokens []string // normalized tokens
	codes  map[string]struct{}
}

// NewMatcher builds a Matcher for the given wake phrase. The phrase must
// contain at least one word after normalization.
func NewMatcher(phrase string) (*Matcher, error) {
	norm := normalizeText(phrase)
	if norm == "" {
		return nil, errors.New("wake: phrase is empty after normalization")
	}
	tokens := strings.Fields(norm)
	return &Matcher{
		phrase: norm,
		concat: strings.Join(tokens, ""),
		tokens: tokens,
		codes:  codesForTokens(tokens),
	}, nil
}

// Phrase returns the normalized form of the configured phrase.
func (m *Matcher) Phrase() string { return m.phrase }

// Score returns the confidence in [0, 1] that the wake phrase occurs in text.
func (m *Matcher) Score(text string) float64 {
	norm := normalizeText(text)
	if norm == "" {
		return 0
	}
	if strings.Contains(norm, m.phrase) {
		return 1.0
	}

	textTokens := strings.Fields(norm)
	k := len(m.tokens)

	var best float64
	for size := k - 1; size <= k+1; size++ {
		if size < 1 || size > len(textTokens) {
			continue
		}
		for i := 0; i+size <= len(textTokens); i++ {
			window := textTokens[i : i+size]
			score := m.scoreWindow(window)
			if score > best {
				best = score
			}
		}
	}
	return best
}

// scoreWindow ranks one candidate n-gram against the phrase.
func (m *Matcher) scoreWindow(window []string) float64 {
	full := strings.Join(window, " ")

	// Compare both spaced and concatenated forms; transcription often fuses
	// or splits the phrase words.
	score := matchr.JaroWinkler(full, m.phrase, false)
	if s := matchr.JaroWinkler(strings.Join(window, ""), m.concat, false); s > score {
		score = s
	}

	if codesOverlap(m.codes, codesForTokens(window)) {
		return score
	}
	if score >= fuzzyFloor {
		return score
	}
	return 0
}

// normalizeText lowercases s, strips punctuation (apostrophes vanish, other
// separators become spaces), and collapses runs of whitespace.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'':
			// "fable's" reads as "fables".
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or contains
// no consonants) are excluded.
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
	// Iterate over the smaller set for efficiency.
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
