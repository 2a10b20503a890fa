// Package textnorm tokenizes agent-authored text and matches phrase tables on
// word boundaries.
package textnorm

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

// Normalize applies NFKC, unifies apostrophes, and case folds s.
func Normalize(s string) string {
	return folder.String(apostrophes.Replace(norm.NFKC.String(s)))
}

// Tokenize splits normalized text into word tokens. Letters, digits and
// inner apostrophes are kept; everything else separates tokens.
func Tokenize(s string) []string {
	s = Normalize(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-')
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'-")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Phrase is one entry of a phrase table.
type Phrase struct {
	Text   string
	Tokens []string
	Weight float64
}

// Matcher finds non-overlapping phrase occurrences in token streams. At each
// position the longest matching phrase wins and consumes its tokens.
type Matcher struct {
	byFirst map[string][]Phrase
}

// NewMatcher builds a matcher from phrase text to weight.
func NewMatcher(table map[string]float64) *Matcher {
	m := &Matcher{byFirst: make(map[string][]Phrase)}
	for text, w := range table {
		toks := Tokenize(text)
		if len(toks) == 0 {
			continue
		}
		m.byFirst[toks[0]] = append(m.byFirst[toks[0]], Phrase{Text: text, Tokens: toks, Weight: w})
	}
	for k := range m.byFirst {
		ps := m.byFirst[k]
		sort.Slice(ps, func(i, j int) bool {
			if len(ps[i].Tokens) != len(ps[j].Tokens) {
				return len(ps[i].Tokens) > len(ps[j].Tokens)
			}
			return ps[i].Text < ps[j].Text
		})
	}
	return m
}

// Scan calls fn for each non-overlapping match in tokens.
func (m *Matcher) Scan(tokens []string, fn func(Phrase)) {
	for i := 0; i < len(tokens); {
		matched := false
		for _, p := range m.byFirst[tokens[i]] {
			if hasPrefix(tokens[i:], p.Tokens) {
				fn(p)
				i += len(p.Tokens)
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
}

// Score returns the summed weight of all matches in tokens.
func (m *Matcher) Score(tokens []string) float64 {
	var total float64
	m.Scan(tokens, func(p Phrase) { total += p.Weight })
	return total
}

func hasPrefix(tokens, prefix []string) bool {
	if len(prefix) > len(tokens) {
		return false
	}
	for i := range prefix {
		if tokens[i] != prefix[i] {
			return false
		}
	}
	return true
}
