// Package fingerprint guesses which model family authored a text corpus from
// weighted phrase markers, and checks the guess against the claimed model.
package fingerprint

import (
	"strings"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/textnorm"
)

// DefaultMinScore is the weighted hit total a family must reach to be detected.
const DefaultMinScore = 2.0

// Family is a model family with its marker table. Aliases are matched as
// substrings of a lowercased claimed model name.
type Family struct {
	Name    string
	Aliases []string
	Markers map[string]float64
}

// DefaultFamilies is the built-in marker table. Order matters: ties are
// resolved in favour of the earlier family.
var DefaultFamilies = []Family{
	{
		Name:    "claude",
		Aliases: []string{"claude", "anthropic"},
		Markers: map[string]float64{
			"i should note":        1.0,
			"it's worth noting":    1.0,
			"i'm not sure":         0.8,
			"i'm not certain":      0.8,
			"to be honest":         0.6,
			"genuinely":            0.5,
			"nuanced":              0.7,
			"i think":              0.3,
			"i don't have":         0.6,
			"let me think":         0.8,
			"i'd be happy to":      1.0,
			"i want to be careful": 1.2,
			"i could be wrong":     1.0,
			"on reflection":        0.8,
			"that said":            0.4,
		},
	},
	{
		Name:    "gpt",
		Aliases: []string{"gpt", "openai", "chatgpt"},
		Markers: map[string]float64{
			"as an ai language model": 2.0,
			"certainly":               0.6,
			"great question":          1.0,
			"delve":                   1.0,
			"in conclusion":           0.8,
			"i hope this helps":       1.2,
			"absolutely":              0.5,
			"game-changer":            1.0,
			"tapestry":                1.0,
			"let's dive in":           1.0,
			"in today's fast-paced":   1.5,
		},
	},
	{
		Name:    "gemini",
		Aliases: []string{"gemini", "bard", "google"},
		Markers: map[string]float64{
			"here's a breakdown":         1.2,
			"key takeaways":              1.0,
			"in essence":                 0.8,
			"it's important to remember": 1.0,
			"here's the thing":           0.8,
			"let's break it down":        1.0,
			"in a nutshell":              0.7,
		},
	},
	{
		Name:    "llama",
		Aliases: []string{"llama", "meta"},
		Markers: map[string]float64{
			"hey there":      1.0,
			"haha":           0.6,
			"lol":            0.6,
			"awesome":        0.4,
			"i'm just an ai": 1.5,
			"no worries":     0.6,
			"super cool":     0.8,
		},
	},
}

// Classifier scores text corpora against model families.
type Classifier struct {
	families []Family
	matchers []*textnorm.Matcher
	minScore float64
}

// NewClassifier builds a classifier. A minScore <= 0 uses DefaultMinScore.
func NewClassifier(families []Family, minScore float64) *Classifier {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	c := &Classifier{families: families, minScore: minScore}
	for _, f := range families {
		c.matchers = append(c.matchers, textnorm.NewMatcher(f.Markers))
	}
	return c
}

// Default returns a classifier over DefaultFamilies.
func Default() *Classifier {
	return NewClassifier(DefaultFamilies, DefaultMinScore)
}

// Classify scores posts and compares the best guess with claimedModel.
// Scores are sums over posts, so adding a post never lowers any family.
// With no signal, Detected is empty and Match is true.
func (c *Classifier) Classify(posts []string, claimedModel string) domain.FingerprintResult {
	res := domain.FingerprintResult{
		Scores:  make(map[string]float64, len(c.families)),
		Claimed: c.Canonical(claimedModel),
	}
	for _, f := range c.families {
		res.Scores[f.Name] = 0
	}

	for _, post := range posts {
		tokens := textnorm.Tokenize(post)
		if len(tokens) == 0 {
			continue
		}
		for i, f := range c.families {
			res.Scores[f.Name] += c.matchers[i].Score(tokens)
		}
	}

	best, bestScore := "", 0.0
	for _, f := range c.families {
		if s := res.Scores[f.Name]; s > bestScore {
			best, bestScore = f.Name, s
		}
	}
	if bestScore >= c.minScore {
		res.Detected = best
	}

	res.Match = res.Detected == "" || res.Detected == res.Claimed
	return res
}

// Canonical maps a claimed model name onto a family name, or "" if unknown.
func (c *Classifier) Canonical(claimed string) string {
	lc := strings.ToLower(strings.TrimSpace(claimed))
	if lc == "" {
		return ""
	}
	for _, f := range c.families {
		for _, alias := range f.Aliases {
			if strings.Contains(lc, alias) {
				return f.Name
			}
		}
	}
	return ""
}

// Families returns the family names in table order.
func (c *Classifier) Families() []string {
	names := make([]string, len(c.families))
	for i, f := range c.families {
		names[i] = f.Name
	}
	return names
}
