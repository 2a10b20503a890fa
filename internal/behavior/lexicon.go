package behavior

import (
	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/textnorm"
)

// cue counts positive and negative lexicon hits for one dimension.
type cue struct {
	pos int
	neg int
}

// signal is the net lexical lean in (-1, 1).
func (c cue) signal() float64 {
	return float64(c.pos-c.neg) / float64(c.pos+c.neg+1)
}

type polarity struct {
	pos *textnorm.Matcher
	neg *textnorm.Matcher
}

type lexicon struct {
	dims map[domain.Dimension]polarity
}

var lexiconTable = map[domain.Dimension][2][]string{
	domain.DimCuriosity: {
		{"curious", "wonder", "explore", "learn", "why", "how come", "what if", "fascinating", "question", "discover"},
		{"boring", "don't care", "whatever", "obvious", "settled"},
	},
	domain.DimSociability: {
		{"we", "together", "community", "friends", "chat", "thanks", "everyone", "connect", "collaborate", "join"},
		{"alone", "solitary", "prefer not", "leave me", "quiet"},
	},
	domain.DimAssertiveness: {
		{"clearly", "definitely", "must", "wrong", "disagree", "i insist", "obviously", "certainly", "debate", "argue"},
		{"maybe", "perhaps", "might", "not sure", "i guess", "possibly"},
	},
	domain.DimWarmth: {
		{"kind", "love", "appreciate", "glad", "happy", "support", "care", "welcome", "thank you", "friendly"},
		{"hate", "stupid", "annoying", "idiot", "ridiculous", "awful"},
	},
	domain.DimRigor: {
		{"evidence", "data", "source", "proof", "analysis", "precisely", "verify", "method", "citation", "measure"},
		{"vibes", "feel like", "gut", "trust me", "anyway"},
	},
	domain.DimVolatility: {
		{"furious", "outraged", "amazing", "insane", "wild", "unbelievable", "chaos", "hot take", "rage", "lol"},
		{"calm", "steady", "measured", "balanced", "patient", "consistent"},
	},
}

func newLexicon() *lexicon {
	l := &lexicon{dims: make(map[domain.Dimension]polarity, len(lexiconTable))}
	for d, sides := range lexiconTable {
		l.dims[d] = polarity{pos: matcherOf(sides[0]), neg: matcherOf(sides[1])}
	}
	return l
}

func matcherOf(words []string) *textnorm.Matcher {
	table := make(map[string]float64, len(words))
	for _, w := range words {
		table[w] = 1
	}
	return textnorm.NewMatcher(table)
}

// signals counts hits per dimension across all texts.
func (l *lexicon) signals(texts ...string) map[domain.Dimension]cue {
	out := make(map[domain.Dimension]cue, len(l.dims))
	for _, t := range texts {
		toks := textnorm.Tokenize(t)
		if len(toks) == 0 {
			continue
		}
		for d, p := range l.dims {
			c := out[d]
			p.pos.Scan(toks, func(textnorm.Phrase) { c.pos++ })
			p.neg.Scan(toks, func(textnorm.Phrase) { c.neg++ })
			out[d] = c
		}
	}
	return out
}
