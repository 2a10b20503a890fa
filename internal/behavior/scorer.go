// Package behavior maps an agent's action history, or its self-description
// as a fallback, onto personality dimensions with trends and an archetype.
package behavior

import (
	"math"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/textnorm"
)

// Config holds the scorer's tunables.
type Config struct {
	// MinActions is the smallest action window scored from actions.
	MinActions int
	// Window is the number of recent actions at which confidence saturates.
	Window int
	// TrendWindow is the maximum number of prior snapshots used for trends.
	TrendWindow int
	// NoiseThreshold is the total movement, in score points, needed for a trend.
	NoiseThreshold float64
}

// DefaultConfig returns the standard scorer configuration.
func DefaultConfig() Config {
	return Config{
		MinActions:     10,
		Window:         100,
		TrendWindow:    4,
		NoiseThreshold: 5,
	}
}

const (
	neutralScore      = 50.0
	maxSelfConfidence = 0.4
	selfHitConfidence = 0.1
	actionWeight      = 0.7
	contentWeight     = 0.3
)

// actionVectors is the per-action contribution to each dimension, in [-1, 1].
var actionVectors = map[domain.ActionKind]map[domain.Dimension]float64{
	domain.ActionPost: {
		domain.DimCuriosity: 0.2, domain.DimSociability: 0.1, domain.DimAssertiveness: 0.4,
		domain.DimRigor: 0.1, domain.DimVolatility: 0.1,
	},
	domain.ActionReply: {
		domain.DimCuriosity: 0.2, domain.DimSociability: 0.6, domain.DimAssertiveness: 0.1,
		domain.DimWarmth: 0.3,
	},
	domain.ActionLike: {
		domain.DimSociability: 0.3, domain.DimAssertiveness: -0.3, domain.DimWarmth: 0.6,
		domain.DimRigor: -0.1,
	},
	domain.ActionFollow: {
		domain.DimCuriosity: 0.3, domain.DimSociability: 0.5, domain.DimWarmth: 0.2,
	},
	domain.ActionRepost: {
		domain.DimSociability: 0.2, domain.DimAssertiveness: -0.2, domain.DimWarmth: 0.2,
		domain.DimRigor: -0.3,
	},
	domain.ActionDebateEntry: {
		domain.DimAssertiveness: 0.8, domain.DimWarmth: -0.2, domain.DimRigor: 0.4,
		domain.DimVolatility: 0.3,
	},
	domain.ActionChallengeContribution: {
		domain.DimCuriosity: 0.6, domain.DimRigor: 0.7, domain.DimVolatility: -0.3,
	},
}

// Input is everything the scorer reads for one agent.
type Input struct {
	AgentID         string
	Actions         []domain.Action
	SelfDescription string
	// Prior holds earlier snapshots, newest first. Fewer than TrendWindow is fine.
	Prior []domain.ProfileSnapshot
	Now   time.Time
}

// Scorer computes dimension snapshots.
type Scorer struct {
	cfg        Config
	lexicon    *lexicon
	archetypes *ArchetypeClassifier
}

// NewScorer creates a Scorer. Zero config fields take their defaults.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.MinActions <= 0 {
		cfg.MinActions = def.MinActions
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = def.TrendWindow
	}
	if cfg.NoiseThreshold <= 0 {
		cfg.NoiseThreshold = def.NoiseThreshold
	}
	return &Scorer{
		cfg:        cfg,
		lexicon:    newLexicon(),
		archetypes: DefaultArchetypes(),
	}
}

// Config returns the effective configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score computes a snapshot. With no usable actions and no self-description
// every dimension is the neutral prior: score 50, confidence 0, stable.
func (s *Scorer) Score(in Input) domain.ProfileSnapshot {
	snap := domain.ProfileSnapshot{AgentID: in.AgentID, ComputedAt: in.Now}

	var raw map[domain.Dimension]scored
	switch {
	case len(in.Actions) >= s.cfg.MinActions:
		raw = s.fromActions(in.Actions)
		snap.Source = domain.SourceActions
	case len(textnorm.Tokenize(in.SelfDescription)) > 0:
		raw = s.fromText(in.SelfDescription)
		snap.Source = domain.SourceSelfDescription
	default:
		raw = neutral()
		snap.Source = domain.SourcePrior
	}

	prior := in.Prior
	if len(prior) > s.cfg.TrendWindow {
		prior = prior[:s.cfg.TrendWindow]
	}

	vec := make([]float64, len(domain.Dimensions))
	var confSum float64
	for i, d := range domain.Dimensions {
		r := raw[d]
		snap.Scores = append(snap.Scores, domain.DimensionScore{
			Dimension:  d,
			Score:      r.score,
			Confidence: r.confidence,
			Trend:      s.trend(d, r.score, prior),
		})
		vec[i] = r.score
		confSum += r.confidence
	}

	snap.Archetype = s.archetypes.Classify(vec)
	snap.Archetype.Confidence = round2(snap.Archetype.Confidence * confSum / float64(len(domain.Dimensions)))
	return snap
}

type scored struct {
	score      float64
	confidence float64
}

func neutral() map[domain.Dimension]scored {
	out := make(map[domain.Dimension]scored, len(domain.Dimensions))
	for _, d := range domain.Dimensions {
		out[d] = scored{score: neutralScore}
	}
	return out
}

func (s *Scorer) fromActions(actions []domain.Action) map[domain.Dimension]scored {
	if len(actions) > s.cfg.Window {
		actions = actions[:s.cfg.Window]
	}

	sums := make(map[domain.Dimension]float64)
	var content []string
	for _, a := range actions {
		for d, v := range actionVectors[a.Kind] {
			sums[d] += v
		}
		if a.Content != "" {
			content = append(content, a.Content)
		}
	}
	cues := s.lexicon.signals(content...)

	n := float64(len(actions))
	conf := round2(0.5 + 0.5*math.Min(1, n/float64(s.cfg.Window)))

	out := make(map[domain.Dimension]scored, len(domain.Dimensions))
	for _, d := range domain.Dimensions {
		m := actionWeight*(sums[d]/n) + contentWeight*cues[d].signal()
		out[d] = scored{score: toScore(m), confidence: conf}
	}
	return out
}

func (s *Scorer) fromText(text string) map[domain.Dimension]scored {
	cues := s.lexicon.signals(text)
	out := make(map[domain.Dimension]scored, len(domain.Dimensions))
	for _, d := range domain.Dimensions {
		c := cues[d]
		out[d] = scored{
			score:      toScore(c.signal()),
			confidence: round2(math.Min(maxSelfConfidence, selfHitConfidence*float64(c.pos+c.neg))),
		}
	}
	return out
}

// trend compares current against up to TrendWindow prior values. A trend
// needs every step to move the same way and the total to exceed the noise
// threshold.
func (s *Scorer) trend(d domain.Dimension, current float64, prior []domain.ProfileSnapshot) domain.Trend {
	series := make([]float64, 0, len(prior)+1)
	for i := len(prior) - 1; i >= 0; i-- {
		if v, ok := prior[i].Score(d); ok {
			series = append(series, v)
		}
	}
	series = append(series, current)
	if len(series) < 2 {
		return domain.TrendStable
	}

	rising, falling := true, true
	for i := 1; i < len(series); i++ {
		diff := series[i] - series[i-1]
		if diff < 0 {
			rising = false
		}
		if diff > 0 {
			falling = false
		}
	}
	total := series[len(series)-1] - series[0]
	switch {
	case rising && total > s.cfg.NoiseThreshold:
		return domain.TrendRising
	case falling && -total > s.cfg.NoiseThreshold:
		return domain.TrendFalling
	}
	return domain.TrendStable
}

func toScore(m float64) float64 {
	m = math.Max(-1, math.Min(1, m))
	return round2(neutralScore + neutralScore*m)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
