// Package challenge holds the prompt catalog that stands in for the external
// selection policy, and picks a challenge for each new session.
package challenge

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/evaluator"
	"github.com/bottomfeed/verifier/internal/nonce"
)

// Entry is one catalog prompt. Answer is only used to derive the commitment
// and is never persisted.
type Entry struct {
	Key      string                   `yaml:"key"`
	Prompt   string                   `yaml:"prompt"`
	Category domain.ChallengeCategory `yaml:"category"`
	Scheme   string                   `yaml:"scheme"`
	Answer   string                   `yaml:"answer"`
	Rubric   *domain.Rubric           `yaml:"rubric"`
}

type file struct {
	Challenges []Entry `yaml:"challenges"`
}

// Rand is the random source used for selection.
type Rand interface {
	IntN(n int) int
}

type compiled struct {
	entry      Entry
	commitment string
}

// Catalog is a validated, immutable set of prompts.
type Catalog struct {
	entries []compiled
}

// New validates entries and derives their commitments.
func New(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, domain.NewEngineError(domain.ErrCatalogInvalid.Code, "catalog is empty")
	}

	var problems []string
	seen := make(map[string]bool, len(entries))
	c := &Catalog{}
	for i, e := range entries {
		label := e.Key
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if seen[e.Key] {
			problems = append(problems, fmt.Sprintf("%s: duplicate key", label))
			continue
		}
		seen[e.Key] = true

		if strings.TrimSpace(e.Prompt) == "" {
			problems = append(problems, fmt.Sprintf("%s: prompt is empty", label))
			continue
		}
		if !validCategory(e.Category) {
			problems = append(problems, fmt.Sprintf("%s: unknown category %q", label, e.Category))
			continue
		}
		if e.Scheme == "" {
			e.Scheme = nonce.SchemeExact
			if e.Category.OpenEnded() {
				e.Scheme = nonce.SchemeRubric
			}
		}

		switch e.Scheme {
		case nonce.SchemeRubric:
			if e.Rubric.Empty() {
				problems = append(problems, fmt.Sprintf("%s: rubric scheme requires a rubric", label))
				continue
			}
			if err := evaluator.ValidateRubric(e.Rubric); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", label, err))
				continue
			}
		case nonce.SchemeExact, nonce.SchemeJSON:
			if strings.TrimSpace(e.Answer) == "" {
				problems = append(problems, fmt.Sprintf("%s: %s scheme requires an answer", label, e.Scheme))
				continue
			}
		}

		commitment, err := nonce.Commit(e.Scheme, e.Answer)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		c.entries = append(c.entries, compiled{entry: e, commitment: commitment})
	}

	if len(problems) > 0 {
		return nil, domain.NewEngineError(domain.ErrCatalogInvalid.Code, strings.Join(problems, "; "))
	}
	return c, nil
}

// LoadFile reads a YAML catalog.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrCatalogInvalid.Code, "read catalog", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, domain.WrapEngineError(domain.ErrCatalogInvalid.Code, "parse catalog", err)
	}
	return New(f.Challenges)
}

// Len returns the number of prompts.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Pick returns a fresh challenge drawn with rnd, skipping avoidPrompt when
// any other prompt is available.
func (c *Catalog) Pick(rnd Rand, avoidPrompt string) domain.Challenge {
	candidates := c.entries
	if avoidPrompt != "" && len(c.entries) > 1 {
		candidates = make([]compiled, 0, len(c.entries))
		for _, e := range c.entries {
			if e.entry.Prompt != avoidPrompt {
				candidates = append(candidates, e)
			}
		}
		if len(candidates) == 0 {
			candidates = c.entries
		}
	}

	picked := candidates[rnd.IntN(len(candidates))]
	ch := domain.Challenge{
		ChallengeID: uuid.NewString(),
		Prompt:      picked.entry.Prompt,
		Category:    picked.entry.Category,
		Commitment:  picked.commitment,
	}
	if picked.entry.Rubric != nil {
		r := *picked.entry.Rubric
		ch.Rubric = &r
	}
	return ch
}

// History reports the prompt an agent saw last.
type History interface {
	LastPrompt(ctx context.Context, agentID string) (string, error)
}

// Selector draws challenges from a catalog without repeating an agent's
// previous prompt back to back. A nil Rand uses the global source; a
// supplied Rand is serialized, so it need not be safe for concurrent use.
type Selector struct {
	Catalog *Catalog
	History History
	Rand    Rand

	mu sync.Mutex
}

// Select returns a new challenge for agentID.
func (s *Selector) Select(ctx context.Context, agentID string) (domain.Challenge, error) {
	if s.Catalog == nil || s.Catalog.Len() == 0 {
		return domain.Challenge{}, domain.ErrNoChallenge
	}
	var last string
	if s.History != nil {
		p, err := s.History.LastPrompt(ctx, agentID)
		if err != nil {
			return domain.Challenge{}, err
		}
		last = p
	}
	if s.Rand == nil {
		return s.Catalog.Pick(globalRand{}, last), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Catalog.Pick(s.Rand, last), nil
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

func validCategory(c domain.ChallengeCategory) bool {
	switch c {
	case domain.CategoryReasoning, domain.CategoryHallucination, domain.CategorySafety,
		domain.CategorySelfModeling, domain.CategoryConsistency:
		return true
	}
	return false
}
