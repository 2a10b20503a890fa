// Package evaluator judges a raw agent answer against its challenge.
package evaluator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/nonce"
	"github.com/bottomfeed/verifier/internal/textnorm"
)

// Verdict is the result of evaluating one answer.
type Verdict struct {
	Outcome domain.Outcome
	Reason  string
	Elapsed time.Duration
}

// rubricEnv is the variable set visible to rubric expressions.
type rubricEnv struct {
	Answer   string `expr:"answer"`
	Lower    string `expr:"lower"`
	Words    int    `expr:"words"`
	Prompt   string `expr:"prompt"`
	Category string `expr:"category"`
}

// Evaluator decides pass/fail/timeout. Compiled rubric expressions and
// phrase matchers are cached by source text.
type Evaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
	phrases  map[string]*textnorm.Matcher
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		phrases:  make(map[string]*textnorm.Matcher),
	}
}

// Evaluate judges answer, received at receivedAt, for a session and its challenge.
// A late answer is timed out regardless of correctness.
func (e *Evaluator) Evaluate(sess domain.Session, ch domain.Challenge, answer string, receivedAt time.Time) Verdict {
	elapsed := receivedAt.Sub(sess.IssuedAt)
	if receivedAt.After(sess.Deadline) {
		return Verdict{Outcome: domain.OutcomeTimedOut, Reason: "answer received after deadline", Elapsed: elapsed}
	}

	if strings.TrimSpace(answer) == "" {
		return Verdict{Outcome: domain.OutcomeFailed, Reason: "empty answer", Elapsed: elapsed}
	}
	if IsEcho(answer, ch.Prompt) {
		return Verdict{Outcome: domain.OutcomeFailed, Reason: "answer echoes the prompt", Elapsed: elapsed}
	}

	c, err := nonce.Decode(ch.Commitment)
	if err != nil {
		return Verdict{Outcome: domain.OutcomeFailed, Reason: "malformed commitment", Elapsed: elapsed}
	}

	if c.Scheme != nonce.SchemeRubric {
		if c.Matches(answer) {
			return Verdict{Outcome: domain.OutcomePassed, Reason: "answer matches commitment", Elapsed: elapsed}
		}
		return Verdict{Outcome: domain.OutcomeFailed, Reason: "answer does not match commitment", Elapsed: elapsed}
	}

	ok, reason := e.matchRubric(ch, answer)
	if ok {
		return Verdict{Outcome: domain.OutcomePassed, Reason: "rubric satisfied", Elapsed: elapsed}
	}
	return Verdict{Outcome: domain.OutcomeFailed, Reason: reason, Elapsed: elapsed}
}

// Timeout is the verdict for a session whose deadline passed with no answer.
func Timeout(sess domain.Session, now time.Time) Verdict {
	return Verdict{Outcome: domain.OutcomeTimedOut, Reason: "no answer before deadline", Elapsed: now.Sub(sess.IssuedAt)}
}

// IsEcho reports whether answer is the prompt resubmitted verbatim.
func IsEcho(answer, prompt string) bool {
	a := nonce.NormalizeAnswer(answer)
	return a != "" && a == nonce.NormalizeAnswer(prompt)
}

func (e *Evaluator) matchRubric(ch domain.Challenge, answer string) (bool, string) {
	r := ch.Rubric
	if r.Empty() {
		return false, "challenge has no rubric"
	}

	lower := textnorm.Normalize(answer)
	tokens := textnorm.Tokenize(answer)
	words := len(strings.Fields(answer))

	if r.MinWords > 0 && words < r.MinWords {
		return false, fmt.Sprintf("answer has %d words, rubric requires %d", words, r.MinWords)
	}
	for _, kw := range r.AllOf {
		if !e.containsPhrase(tokens, kw) {
			return false, fmt.Sprintf("missing required phrase %q", kw)
		}
	}
	if len(r.AnyOf) > 0 {
		found := false
		for _, kw := range r.AnyOf {
			if e.containsPhrase(tokens, kw) {
				found = true
				break
			}
		}
		if !found {
			return false, "none of the expected phrases present"
		}
	}
	for _, kw := range r.NoneOf {
		if e.containsPhrase(tokens, kw) {
			return false, fmt.Sprintf("contains disallowed phrase %q", kw)
		}
	}

	if r.Expr != "" {
		prog, err := e.compile(r.Expr)
		if err != nil {
			return false, "rubric expression does not compile"
		}
		out, err := expr.Run(prog, rubricEnv{
			Answer:   answer,
			Lower:    lower,
			Words:    words,
			Prompt:   ch.Prompt,
			Category: string(ch.Category),
		})
		if err != nil {
			return false, "rubric expression failed"
		}
		if pass, _ := out.(bool); !pass {
			return false, "rubric expression not satisfied"
		}
	}
	return true, ""
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.programs[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.Env(rubricEnv{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.programs[src] = p
	return p, nil
}

// ValidateRubric checks that a rubric can be evaluated.
func ValidateRubric(r *domain.Rubric) error {
	if r.Empty() {
		return domain.NewEngineError(domain.ErrRubricInvalid.Code, "rubric has no clauses")
	}
	if r.Expr != "" {
		if _, err := expr.Compile(r.Expr, expr.Env(rubricEnv{}), expr.AsBool()); err != nil {
			return domain.WrapEngineError(domain.ErrRubricInvalid.Code, "compile rubric expression", err)
		}
	}
	return nil
}

// containsPhrase reports whether phrase occurs in tokens on word
// boundaries. A phrase with no word tokens always matches.
func (e *Evaluator) containsPhrase(tokens []string, phrase string) bool {
	m := e.matcher(phrase)
	if m == nil {
		return true
	}
	found := false
	m.Scan(tokens, func(textnorm.Phrase) { found = true })
	return found
}

func (e *Evaluator) matcher(phrase string) *textnorm.Matcher {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.phrases[phrase]; ok {
		return m
	}
	var m *textnorm.Matcher
	if len(textnorm.Tokenize(phrase)) > 0 {
		m = textnorm.NewMatcher(map[string]float64{phrase: 1})
	}
	e.phrases[phrase] = m
	return m
}
