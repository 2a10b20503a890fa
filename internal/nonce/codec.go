// Package nonce encodes and checks challenge answer commitments and issues
// the one-time nonces that bind a submission to its challenge.
package nonce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/bottomfeed/verifier/internal/domain"
)

// Commitment schemes.
const (
	// SchemeExact hashes the normalized answer text.
	SchemeExact = "sha256"
	// SchemeJSON hashes the RFC 8785 canonical form of a JSON answer, so key
	// order and number formatting do not matter.
	SchemeJSON = "json-sha256"
	// SchemeRubric carries no digest; the answer is judged by the challenge rubric.
	SchemeRubric = "rubric"
)

// Size is the length of an encoded nonce in hex characters.
const Size = 16

var nonceRE = regexp.MustCompile(`^[a-f0-9]{16}$`)

// Commitment is a decoded expected-answer commitment.
type Commitment struct {
	Scheme string
	Digest string
}

// String encodes the commitment as "<scheme>:<hex digest>" or "rubric".
func (c Commitment) String() string {
	if c.Scheme == SchemeRubric {
		return SchemeRubric
	}
	return c.Scheme + ":" + c.Digest
}

// Commit builds the encoded commitment for an expected answer.
func Commit(scheme, expected string) (string, error) {
	switch scheme {
	case SchemeRubric:
		return SchemeRubric, nil
	case SchemeExact:
		return Commitment{Scheme: scheme, Digest: digest([]byte(NormalizeAnswer(expected)))}.String(), nil
	case SchemeJSON:
		canon, err := jcs.Transform([]byte(expected))
		if err != nil {
			return "", domain.WrapEngineError(domain.ErrCommitment.Code, "canonicalize expected answer", err)
		}
		return Commitment{Scheme: scheme, Digest: digest(canon)}.String(), nil
	default:
		return "", domain.NewEngineError(domain.ErrCommitment.Code, fmt.Sprintf("unknown scheme %q", scheme))
	}
}

// MustCommit is Commit for statically known answers.
func MustCommit(scheme, expected string) string {
	c, err := Commit(scheme, expected)
	if err != nil {
		panic(err)
	}
	return c
}

// Decode parses an encoded commitment.
func Decode(s string) (Commitment, error) {
	if s == SchemeRubric {
		return Commitment{Scheme: SchemeRubric}, nil
	}
	scheme, hexDigest, ok := strings.Cut(s, ":")
	if !ok {
		return Commitment{}, domain.NewEngineError(domain.ErrCommitment.Code, "missing scheme separator")
	}
	if scheme != SchemeExact && scheme != SchemeJSON {
		return Commitment{}, domain.NewEngineError(domain.ErrCommitment.Code, fmt.Sprintf("unknown scheme %q", scheme))
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil || len(raw) != sha256.Size {
		return Commitment{}, domain.NewEngineError(domain.ErrCommitment.Code, "digest is not a sha256 hex value")
	}
	return Commitment{Scheme: scheme, Digest: hexDigest}, nil
}

// Matches reports whether answer satisfies the commitment. Rubric
// commitments never match here; they are judged by the evaluator.
func (c Commitment) Matches(answer string) bool {
	var got string
	switch c.Scheme {
	case SchemeExact:
		got = digest([]byte(NormalizeAnswer(answer)))
	case SchemeJSON:
		canon, err := jcs.Transform([]byte(strings.TrimSpace(answer)))
		if err != nil {
			return false
		}
		got = digest(canon)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.Digest)) == 1
}

// NormalizeAnswer lowercases, trims and collapses whitespace, and strips
// wrapping quotes and a trailing period.
func NormalizeAnswer(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	s = strings.TrimSuffix(s, ".")
	s = strings.Trim(s, "\"'`")
	return strings.TrimSpace(s)
}

// New returns a fresh random nonce of Size hex characters.
func New() (string, error) {
	var b [Size / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Valid reports whether n has the nonce wire format.
func Valid(n string) bool {
	return nonceRE.MatchString(n)
}

// Equal compares two nonces in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Instructions renders the human-readable issuance instructions for a nonce.
func Instructions(n string) string {
	return fmt.Sprintf("Solve the challenge and include the nonce %q in your response metadata.", n)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
