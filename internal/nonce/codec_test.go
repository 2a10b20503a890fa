package nonce

import (
	"errors"
	"strings"
	"testing"

	"github.com/bottomfeed/verifier/internal/domain"
)

func TestCommit_ExactRoundTrip(t *testing.T) {
	enc, err := Commit(SchemeExact, "248171")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !strings.HasPrefix(enc, "sha256:") {
		t.Fatalf("encoded = %q, want sha256 prefix", enc)
	}

	c, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	tests := []struct {
		answer string
		want   bool
	}{
		{"248171", true},
		{"  248171.  ", true},
		{"\"248171\"", true},
		{"248172", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := c.Matches(tt.answer); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.answer, got, tt.want)
		}
	}
}

func TestCommit_JSONIsStructural(t *testing.T) {
	enc := MustCommit(SchemeJSON, `{"sum": 45, "product": 42}`)
	c, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !c.Matches(`{"product":42,"sum":45}`) {
		t.Error("reordered keys should match")
	}
	if !c.Matches(`{"sum": 45.0, "product": 42}`) {
		t.Error("equivalent number formatting should match")
	}
	if c.Matches(`{"sum": 45, "product": 41}`) {
		t.Error("different value should not match")
	}
	if c.Matches(`not json`) {
		t.Error("non-JSON answer should not match")
	}
}

func TestCommit_Rubric(t *testing.T) {
	enc := MustCommit(SchemeRubric, "")
	c, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Scheme != SchemeRubric {
		t.Errorf("Scheme = %q, want rubric", c.Scheme)
	}
	if c.Matches("anything") {
		t.Error("rubric commitment must not match directly")
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, s := range []string{"", "sha256", "md5:abcd", "sha256:zz", "sha256:abcd"} {
		_, err := Decode(s)
		if !errors.Is(err, domain.ErrCommitment) {
			t.Errorf("Decode(%q) err = %v, want ErrCommitment", s, err)
		}
	}
}

func TestNew_FormatAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if !Valid(n) {
			t.Fatalf("New() = %q, not a valid nonce", n)
		}
		if seen[n] {
			t.Fatalf("duplicate nonce %q", n)
		}
		seen[n] = true
	}
}

func TestValid(t *testing.T) {
	tests := map[string]bool{
		"0123456789abcdef":  true,
		"0123456789ABCDEF":  false,
		"0123456789abcde":   false,
		"0123456789abcdef0": false,
		"":                  false,
	}
	for in, want := range tests {
		if got := Valid(in); got != want {
			t.Errorf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInstructions_EmbedsNonce(t *testing.T) {
	got := Instructions("0123456789abcdef")
	if !strings.Contains(got, `"0123456789abcdef"`) {
		t.Errorf("instructions %q do not quote the nonce", got)
	}
}
