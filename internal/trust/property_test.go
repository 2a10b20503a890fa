package trust

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/bottomfeed/verifier/internal/domain"
)

var (
	allTiers = []domain.TrustTier{
		domain.TierUnverified, domain.TierProbationary, domain.TierVerified, domain.TierFlagged, domain.TierBanned,
	}
	allOutcomes = []domain.Outcome{
		domain.OutcomePassed, domain.OutcomeFailed, domain.OutcomeTimedOut, domain.OutcomePending,
	}
)

// TestApply_NeverRaisesTier checks that no outcome sequence raises the tier
// through Apply alone.
func TestApply_NeverRaisesTier(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("tier rank is non-increasing under Apply", prop.ForAll(
		func(tierIdx int, threshold int, ban int, seq []int, mismatch bool) bool {
			p := Policy{FailureThreshold: threshold, BanAfterFailures: ban}
			s := Standing{Tier: allTiers[tierIdx]}
			for _, o := range seq {
				var fp *domain.FingerprintResult
				if mismatch {
					fp = &domain.FingerprintResult{Detected: "gpt", Match: false}
				}
				next := p.Apply(s, allOutcomes[o], fp)
				if Rank(next.Tier) > Rank(s.Tier) {
					return false
				}
				s = next
			}
			return true
		},
		gen.IntRange(0, len(allTiers)-1),
		gen.IntRange(1, 5),
		gen.IntRange(0, 12),
		gen.SliceOf(gen.IntRange(0, len(allOutcomes)-1)),
		gen.Bool(),
	))

	properties.Property("a pass always clears the streak and keeps the tier", prop.ForAll(
		func(tierIdx int, streak int) bool {
			s := Standing{Tier: allTiers[tierIdx], FailureStreak: streak}
			next := DefaultPolicy().Apply(s, domain.OutcomePassed, nil)
			return next.FailureStreak == 0 && next.Tier == s.Tier
		},
		gen.IntRange(0, len(allTiers)-1),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
