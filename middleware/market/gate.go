package market

import (
	"context"
	"time"

	"wattmarket-backend/core/market"
	"wattmarket-backend/review"
)

// VerificationGate wraps the external scorer. Its whole job is the timeout,
// the clamp, and the threshold comparison. A scorer that does not answer
// fails closed: the submission stays where it is and the caller gets a
// retryable external error.
type VerificationGate struct {
	scorer    review.Scorer
	threshold int
	timeout   time.Duration
}

// NewVerificationGate builds a gate with the given acceptance threshold.
func NewVerificationGate(scorer review.Scorer, threshold int, timeout time.Duration) *VerificationGate {
	if threshold <= 0 {
		threshold = market.VerifyThreshold
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VerificationGate{scorer: scorer, threshold: threshold, timeout: timeout}
}

// Check scores an artifact against its requirements. It returns the
// verification record and whether the score clears the threshold.
func (g *VerificationGate) Check(ctx context.Context, requirements, artifact string) (market.Verification, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	score, err := g.scorer.Score(ctx, requirements, artifact)
	if err != nil {
		return market.Verification{}, false, market.WrapExternal("scorer_unavailable", err)
	}
	v := market.Verification{
		Score:      review.Clamp(score.Value),
		Feedback:   score.Feedback,
		Threshold:  g.threshold,
		VerifiedAt: time.Now().UTC(),
	}
	return v, v.Score >= g.threshold, nil
}
