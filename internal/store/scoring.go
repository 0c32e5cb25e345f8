package store

import (
	"math"
	"time"
)

// decayLambda controls how fast a lesson's score fades as it ages.
// exp(-0.01·age_days) halves a lesson's weight roughly every 69 days.
const decayLambda = 0.01

// voteFactorFloor keeps heavily-downvoted lessons discoverable instead
// of driving their score to zero (or negative).
const voteFactorFloor = 0.1

// cosineSimilarity returns the cosine similarity of two equal-length
// vectors, or 0 when either has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// compositeScore is the recall ranking formula:
//
//	similarity × confidence × exp(-decayLambda · age_days) × vote_factor
//
// where age is measured from updated_at (a patched lesson is "fresh"
// again) and vote_factor = max(1 + 0.1·(upvotes − downvotes), 0.1).
// The SQL recall path computes the identical expression in-database;
// this is the in-memory twin.
func compositeScore(similarity, confidence float64, updatedAt time.Time, upvotes, downvotes int, now time.Time) float64 {
	ageDays := now.Sub(updatedAt).Seconds() / 86400.0
	voteFactor := math.Max(1.0+0.1*float64(upvotes-downvotes), voteFactorFloor)
	return similarity * confidence * math.Exp(-decayLambda*ageDays) * voteFactor
}

// roundScore shapes a raw score for the wire: six decimals, never
// negative.
func roundScore(s float64) float64 {
	if s < 0 {
		s = 0
	}
	return math.Round(s*1e6) / 1e6
}
