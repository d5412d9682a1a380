// Package facematch scores a probe face embedding against the enrolled
// roster and turns embedding distance into the 0–100 confidence used by the
// check-in decision tree.
package facematch

import "math"

// DMax is the metric-specific maximum meaningful distance. Distance here is
// cosine distance rescaled to [0,1] ((1−cos)/2), so opposite vectors sit at
// exactly 1.0: zero distance maps to 100% confidence, DMax to 0%.
const DMax = 1.0

// Candidate is one enrolled profile's decrypted embedding.
type Candidate struct {
	ProfileID string
	Embedding []float32
}

// Match is the best candidate found for a probe.
type Match struct {
	ProfileID  string
	Distance   float64
	Confidence float64
}

// Distance returns the normalized cosine distance between two embeddings in
// [0,1]. Mismatched or degenerate vectors return DMax (no similarity).
func Distance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return DMax
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return DMax
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Guard against float drift outside [-1,1].
	cos = math.Max(-1, math.Min(1, cos))
	return (1 - cos) / 2
}

// Confidence maps a distance to a 0–100 score, clamped and rounded.
func Confidence(distance float64) float64 {
	score := math.Round((1 - distance/DMax) * 100)
	return math.Max(0, math.Min(100, score))
}

// BestMatch linearly scans the candidate set and returns the single
// lowest-distance match, or nil when no candidates were supplied. O(n) per
// probe, which is fine for a member roster and wrong for open-world search.
func BestMatch(probe []float32, candidates []Candidate) *Match {
	var best *Match
	for _, cand := range candidates {
		d := Distance(probe, cand.Embedding)
		if best == nil || d < best.Distance {
			best = &Match{ProfileID: cand.ProfileID, Distance: d}
		}
	}
	if best != nil {
		best.Confidence = Confidence(best.Distance)
	}
	return best
}
