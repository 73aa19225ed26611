package memory

import (
	"math"
	"strings"
)

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 { // skip single chars
			result = append(result, w)
		}
	}
	return result
}

// lexicalSimilarity computes overlap between query tokens and item text.
// Blends a Jaccard-style overlap ratio with query coverage, weighting
// exact token matches above substring matches.
func lexicalSimilarity(queryTokens []string, text string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	target := strings.ToLower(text)
	targetWords := tokenize(target)
	targetSet := make(map[string]bool, len(targetWords))
	for _, w := range targetWords {
		targetSet[w] = true
	}

	var matched int
	var weightedScore float64
	for _, q := range queryTokens {
		if targetSet[q] {
			matched++
			weightedScore += 1.0
		} else if strings.Contains(target, q) {
			matched++
			weightedScore += 0.7 // partial substring match
		}
	}

	if matched == 0 {
		return 0
	}

	overlap := float64(matched)
	union := float64(len(queryTokens) + len(targetSet) - matched)
	jaccard := overlap / math.Max(union, 1)

	coverage := weightedScore / float64(len(queryTokens))

	return 0.4*jaccard + 0.6*coverage
}

// recencyScore is an exponential decay over age: 1.0 now, 0.5 after one
// half-life.
func recencyScore(ageHours, halfLifeHours float64) float64 {
	if halfLifeHours <= 0 {
		return 0
	}
	if ageHours <= 0 {
		return 1
	}
	return math.Pow(0.5, ageHours/halfLifeHours)
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}
