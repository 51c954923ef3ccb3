package captiongen

import "strings"

// QualityWeights controls how much each signal contributes to a
// caption's overall quality score in [0, 1].
type QualityWeights struct {
	Length    float64
	Refusal   float64
	Relevance float64
}

// ScoreCaption produces a weighted quality score for a generated
// caption against the original post content, which stands in as the
// cheapest available relevance signal: a caption that shares no
// vocabulary with the surrounding post text is more likely to be
// generic or hallucinated than one that does.
func ScoreCaption(caption, postContent string, maxLength int, weights QualityWeights, validation *ValidationResult) float64 {
	lengthScore := lengthScore(caption, maxLength)
	refusalScore := 1.0
	if validation != nil && validation.IsRefusal {
		refusalScore = 0.0
	}
	relevanceScore := relevanceScore(caption, postContent)

	total := weights.Length + weights.Refusal + weights.Relevance
	if total == 0 {
		return 0
	}

	score := (lengthScore*weights.Length + refusalScore*weights.Refusal + relevanceScore*weights.Relevance) / total
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// lengthScore rewards captions that use at least a third of the
// available budget without exceeding it; an empty or very short caption
// scores low.
func lengthScore(caption string, maxLength int) float64 {
	n := len(strings.TrimSpace(caption))
	if n == 0 || maxLength <= 0 {
		return 0
	}
	if n > maxLength {
		return 0.5
	}
	ratio := float64(n) / float64(maxLength)
	if ratio > 1 {
		ratio = 1
	}
	// A caption using at least a third of the budget is considered
	// descriptive; shorter captions scale down linearly.
	if ratio >= 0.33 {
		return 1.0
	}
	return ratio / 0.33
}

// relevanceScore is a cheap lexical-overlap heuristic between the
// caption and the post it is attached to.
func relevanceScore(caption, postContent string) float64 {
	postContent = strings.TrimSpace(postContent)
	if postContent == "" {
		// No post text to compare against (e.g. a media-only post);
		// treat relevance as neutral rather than penalizing the caption.
		return 0.75
	}

	captionWords := tokenize(caption)
	postWords := tokenize(postContent)
	if len(captionWords) == 0 || len(postWords) == 0 {
		return 0
	}

	postSet := make(map[string]struct{}, len(postWords))
	for _, w := range postWords {
		postSet[w] = struct{}{}
	}

	matches := 0
	for _, w := range captionWords {
		if _, ok := postSet[w]; ok {
			matches++
		}
	}

	overlap := float64(matches) / float64(len(captionWords))
	if overlap > 1 {
		overlap = 1
	}
	return overlap
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) >= 4 {
			out = append(out, f)
		}
	}
	return out
}
