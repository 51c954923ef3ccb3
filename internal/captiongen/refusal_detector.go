// Package captiongen adapts caption responses from a vision-language
// model: refusal detection, response cleanup, quality validation, and
// a circuit breaker per model.
package captiongen

import "strings"

// RefusalDetector detects refusal responses from a vision-language
// model. Unlike a hosted chat completions API, the caption backend
// exposes no side channel to ask "why did the model refuse" - vision
// models served behind an Ollama-style HTTP API just return text - so
// detection here is pattern-based against the caption text itself.
type RefusalDetector struct{}

// NewRefusalDetector creates a new refusal detector.
func NewRefusalDetector() *RefusalDetector {
	return &RefusalDetector{}
}

// RefusalAnalysis represents the result of refusal detection.
type RefusalAnalysis struct {
	IsRefusal   bool     `json:"is_refusal"`
	Confidence  float64  `json:"confidence"`
	RefusalType string   `json:"refusal_type,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// DetectRefusal analyzes a generated caption for refusal patterns.
func (rd *RefusalDetector) DetectRefusal(caption string) *RefusalAnalysis {
	refusalType, reason, matched := classifyRefusal(caption)
	if !matched {
		return &RefusalAnalysis{IsRefusal: false}
	}

	return &RefusalAnalysis{
		IsRefusal:   true,
		Confidence:  0.7,
		RefusalType: refusalType,
		Reason:      reason,
		Suggestions: rd.GetRefusalHandlingSuggestions(refusalType),
	}
}

// classifyRefusal matches caption text against known refusal phrasing
// and reports the first category matched.
func classifyRefusal(caption string) (refusalType, reason string, matched bool) {
	lower := strings.ToLower(caption)

	categories := []struct {
		kind       string
		indicators []string
	}{
		{
			kind:       "policy_violation",
			indicators: []string{"i cannot describe", "i can't describe", "against my guidelines", "content policy"},
		},
		{
			kind:       "capability_limitation",
			indicators: []string{"i don't have the ability", "i'm unable to view", "i cannot see the image", "no image was provided"},
		},
		{
			kind:       "ethical_concerns",
			indicators: []string{"inappropriate content", "harmful content", "explicit content"},
		},
		{
			kind:       "generic_refusal",
			indicators: []string{"i'm sorry", "i apologize", "as an ai", "i cannot assist", "unfortunately, i"},
		},
	}

	for _, c := range categories {
		for _, indicator := range c.indicators {
			if strings.Contains(lower, indicator) {
				return c.kind, "matched refusal indicator: " + indicator, true
			}
		}
	}

	return "", "", false
}

// GetRefusalHandlingSuggestions provides suggestions for handling different types of refusals.
func (rd *RefusalDetector) GetRefusalHandlingSuggestions(refusalType string) []string {
	suggestions := map[string][]string{
		"policy_violation": {
			"retry with the fallback caption model",
			"skip this image and flag it for manual review",
		},
		"capability_limitation": {
			"verify the image downloaded correctly before retrying",
			"retry with the fallback caption model",
		},
		"ethical_concerns": {
			"flag the image for manual review instead of retrying automatically",
		},
		"generic_refusal": {
			"retry with the fallback caption model",
			"shorten the prompt and retry",
		},
	}

	if s, exists := suggestions[refusalType]; exists {
		return s
	}

	return []string{"retry with the fallback caption model"}
}
