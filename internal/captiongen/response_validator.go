package captiongen

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ResponseValidator provides comprehensive validation of a generated caption.
type ResponseValidator struct {
	refusalDetector *RefusalDetector
	responseCleaner *ResponseCleaner
}

// NewResponseValidator creates a new response validator.
func NewResponseValidator() *ResponseValidator {
	return &ResponseValidator{
		refusalDetector: NewRefusalDetector(),
		responseCleaner: NewResponseCleaner(),
	}
}

// ValidationResult represents the result of comprehensive caption validation.
type ValidationResult struct {
	IsValid         bool              `json:"is_valid"`
	IsRefusal       bool              `json:"is_refusal"`
	RefusalAnalysis *RefusalAnalysis  `json:"refusal_analysis,omitempty"`
	CleanedResponse string            `json:"cleaned_response"`
	Issues          []ValidationIssue `json:"issues,omitempty"`
	Suggestions     []string          `json:"suggestions,omitempty"`
	ProcessingTime  time.Duration     `json:"processing_time"`
}

// ValidationIssue represents a specific validation issue.
type ValidationIssue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"` // "low", "medium", "high", "critical"
	Description string `json:"description"`
	Solution    string `json:"solution,omitempty"`
}

// ValidateResponse performs comprehensive validation of a caption returned
// by the vision-language model.
func (rv *ResponseValidator) ValidateResponse(response string) *ValidationResult {
	startTime := time.Now()

	result := &ValidationResult{
		IsValid:         true,
		IsRefusal:       false,
		CleanedResponse: response,
		Issues:          []ValidationIssue{},
		Suggestions:     []string{},
	}

	rv.performBasicChecks(response, result)
	rv.performRefusalDetection(response, result)
	rv.performResponseCleaning(response, result)
	rv.performContentQualityAssessment(result.CleanedResponse, result)

	result.ProcessingTime = time.Since(startTime)
	rv.determineOverallValidity(result)

	slog.Debug("caption validation completed",
		slog.Bool("is_valid", result.IsValid),
		slog.Bool("is_refusal", result.IsRefusal),
		slog.Int("issues_count", len(result.Issues)),
		slog.Duration("processing_time", result.ProcessingTime))

	return result
}

// performBasicChecks performs basic response validation checks.
func (rv *ResponseValidator) performBasicChecks(response string, result *ValidationResult) {
	if strings.TrimSpace(response) == "" {
		result.Issues = append(result.Issues, ValidationIssue{
			Type:        "empty_response",
			Severity:    "critical",
			Description: "caption is empty or contains only whitespace",
			Solution:    "retry with a different model or prompt",
		})
		result.IsValid = false
		return
	}

	if len(strings.TrimSpace(response)) < 20 {
		result.Issues = append(result.Issues, ValidationIssue{
			Type:        "short_response",
			Severity:    "high",
			Description: "caption is extremely short, likely a refusal",
			Solution:    "try rephrasing the prompt or using a different model",
		})
	}

	if len(response) > 10000 {
		result.Issues = append(result.Issues, ValidationIssue{
			Type:        "long_response",
			Severity:    "medium",
			Description: "caption is extremely long, may contain unwanted content",
			Solution:    "review caption content for relevance",
		})
	}
}

// performRefusalDetection flags captions that are actually model refusals.
func (rv *ResponseValidator) performRefusalDetection(response string, result *ValidationResult) {
	analysis := rv.refusalDetector.DetectRefusal(response)
	if !analysis.IsRefusal {
		return
	}

	result.IsRefusal = true
	result.RefusalAnalysis = analysis

	result.Issues = append(result.Issues, ValidationIssue{
		Type:        "refusal_detected",
		Severity:    "critical",
		Description: fmt.Sprintf("vision model refused to describe the image: %s", analysis.Reason),
		Solution:    "retry with the fallback caption model or flag for manual review",
	})

	if analysis.RefusalType != "" {
		result.Suggestions = append(result.Suggestions, analysis.Suggestions...)
	}
}

// performResponseCleaning strips markdown or stray wrapping some vision
// models add around an otherwise plain-text caption.
func (rv *ResponseValidator) performResponseCleaning(originalResponse string, result *ValidationResult) {
	result.CleanedResponse = rv.responseCleaner.CleanCaptionText(originalResponse)
}

// performContentQualityAssessment assesses the quality of the caption content.
func (rv *ResponseValidator) performContentQualityAssessment(response string, result *ValidationResult) {
	var issues []ValidationIssue

	if rv.hasRepetitiveContent(response) {
		issues = append(issues, ValidationIssue{
			Type:        "repetitive_content",
			Severity:    "medium",
			Description: "caption contains repetitive content",
			Solution:    "try a different model or adjust prompt",
		})
	}

	if rv.hasIncompleteContent(response) {
		issues = append(issues, ValidationIssue{
			Type:        "incomplete_content",
			Severity:    "medium",
			Description: "caption appears incomplete",
			Solution:    "try increasing max caption length or using a different model",
		})
	}

	result.Issues = append(result.Issues, issues...)
}

// hasRepetitiveContent checks if the caption contains repetitive phrases.
func (rv *ResponseValidator) hasRepetitiveContent(response string) bool {
	words := strings.Fields(strings.ToLower(response))
	if len(words) < 10 {
		return false
	}

	phraseCount := make(map[string]int)
	for i := 0; i < len(words)-2; i++ {
		phrase := strings.Join(words[i:i+3], " ")
		phraseCount[phrase]++
		if phraseCount[phrase] > 2 {
			return true
		}
	}

	return false
}

// hasIncompleteContent checks if the caption appears to end abruptly.
func (rv *ResponseValidator) hasIncompleteContent(response string) bool {
	incompleteIndicators := []string{
		"...", "etc.", "and so on", "continue", "truncated", "cut off", "incomplete",
	}

	lowerResponse := strings.ToLower(response)
	for _, indicator := range incompleteIndicators {
		if strings.Contains(lowerResponse, indicator) {
			return true
		}
	}

	trimmed := strings.TrimSpace(response)
	if len(trimmed) > 0 && !strings.HasSuffix(trimmed, ".") && !strings.HasSuffix(trimmed, "!") && !strings.HasSuffix(trimmed, "?") {
		return true
	}

	return false
}

// determineOverallValidity determines the overall validity of the caption.
func (rv *ResponseValidator) determineOverallValidity(result *ValidationResult) {
	for _, issue := range result.Issues {
		if issue.Severity == "critical" {
			result.IsValid = false
			return
		}
	}

	if result.IsRefusal {
		result.IsValid = false
		return
	}

	highSeverityCount := 0
	for _, issue := range result.Issues {
		if issue.Severity == "high" {
			highSeverityCount++
		}
	}

	if highSeverityCount > 2 {
		result.IsValid = false
		return
	}

	result.IsValid = true
}
