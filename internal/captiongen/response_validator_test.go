package captiongen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewResponseValidator(t *testing.T) {
	validator := NewResponseValidator()
	assert.NotNil(t, validator)
	assert.NotNil(t, validator.refusalDetector)
	assert.NotNil(t, validator.responseCleaner)
}

func TestResponseValidator_PerformBasicChecks_EmptyAndLong(t *testing.T) {
	validator := NewResponseValidator()

	res := &ValidationResult{IsValid: true}
	validator.performBasicChecks("   ", res)
	assert.False(t, res.IsValid)
	if assert.Len(t, res.Issues, 1) {
		assert.Equal(t, "empty_response", res.Issues[0].Type)
		assert.Equal(t, "critical", res.Issues[0].Severity)
	}

	long := strings.Repeat("a", 10001)
	res2 := &ValidationResult{IsValid: true}
	validator.performBasicChecks(long, res2)
	found := false
	for _, issue := range res2.Issues {
		if issue.Type == "long_response" {
			found = true
		}
	}
	assert.True(t, found, "expected long_response issue")
}

func TestResponseValidator_PerformContentQualityAssessment(t *testing.T) {
	validator := NewResponseValidator()

	text := "lorem ipsum dolor lorem ipsum dolor lorem ipsum dolor ... this looks incomplete"
	res := &ValidationResult{}
	validator.performContentQualityAssessment(text, res)

	var kinds []string
	for _, issue := range res.Issues {
		kinds = append(kinds, issue.Type)
	}

	assert.Contains(t, kinds, "repetitive_content")
	assert.Contains(t, kinds, "incomplete_content")
}

func TestResponseValidator_DetermineOverallValidity(t *testing.T) {
	validator := &ResponseValidator{}

	res := &ValidationResult{
		IsValid: true,
		Issues:  []ValidationIssue{{Severity: "critical"}},
	}
	validator.determineOverallValidity(res)
	assert.False(t, res.IsValid)

	res2 := &ValidationResult{
		IsValid:   true,
		IsRefusal: true,
	}
	validator.determineOverallValidity(res2)
	assert.False(t, res2.IsValid)

	res3 := &ValidationResult{
		IsValid: true,
		Issues:  []ValidationIssue{{Severity: "high"}, {Severity: "high"}, {Severity: "high"}},
	}
	validator.determineOverallValidity(res3)
	assert.False(t, res3.IsValid)

	res4 := &ValidationResult{
		IsValid: true,
		Issues:  []ValidationIssue{{Severity: "low"}, {Severity: "high"}},
	}
	validator.determineOverallValidity(res4)
	assert.True(t, res4.IsValid)
}

func TestResponseValidator_ValidateResponse_Integration(t *testing.T) {
	validator := NewResponseValidator()
	out := validator.ValidateResponse("A golden retriever sits on a grassy lawn under a blue sky.")
	assert.NotNil(t, out)
	assert.False(t, out.IsRefusal)
	assert.True(t, out.IsValid)
}

func TestResponseValidator_ValidateResponse_RefusalIsInvalid(t *testing.T) {
	validator := NewResponseValidator()
	out := validator.ValidateResponse("I cannot describe this image due to content policy.")
	assert.True(t, out.IsRefusal)
	assert.False(t, out.IsValid)
}
