package captiongen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseValidator_PerformRefusalDetection_RefusalPath(t *testing.T) {
	v := NewResponseValidator()
	res := &ValidationResult{}

	v.performRefusalDetection("I cannot describe this image due to content policy.", res)

	assert.True(t, res.IsRefusal)
	if assert.NotNil(t, res.RefusalAnalysis) {
		assert.Equal(t, "policy_violation", res.RefusalAnalysis.RefusalType)
	}

	found := false
	for _, iss := range res.Issues {
		if iss.Type == "refusal_detected" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestResponseValidator_PerformResponseCleaning_StripsMarkdown(t *testing.T) {
	v := NewResponseValidator()

	res := &ValidationResult{}
	v.performResponseCleaning("```\nA dog running on a beach.\n```", res)
	require.NotEmpty(t, res.CleanedResponse)
	assert.Equal(t, "A dog running on a beach.", res.CleanedResponse)
}
