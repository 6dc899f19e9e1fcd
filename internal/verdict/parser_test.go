package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_GateReviewDash(t *testing.T) {
	v := Parse("GATE_REVIEW: PASS - all criteria met", SourceFreeText)
	require.NotNil(t, v)
	assert.Equal(t, Pass, v.Result)
	assert.Equal(t, "all criteria met", v.Rationale)
	assert.Equal(t, "gate_review_dash", v.DetectedPattern)
	assert.Equal(t, SourceFreeText, v.Source)
	assert.True(t, v.Passed())
}

func TestParse_GateReviewColon(t *testing.T) {
	v := Parse("GATE_REVIEW: FAIL: missing error handling", SourceFreeText)
	require.NotNil(t, v)
	assert.Equal(t, Fail, v.Result)
	assert.Equal(t, "missing error handling", v.Rationale)
	assert.Equal(t, "gate_review_colon", v.DetectedPattern)
	assert.False(t, v.Passed())
}

func TestParse_GateKeyword(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		result  Result
		pattern string
	}{
		{"dash", "GATE PASS - looks good", Pass, "gate_dash"},
		{"colon", "GATE FAIL: tests are red", Fail, "gate_colon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Parse(tt.text, SourceFreeText)
			require.NotNil(t, v)
			assert.Equal(t, tt.result, v.Result)
			assert.Equal(t, tt.pattern, v.DetectedPattern)
		})
	}
}

func TestParse_BareOnlyForExplicitSource(t *testing.T) {
	// Identical text, different sources.
	text := "PASS - verified manually"

	v := Parse(text, SourceExplicit)
	require.NotNil(t, v)
	assert.Equal(t, Pass, v.Result)
	assert.Equal(t, "bare", v.DetectedPattern)

	assert.Nil(t, Parse(text, SourceFreeText))
}

func TestParse_EmptyRationaleRejected(t *testing.T) {
	tests := []string{
		"GATE_REVIEW: PASS -   ",
		"GATE_REVIEW: FAIL:",
		"GATE PASS - ",
		"PASS - ",
	}
	for _, text := range tests {
		assert.Nil(t, Parse(text, SourceExplicit), "text: %q", text)
	}
}

func TestParse_EmptyRationaleFallsThroughToNextPattern(t *testing.T) {
	// First line matches pattern 1 with an empty rationale; a later line
	// satisfies pattern 3. The parser must keep going.
	text := "GATE_REVIEW: PASS - \nGATE PASS - second opinion stands"
	v := Parse(text, SourceFreeText)
	require.NotNil(t, v)
	assert.Equal(t, "gate_dash", v.DetectedPattern)
	assert.Equal(t, "second opinion stands", v.Rationale)
}

func TestParse_NoMatch(t *testing.T) {
	assert.Nil(t, Parse("the build passed and everything is fine", SourceFreeText))
	assert.Nil(t, Parse("", SourceExplicit))
	assert.Nil(t, Parse("   \n\t", SourceFreeText))
}

func TestParse_CaseInsensitiveKeyword(t *testing.T) {
	v := Parse("gate_review: pass - normalized anyway", SourceFreeText)
	require.NotNil(t, v)
	assert.Equal(t, Pass, v.Result)
}

func TestParse_MatchesWithinLargerResponse(t *testing.T) {
	text := "Reviewed the diff in detail.\nGATE_REVIEW: FAIL - missing tests\nPlease address before resubmitting."
	v := Parse(text, SourceFreeText)
	require.NotNil(t, v)
	assert.Equal(t, Fail, v.Result)
	assert.Equal(t, "missing tests", v.Rationale)
	assert.Equal(t, text, v.Raw)
}

func TestParse_PriorityOrder(t *testing.T) {
	// GATE_REVIEW outranks the bare form even when both are present.
	text := "FAIL - noise\nGATE_REVIEW: PASS - authoritative"
	v := Parse(text, SourceExplicit)
	require.NotNil(t, v)
	assert.Equal(t, "gate_review_dash", v.DetectedPattern)
	assert.Equal(t, Pass, v.Result)
}
