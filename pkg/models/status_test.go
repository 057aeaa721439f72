package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepKind_String(t *testing.T) {
	assert.Equal(t, "unset", StepKindUnset.String())
	assert.Equal(t, "fetch", StepKindFetch.String())
	assert.Equal(t, "link_extraction", StepKindLinkExtraction.String())
	assert.Equal(t, "data_extraction", StepKindDataExtraction.String())
}

func TestStepKind_IsValid(t *testing.T) {
	tests := []struct {
		kind StepKind
		want bool
	}{
		{StepKindFetch, true},
		{StepKindLinkExtraction, true},
		{StepKindDataExtraction, true},
		{StepKindUnset, false},
		{StepKind("request"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.IsValid(), "StepKind(%q).IsValid()", string(tt.kind))
	}
}

func TestExtractMethod_IsValid(t *testing.T) {
	assert.True(t, MethodCSS.IsValid())
	assert.True(t, MethodXPath.IsValid())
	assert.True(t, MethodRegex.IsValid())
	assert.False(t, ExtractMethod("jsonpath").IsValid())
}

func TestValueKind_IsValid(t *testing.T) {
	for _, k := range []ValueKind{KindText, KindHTML, KindAttribute, KindNumber, KindBoolean, KindMarkdown} {
		assert.True(t, k.IsValid(), "ValueKind(%q)", string(k))
	}
	assert.False(t, ValueKind("attr").IsValid())
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.IsTerminal())
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, RunStatusCancelled.IsTerminal())
}
