package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"coverloop/internal/types"
)

func TestClassify(t *testing.T) {
	recs := []types.Recommendation{
		{Type: types.RecommendFailed, Priority: types.PriorityHigh},
		{Type: types.RecommendUncovered, Priority: types.PriorityHigh, AspectID: types.IntPtr(4)},
		{Type: types.RecommendDeeper, Priority: types.PriorityMedium},
		{Type: types.RecommendComplete, Priority: types.PriorityLow},
	}

	tests := []struct {
		input string
		want  Action
	}{
		{"0", ActionExit},
		{"", ActionContinue},
		{"  ", ActionContinue},
		{"1", ActionSpecific},
		{"2", ActionSpecific},
		{"3", ActionDeeper},
		{"4", ActionComplete},
		{"5", ActionInvalid},
		{"-1", ActionInvalid},
		{"+1", ActionInvalid},
		{"1.0", ActionInvalid},
		{"abc", ActionInvalid},
		{"99999999999999999999", ActionInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Classify(tt.input, recs)
			assert.Equal(t, tt.want, got.Action)
			if tt.want == ActionSpecific || tt.want == ActionDeeper || tt.want == ActionComplete {
				assert.NotNil(t, got.Recommendation)
			} else {
				assert.Nil(t, got.Recommendation)
			}
		})
	}

	got := Classify("2", recs)
	assert.Equal(t, 4, *got.Recommendation.AspectID)
	assert.Equal(t, ActionInvalid, Classify("1", nil).Action)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "DISPATCH_DEEPER", StateDispatchDeeper.String())
	assert.Equal(t, "FINAL_REPORT", StateFinalReport.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, HandleComplete().ShouldExit)
}
