package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchResultMatched(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result MatchResult
		want   bool
	}{
		{"exact hit", MatchResult{EntityID: "c-1", Method: MethodExact}, true},
		{"vector hit", MatchResult{EntityID: "i-9", Method: MethodVector}, true},
		{"no match", MatchResult{Method: MethodNone}, false},
		{"none with stray id", MatchResult{EntityID: "c-1", Method: MethodNone}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.result.Matched())
		})
	}
}

func TestMatchMethodValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method MatchMethod
		want   string
	}{
		{MethodExact, "exact"},
		{MethodVector, "vector"},
		{MethodRule, "rule"},
		{MethodLLM, "llm"},
		{MethodNone, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.method))
		})
	}
}
