package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"trims and uppercases", "  c12345 ", "C12345"},
		{"keeps punctuation", "Acme Corp.", "ACME CORP."},
		{"collapses double space", "Acme  Corp", "ACME CORP"},
		{"collapses tabs and newlines", "Acme\tIndustrial\nSupply", "ACME INDUSTRIAL SUPPLY"},
		{"folds accents", "Café Métro", "CAFE METRO"},
		{"identical inputs identical keys", "Café  Supply", "CAFE SUPPLY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LookupKey(tt.input))
		})
	}
}

func TestFoldAccents(t *testing.T) {
	assert.Equal(t, "Cafe Metro", FoldAccents("Café Métro"))
	assert.Equal(t, "plain ascii", FoldAccents("plain ascii"))
}
