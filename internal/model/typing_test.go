package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlleleName(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		ok         bool
		fields     []string
		suffix     string
		twoField   string
		firstField string
	}{
		{"four fields", "01:01:01:01", true, []string{"01", "01", "01", "01"}, "", "01:01", "01"},
		{"null suffix", "01:01:01:02N", true, []string{"01", "01", "01", "02"}, "N", "01:01", "01"},
		{"two fields", "02:01", true, []string{"02", "01"}, "", "02:01", "02"},
		{"single field", "01", true, []string{"01"}, "", "", "01"},
		{"locus prefix", "A*24:02:01", true, []string{"24", "02", "01"}, "", "24:02", "24"},
		{"legacy dots", "01.01.01", true, []string{"01", "01", "01"}, "", "01.01", "01"},
		{"empty field", "01::01", false, nil, "", "", ""},
		{"letters", "01:AB", false, nil, "", "", ""},
		{"empty", "", false, nil, "", "", ""},
		{"suffix only", "N", false, nil, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, ok := ParseAlleleName(tt.input)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.fields, parsed.Fields)
			assert.Equal(t, tt.suffix, parsed.ExpressionSuffix)
			assert.Equal(t, tt.twoField, parsed.TwoFieldName())
			assert.Equal(t, tt.firstField, parsed.FirstField())
			assert.Equal(t, tt.input, parsed.Name)
		})
	}
}

func TestParseLocus(t *testing.T) {
	l, err := ParseLocus("dqb1")
	require.NoError(t, err)
	assert.Equal(t, LocusDqb1, l)

	_, err = ParseLocus("DRB3")
	assert.Error(t, err)
}

func TestParseTypingMethod(t *testing.T) {
	m, err := ParseTypingMethod("serology")
	require.NoError(t, err)
	assert.Equal(t, TypingMethodSerology, m)

	_, err = ParseTypingMethod("sequence")
	assert.Error(t, err)
}
