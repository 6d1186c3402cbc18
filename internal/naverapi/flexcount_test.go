package naverapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexCountUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{`1200`, 1200},
		{`"3400"`, 3400},
		{`"< 10"`, 5},
		{`"<10"`, 5},
		{`null`, 0},
		{`""`, 0},
		{`"not a number"`, 0},
		{`12.7`, 12},
	}
	for _, tt := range tests {
		var f FlexCount
		require.NoError(t, json.Unmarshal([]byte(tt.in), &f), "input %s", tt.in)
		assert.Equal(t, tt.want, f.Int(), "input %s", tt.in)
	}
}

func TestFlexFloatUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{`10.5`, 10.5},
		{`"0.82"`, 0.82},
		{`"< 10"`, 5},
		{`null`, 0},
		{`"garbage"`, 0},
	}
	for _, tt := range tests {
		var f FlexFloat
		require.NoError(t, json.Unmarshal([]byte(tt.in), &f), "input %s", tt.in)
		assert.InDelta(t, tt.want, f.Float(), 1e-9, "input %s", tt.in)
	}
}
