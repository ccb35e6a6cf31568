package qos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/errors"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
	}{
		{"", 0},
		{"512", 512},
		{"512kbit", 512},
		{"10mbit", 10000},
		{"1gbit", 1000000},
		{"100kbps", 800},
		{"2mbps", 16000},
		{" 5 MBIT ", 5000},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRate(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseRateInvalid(t *testing.T) {
	for _, in := range []string{"fast", "-1mbit", "10 furlongs"} {
		_, err := ParseRate(in)
		assert.True(t, errors.IsKind(err, errors.KindValidation), in)
	}
}

func TestRateOf(t *testing.T) {
	got, err := RateOf("50%", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got)

	got, err = RateOf("1mbit", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), got)

	_, err = RateOf("150%", 1000)
	assert.Error(t, err)
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "2500kbit", FormatRate(2500))
}
