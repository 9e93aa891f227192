package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"short", "short log", DefaultLogMaxLen, "short log"},
		{"exact limit", "12345678901234567890", 20, "12345678901234567890"},
		{"long", "1234567890abcdefghij", 10, "1234567890... [truncated, 20 bytes total]"},
		{"empty", "", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateLog(tt.input, tt.max))
		})
	}
}

func TestTruncateBytesKeepsPrefix(t *testing.T) {
	input := []byte(strings.Repeat("x", 2000))
	got := TruncateBytes(input)
	assert.True(t, strings.HasPrefix(got, string(input[:DefaultLogMaxLen])))
	assert.Contains(t, got, "2000 bytes total")
}
