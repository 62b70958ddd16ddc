package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	// Decomposed e + combining acute vs precomposed é.
	assert.Equal(t, NormalizeName("José"), NormalizeName("José"))

	assert.Equal(t, "Ada Lovelace", NormalizeName("  Ada   Lovelace "))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 010-2030", "+15550102030"},
		{"555.010.2030", "5550102030"},
		{"  +44 20 7946 0958  ", "+442079460958"},
		{"15+550102030", "15550102030"}, // plus only valid in front
		{"", ""},
		{"ext. 12", "12"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), "input %q", tt.in)
	}
}
