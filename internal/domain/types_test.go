package domain_test

import (
	"testing"

	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestModeString(t *testing.T) {
	cases := map[domain.Mode]string{
		domain.ModeNever:    "never",
		domain.ModeFallback: "fallback",
		domain.ModeFatal:    "fatal",
		domain.Mode(99):     "unknown",
	}
	for mode, want := range cases {
		assert.Equal(t, want, mode.String())
	}
}
