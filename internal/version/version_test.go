package version

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestVersion_DefaultValues(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.Empty(t, GitCommit)
	assert.Empty(t, BuildDate)
}

func TestColored(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	orig := Version
	t.Cleanup(func() { Version = orig })

	tests := map[string]string{
		"1.2.3":     "1.2.3",
		"0.1.0-dev": "0.1.0-dev",
		"2.0.1+abc": "2.0.1+abc",
		"nightly":   "nightly",
		"1.2":       "1.2",
	}
	for in, want := range tests {
		Version = in
		assert.Equal(t, want, Colored(), in)
	}
}
