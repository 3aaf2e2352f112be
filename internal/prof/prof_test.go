package prof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_WritesProfiles(t *testing.T) {
	dir := t.TempDir()
	p := Paths{
		CPU:   filepath.Join(dir, "cpu.pprof"),
		Heap:  filepath.Join(dir, "heap.pprof"),
		Trace: filepath.Join(dir, "run.trace"),
	}
	s, err := Start(p)
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	for _, path := range []string{p.CPU, p.Heap, p.Trace} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size(), path)
	}
}

func TestSession_Empty(t *testing.T) {
	s, err := Start(Paths{})
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
	var none *Session
	assert.NoError(t, none.Stop())
}

func TestStart_BadPath(t *testing.T) {
	_, err := Start(Paths{Trace: filepath.Join(t.TempDir(), "missing", "run.trace")})
	assert.Error(t, err)
}
