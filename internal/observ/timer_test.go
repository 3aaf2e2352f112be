package observ

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_Report(t *testing.T) {
	tm := NewTimer()
	idx := tm.Begin("load")
	tm.End(idx, "2 files")
	tm.End(99, "ignored")
	tm.Record("app.exe/obfuscate", 3*time.Millisecond, "")

	report := tm.Report()
	require.Len(t, report.Phases, 2)
	assert.Equal(t, "load", report.Phases[0].Name)
	assert.Equal(t, "2 files", report.Phases[0].Note)
	assert.InDelta(t, 3.0, report.Phases[1].DurationMS, 1e-9)
	assert.GreaterOrEqual(t, report.TotalMS, 3.0)

	summary := tm.Summary()
	assert.Contains(t, summary, "app.exe/obfuscate")
	assert.Contains(t, summary, "// 2 files")
	assert.Contains(t, summary, "total")
}

func TestTimer_Empty(t *testing.T) {
	assert.Equal(t, Report{}, NewTimer().Report())
}
