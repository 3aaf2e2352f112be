package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"callobf/internal/observ"
	"callobf/internal/pipeline"
)

// recordFileTimings adds one timer row per stage a file went through.
func recordFileTimings(timer *observ.Timer, f pipeline.FileResult) {
	name := filepath.Base(f.Input)
	for _, stage := range pipeline.Stages {
		if !f.Timings.Has(stage) {
			continue
		}
		note := ""
		if stage == pipeline.StageObfuscate && f.Report != nil {
			note = f.Report.SkipSummary()
		}
		timer.Record(name+"/"+string(stage), f.Timings.Duration(stage), note)
	}
}

func printRunTimings(out io.Writer, timings pipeline.Timings) {
	if timings.Has(pipeline.StageLoad) {
		fmt.Fprintf(out, "loaded %.1f ms\n", toMillis(timings.Duration(pipeline.StageLoad)))
	}
	if timings.Has(pipeline.StageRun) {
		fmt.Fprintf(out, "ran %.1f ms\n", toMillis(timings.Duration(pipeline.StageRun)))
	}
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
