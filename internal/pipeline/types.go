package pipeline

import "time"

// Stage is one step a file goes through.
type Stage string

const (
	StageLoad      Stage = "load"      // read and decode the image
	StageObfuscate Stage = "obfuscate" // indirect call sites
	StageValidate  Stage = "validate"  // re-check rewritten bodies
	StageWrite     Stage = "write"     // encode next to the input
	StageRun       Stage = "run"       // interpret an entry point
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageLoad, StageObfuscate, StageValidate, StageWrite, StageRun}

// Status is where a file stands within a stage.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusWorking Status = "working"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Event reports progress for File, or for the whole batch when File is empty.
type Event struct {
	File    string
	Stage   Stage
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events.
type ProgressSink interface {
	OnEvent(Event)
}

// Timings records how long each finished stage took. The zero value is empty.
type Timings map[Stage]time.Duration

// Set records dur for stage, allocating on first use.
func (t *Timings) Set(stage Stage, dur time.Duration) {
	if *t == nil {
		*t = make(Timings, len(Stages))
	}
	(*t)[stage] = dur
}

func (t Timings) Has(stage Stage) bool {
	_, ok := t[stage]
	return ok
}

func (t Timings) Duration(stage Stage) time.Duration { return t[stage] }

// Sum adds up the given stages; missing ones count as zero.
func (t Timings) Sum(stages ...Stage) time.Duration {
	var total time.Duration
	for _, s := range stages {
		total += t[s]
	}
	return total
}
