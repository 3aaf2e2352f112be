package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"callobf/internal/image"
	"callobf/internal/trace"
	"callobf/internal/vm"
)

// RunRequest configures interpretation of one image.
type RunRequest struct {
	Path string
	// Entry overrides the module entry point, as "NS.Type::Method".
	Entry     string
	Libraries []*image.Module
	Stdout    io.Writer
	MaxSteps  int
	Progress  ProgressSink
}

// RunResult reports how an interpreted program ended.
type RunResult struct {
	ExitCode int
	Timings  Timings
}

// Run loads the image at req.Path and interprets it from its entry point.
func Run(ctx context.Context, req *RunRequest) (RunResult, error) {
	var result RunResult
	if req == nil {
		return result, fmt.Errorf("missing run request")
	}
	files := []string{req.Path}
	emitQueued(req.Progress, files)

	start := time.Now()
	emitStage(req.Progress, files, StageLoad, StatusWorking, nil, 0)
	mod, err := image.ReadFile(req.Path)
	result.Timings.Set(StageLoad, time.Since(start))
	if err != nil {
		emitStage(req.Progress, files, StageLoad, StatusError, err, 0)
		return result, err
	}

	entry := mod.EntryPoint
	if req.Entry != "" {
		md, ok := mod.FindMethod(req.Entry)
		if !ok {
			err = fmt.Errorf("entry %s not found in %s", req.Entry, mod.Name)
			emitStage(req.Progress, files, StageRun, StatusError, err, 0)
			return result, err
		}
		entry = md
	}
	if entry == nil {
		err = fmt.Errorf("%s has no entry point", mod.Name)
		emitStage(req.Progress, files, StageRun, StatusError, err, 0)
		return result, err
	}

	start = time.Now()
	emitStage(req.Progress, files, StageRun, StatusWorking, nil, 0)
	machine := vm.New(mod, NewResolver(req.Libraries), vm.Options{
		Stdout:   req.Stdout,
		MaxSteps: req.MaxSteps,
		Tracer:   trace.FromContext(ctx),
	})
	err = machine.RunMethod(entry)
	result.Timings.Set(StageRun, time.Since(start))
	result.ExitCode = machine.ExitCode
	if err != nil {
		emitStage(req.Progress, files, StageRun, StatusError, err, result.Timings.Duration(StageRun))
		return result, err
	}
	emitStage(req.Progress, files, StageRun, StatusDone, nil, result.Timings.Duration(StageRun))
	return result, nil
}
