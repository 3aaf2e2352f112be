// Package pipeline drives the obfuscation pass over input files and reports
// per-file progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"callobf/internal/corlib"
	"callobf/internal/image"
	"callobf/internal/obfuscate"
	"callobf/internal/trace"
)

// Request configures a batch run.
type Request struct {
	Files   []string
	BaseDir string
	// Marker is inserted into each output name. Empty means DefaultMarker.
	Marker string
	// Jobs bounds the number of files processed at once. 0 means GOMAXPROCS.
	Jobs      int
	Libraries []*image.Module
	Progress  ProgressSink
	// Seed makes runs reproducible when non-zero.
	Seed uint64
}

// FileResult describes the outcome for one input.
type FileResult struct {
	Input   string
	Output  string
	Report  *obfuscate.Report
	Timings Timings
	Err     error
}

// Result collects every file outcome in input order.
type Result struct {
	Files   []FileResult
	Elapsed time.Duration
}

// Failed returns the results that carry an error.
func (r Result) Failed() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

// Obfuscate processes every requested file. Each module is handled by one
// goroutine; files run concurrently up to Jobs. A failing file does not stop
// the others; the returned error joins all failures.
func Obfuscate(ctx context.Context, req *Request) (Result, error) {
	var result Result
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return result, fmt.Errorf("missing obfuscate request")
	}
	if len(req.Files) == 0 {
		return result, fmt.Errorf("no input files")
	}
	started := time.Now()
	display := normalizeProgressFiles(req.Files, req.BaseDir)
	sink := req.Progress
	if sink != nil {
		sink = &LockedSink{Sink: sink}
	}
	emitQueued(sink, displayNames(req.Files, display))

	jobs := req.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	result.Files = make([]FileResult, len(req.Files))

	tracer := trace.FromContext(ctx)
	batch := trace.Begin(tracer, trace.ScopeDriver, "batch", trace.CurrentSpan(ctx).SpanID)
	defer batch.End("")
	ctx = trace.Within(ctx, batch)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, len(req.Files)))
	for i, path := range req.Files {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				result.Files[i] = FileResult{Input: path, Err: gctx.Err()}
				return gctx.Err()
			default:
			}
			// Index i is unique per goroutine.
			result.Files[i] = obfuscateFile(gctx, req, sink, path, display[path], i)
			return nil
		})
	}
	waitErr := g.Wait()
	result.Elapsed = time.Since(started)

	var errs []error
	for _, f := range result.Files {
		if f.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Input, f.Err))
		}
	}
	if len(errs) == 0 && waitErr != nil {
		errs = append(errs, waitErr)
	}
	status := StatusDone
	err := errors.Join(errs...)
	if err != nil {
		status = StatusError
	}
	emitStage(sink, nil, StageWrite, status, err, result.Elapsed)
	return result, err
}

func obfuscateFile(ctx context.Context, req *Request, sink ProgressSink, path, name string, index int) FileResult {
	res := FileResult{Input: path}
	span := trace.Begin(trace.FromContext(ctx), trace.ScopeDriver, "file:"+name, trace.CurrentSpan(ctx).SpanID)
	defer func() {
		if res.Err != nil {
			span.End(res.Err.Error())
			return
		}
		span.End("")
	}()
	ctx = trace.Within(ctx, span)

	out, err := OutputPath(path, req.Marker)
	if err != nil {
		res.Err = err
		emitFile(sink, name, StageLoad, StatusError, err, 0)
		return res
	}
	res.Output = out

	stage := func(st Stage, fn func() error) error {
		emitFile(sink, name, st, StatusWorking, nil, 0)
		start := time.Now()
		err := fn()
		res.Timings.Set(st, time.Since(start))
		if err != nil {
			emitFile(sink, name, st, StatusError, err, res.Timings.Duration(st))
		}
		return err
	}

	var mod *image.Module
	if res.Err = stage(StageLoad, func() (err error) {
		mod, err = image.ReadFile(path)
		return err
	}); res.Err != nil {
		return res
	}

	resolver := NewResolver(req.Libraries)
	if res.Err = stage(StageObfuscate, func() (err error) {
		res.Report, err = obfuscate.Run(ctx, mod, resolver, obfuscate.Options{Rand: fileRand(req.Seed, index)})
		return err
	}); res.Err != nil {
		return res
	}

	if res.Err = stage(StageValidate, func() error {
		return image.Validate(mod)
	}); res.Err != nil {
		return res
	}

	// Obfuscated slots hold raw tokens, so rows must keep their rids.
	if res.Err = stage(StageWrite, func() error {
		return image.WriteFile(out, mod, image.WriteOptions{PreserveTableIndices: true})
	}); res.Err != nil {
		return res
	}
	emitFile(sink, name, StageWrite, StatusDone, nil, res.Timings.Sum(StageLoad, StageObfuscate, StageValidate, StageWrite))
	return res
}

// NewResolver returns a resolver over the built-in core library and libs.
// Each call builds a fresh core library so concurrent runs share nothing mutable.
func NewResolver(libs []*image.Module) *image.Resolver {
	res := image.NewResolver(corlib.New())
	for _, lib := range libs {
		res.AddLibrary(lib)
	}
	return res
}

// LoadLibraries decodes extra library images.
func LoadLibraries(paths []string) ([]*image.Module, error) {
	libs := make([]*image.Module, 0, len(paths))
	for _, p := range paths {
		lib, err := image.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("load library: %w", err)
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

func fileRand(seed uint64, index int) obfuscate.RandSource {
	if seed == 0 {
		return nil
	}
	return rand.New(rand.NewPCG(seed, uint64(index)))
}

func displayNames(files []string, display map[string]string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, display[f])
	}
	return out
}
