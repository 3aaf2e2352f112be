package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"callobf/internal/trace"
)

// traceFlag returns a persistent string flag, or the [trace] key from
// callobf.toml when the flag was left at its default.
func traceFlag(pf *pflag.FlagSet, cfg *loadedConfig, flag, key, fromFile string) (string, error) {
	v, err := pf.GetString(flag)
	if err != nil {
		return "", fmt.Errorf("read --%s: %w", flag, err)
	}
	if cfg != nil && !pf.Changed(flag) && cfg.defined("trace", key) {
		return fromFile, nil
	}
	return v, nil
}

// setupTracing attaches the configured tracer to the command context. The
// returned cleanup stops the heartbeat, then flushes and closes the tracer.
func setupTracing(cmd *cobra.Command, cfg *loadedConfig) (func(), error) {
	pf := cmd.Root().PersistentFlags()
	var fileCfg traceConfig
	if cfg != nil {
		fileCfg = cfg.Config.Trace
	}

	output, err := traceFlag(pf, cfg, "trace", "output", fileCfg.Output)
	if err != nil {
		return nil, err
	}
	levelName, err := traceFlag(pf, cfg, "trace-level", "level", fileCfg.Level)
	if err != nil {
		return nil, err
	}
	modeName, err := traceFlag(pf, cfg, "trace-mode", "mode", fileCfg.Mode)
	if err != nil {
		return nil, err
	}
	ringSize, err := pf.GetInt("trace-ring-size")
	if err != nil {
		return nil, fmt.Errorf("read --trace-ring-size: %w", err)
	}
	interval, err := pf.GetDuration("trace-heartbeat")
	if err != nil {
		return nil, fmt.Errorf("read --trace-heartbeat: %w", err)
	}

	level, err := trace.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	if level == trace.LevelOff {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return func() {}, nil
	}
	mode, err := trace.ParseMode(modeName)
	if err != nil {
		return nil, err
	}

	tracer, err := trace.New(trace.Config{
		Level:      level,
		Mode:       mode,
		OutputPath: output,
		RingSize:   ringSize,
		Heartbeat:  interval,
	})
	if err != nil {
		return nil, err
	}
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))
	beat := trace.StartHeartbeat(tracer, interval)

	return func() {
		beat.Stop()
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close: %v\n", err)
		}
	}, nil
}
