package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"callobf/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <path>",
	Short: "Interpret a module image",
	Long: `Load a module image and execute it from its entry point. The module
initializer runs first, so obfuscated images fill their pointer table before
any rewritten call executes.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecution,
}

func init() {
	runCmd.Flags().String("entry", "", "method to start from, as Namespace.Type::Method")
	runCmd.Flags().Int("max-steps", 0, "instruction budget (0 = default)")
}

func runExecution(cmd *cobra.Command, args []string) error {
	entry, err := cmd.Flags().GetString("entry")
	if err != nil {
		return fmt.Errorf("failed to get entry flag: %w", err)
	}
	maxSteps, err := cmd.Flags().GetInt("max-steps")
	if err != nil {
		return fmt.Errorf("failed to get max-steps flag: %w", err)
	}

	cfg, err := loadConfigFor(cmd, args[0])
	if err != nil {
		return err
	}
	cleanup, err := setupTracing(cmd, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	libPaths, err := cmd.Root().PersistentFlags().GetStringSlice("lib")
	if err != nil {
		return err
	}
	if cfg != nil {
		libPaths = append(append([]string(nil), cfg.Config.Libraries.Paths...), libPaths...)
	}
	libs, err := pipeline.LoadLibraries(libPaths)
	if err != nil {
		return err
	}

	res, err := pipeline.Run(cmd.Context(), &pipeline.RunRequest{
		Path:      args[0],
		Entry:     entry,
		Libraries: libs,
		Stdout:    cmd.OutOrStdout(),
		MaxSteps:  maxSteps,
	})
	if err != nil {
		return err
	}

	showTimings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return err
	}
	if showTimings {
		printRunTimings(cmd.ErrOrStderr(), res.Timings)
	}
	if res.ExitCode != 0 {
		return exitCodeError{code: res.ExitCode}
	}
	return nil
}
