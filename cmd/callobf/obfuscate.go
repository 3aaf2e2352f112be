package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"callobf/internal/observ"
	"callobf/internal/pipeline"
)

const pathPrompt = "[Path]: "

var obfuscateCmd = &cobra.Command{
	Use:   "obfuscate [paths...]",
	Short: "Rewrite module images so their calls go through a pointer table",
	Long: `Rewrite each module image and write the result next to it, with the
output marker inserted before the last four characters of the name.
Without arguments a single path is read from standard input.`,
	Args: cobra.ArbitraryArgs,
	RunE: runObfuscate,
}

func init() {
	addObfuscateFlags(obfuscateCmd)
}

func addObfuscateFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("jobs", "j", 0, "files processed at once (0 = GOMAXPROCS)")
	cmd.Flags().String("ui", "auto", "progress view (auto|on|off)")
	cmd.Flags().String("marker", pipeline.DefaultMarker, "text inserted into output names")
	cmd.Flags().Uint64("seed", 0, "seed for reproducible output (0 = random)")
}

// obfuscateSettings are the effective options after flags and callobf.toml merge.
type obfuscateSettings struct {
	marker string
	jobs   int
	seed   uint64
	libs   []string
}

func runObfuscate(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		path, err := promptPath(cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		paths = []string{path}
	}

	timer := observ.NewTimer()
	phase := timer.Begin("config")
	cfg, err := loadConfigFor(cmd, paths[0])
	if err != nil {
		return err
	}
	settings, err := resolveObfuscateSettings(cmd, cfg)
	if err != nil {
		return err
	}
	timer.End(phase, configNote(cfg))

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

	uiFlag, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	mode, err := readUIMode(uiFlag)
	if err != nil {
		return err
	}
	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return err
	}
	showTimings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return err
	}

	phase = timer.Begin("libraries")
	libs, err := pipeline.LoadLibraries(settings.libs)
	if err != nil {
		return err
	}
	timer.End(phase, fmt.Sprintf("%d loaded", len(libs)))

	req := &pipeline.Request{
		Files:     paths,
		BaseDir:   commonDir(paths),
		Marker:    settings.marker,
		Jobs:      settings.jobs,
		Libraries: libs,
		Seed:      settings.seed,
	}

	phase = timer.Begin("obfuscate")
	var res pipeline.Result
	if !quiet && shouldUseTUI(mode, len(paths)) {
		res, err = runObfuscateWithUI(cmd.Context(), "obfuscating", req)
	} else {
		res, err = pipeline.Obfuscate(cmd.Context(), req)
	}
	timer.End(phase, fmt.Sprintf("%d files", len(paths)))

	out := cmd.OutOrStdout()
	if !quiet {
		printResults(out, res)
	}
	if showTimings {
		for _, f := range res.Files {
			recordFileTimings(timer, f)
		}
		fmt.Fprint(out, timer.Summary())
	}
	return err
}

// promptPath asks for a single input path on in.
func promptPath(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, pathPrompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read path: %w", err)
	}
	path := strings.Trim(strings.TrimSpace(line), `"`)
	if path == "" {
		return "", errors.New("no input path given")
	}
	return path, nil
}

func loadConfigFor(cmd *cobra.Command, input string) (*loadedConfig, error) {
	explicit, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, err
	}
	return loadConfig(explicit, filepath.Dir(input))
}

func resolveObfuscateSettings(cmd *cobra.Command, cfg *loadedConfig) (obfuscateSettings, error) {
	flags := cmd.Flags()
	var s obfuscateSettings
	var err error
	if s.marker, err = flags.GetString("marker"); err != nil {
		return s, err
	}
	if s.jobs, err = flags.GetInt("jobs"); err != nil {
		return s, err
	}
	if s.seed, err = flags.GetUint64("seed"); err != nil {
		return s, err
	}
	if s.libs, err = cmd.Root().PersistentFlags().GetStringSlice("lib"); err != nil {
		return s, err
	}
	if cfg != nil {
		if !flags.Changed("marker") && cfg.defined("output", "marker") {
			s.marker = cfg.Config.Output.Marker
		}
		if !flags.Changed("jobs") && cfg.defined("run", "jobs") {
			s.jobs = cfg.Config.Run.Jobs
		}
		if !flags.Changed("seed") && cfg.defined("run", "seed") {
			s.seed = cfg.Config.Run.Seed
		}
		s.libs = append(append([]string(nil), cfg.Config.Libraries.Paths...), s.libs...)
	}
	if s.marker == "" {
		return s, errors.New("output marker must not be empty")
	}
	if s.jobs < 0 {
		return s, fmt.Errorf("--jobs must not be negative, got %d", s.jobs)
	}
	return s, nil
}

func configNote(cfg *loadedConfig) string {
	if cfg == nil {
		return "defaults"
	}
	return cfg.Path
}

// commonDir returns the deepest directory containing every path.
func commonDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	dir := filepath.Dir(filepath.Clean(paths[0]))
	for _, p := range paths[1:] {
		d := filepath.Dir(filepath.Clean(p))
		for dir != d && !strings.HasPrefix(d, dir+string(filepath.Separator)) {
			parent := filepath.Dir(dir)
			if parent == dir {
				return dir
			}
			dir = parent
		}
	}
	return dir
}

func printResults(out io.Writer, res pipeline.Result) {
	ok := color.New(color.FgGreen, color.Bold)
	fail := color.New(color.FgRed, color.Bold)
	for _, f := range res.Files {
		if f.Err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", fail.Sprint("failed"), f.Input, f.Err)
			continue
		}
		fmt.Fprintf(out, "%s %s -> %s\n", ok.Sprint("wrote"), f.Input, f.Output)
		if f.Report != nil {
			fmt.Fprintf(out, "       %s\n", f.Report)
		}
	}
}
