package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const configFileName = "callobf.toml"

// fileConfig mirrors callobf.toml. Every section is optional.
type fileConfig struct {
	Output    outputConfig    `toml:"output"`
	Trace     traceConfig     `toml:"trace"`
	Run       runConfig       `toml:"run"`
	Libraries librariesConfig `toml:"libraries"`
}

type outputConfig struct {
	Marker string `toml:"marker"`
}

type traceConfig struct {
	Level  string `toml:"level"`
	Mode   string `toml:"mode"`
	Output string `toml:"output"`
}

type runConfig struct {
	Jobs int    `toml:"jobs"`
	Seed uint64 `toml:"seed"`
}

type librariesConfig struct {
	Paths []string `toml:"paths"`
}

type loadedConfig struct {
	Path   string
	Root   string
	Config fileConfig
	meta   toml.MetaData
}

// defined reports whether the file set key, e.g. "output", "marker".
func (c *loadedConfig) defined(key ...string) bool {
	return c != nil && c.meta.IsDefined(key...)
}

func findConfig(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// loadConfig reads explicit when set, otherwise the nearest callobf.toml
// above startDir. A missing file yields nil without error.
func loadConfig(explicit, startDir string) (*loadedConfig, error) {
	path := explicit
	if path == "" {
		found, ok, err := findConfig(startDir)
		if err != nil || !ok {
			return nil, err
		}
		path = found
	}
	var cfg fileConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	if cfg.Run.Jobs < 0 {
		return nil, fmt.Errorf("%s: [run].jobs must not be negative", path)
	}
	root := filepath.Dir(path)
	for i, lib := range cfg.Libraries.Paths {
		if !filepath.IsAbs(lib) {
			cfg.Libraries.Paths[i] = filepath.Join(root, lib)
		}
	}
	return &loadedConfig{Path: path, Root: root, Config: cfg, meta: meta}, nil
}
