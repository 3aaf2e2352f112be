package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callobf/internal/image"
	"callobf/internal/image/imagetest"
)

func writeModule(t *testing.T, path string) {
	t.Helper()
	b := imagetest.New("cli")
	b.Main(
		image.LdcI4(6),
		image.LdcI4(7),
		imagetest.Call(b.Ref("System.Math::Max(int32, int32)")),
		imagetest.Call(b.Ref("System.Console::WriteLine(int32)")),
		imagetest.Ret(),
	)
	require.NoError(t, image.WriteFile(path, b.Mod, image.WriteOptions{PreserveTableIndices: true}))
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPromptPath(t *testing.T) {
	var out bytes.Buffer
	path, err := promptPath(strings.NewReader("  \"C:\\tmp\\app.exe\"\r\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, `C:\tmp\app.exe`, path)
	assert.Equal(t, "[Path]: ", out.String())

	path, err = promptPath(strings.NewReader("no-newline.dll"), &out)
	require.NoError(t, err)
	assert.Equal(t, "no-newline.dll", path)

	_, err = promptPath(strings.NewReader("\n"), &out)
	assert.Error(t, err)
}

func TestCommonDir(t *testing.T) {
	sep := string(filepath.Separator)
	assert.Equal(t, "a", commonDir([]string{"a/b/x.exe", "a/c/y.exe"}))
	assert.Equal(t, filepath.Join("a", "b"), commonDir([]string{"a/b/x.exe", "a/b/c/y.exe"}))
	assert.Equal(t, ".", commonDir([]string{"x.exe", "sub/y.exe"}))
	assert.Equal(t, sep, commonDir([]string{sep + "p" + sep + "x.exe", sep + "q" + sep + "y.exe"}))
	assert.Empty(t, commonDir(nil))
}

func TestReadUIMode(t *testing.T) {
	mode, err := readUIMode(" ON ")
	require.NoError(t, err)
	assert.Equal(t, uiModeOn, mode)
	mode, err = readUIMode("")
	require.NoError(t, err)
	assert.Equal(t, uiModeAuto, mode)
	_, err = readUIMode("sometimes")
	assert.Error(t, err)
	assert.False(t, shouldUseTUI(uiModeOff, 5))
	assert.True(t, shouldUseTUI(uiModeOn, 1))
}

func TestCLI_ObfuscateThenRun(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "app.exe")
	writeModule(t, input)

	out, err := execute(t, input+"\n", "--color", "off", "--ui", "off", "--seed", "5")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[Path]: ")
	assert.Contains(t, out, "2/2 call sites indirected")

	output := filepath.Join(dir, "app-CallObfuscated.exe")
	require.FileExists(t, output)

	out, err = execute(t, "", "run", output)
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)

	out, err = execute(t, "", "dump", output)
	require.NoError(t, err)
	assert.Contains(t, out, "calli")
	assert.Contains(t, out, ".cctor")
}

func TestCLI_ConfigMarker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("[output]\nmarker = \"-Hidden\"\n"), 0o600))
	sub := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(sub, 0o750))
	input := filepath.Join(sub, "lib.dll")
	writeModule(t, input)

	_, err := execute(t, "", "obfuscate", "--quiet", "--ui", "off", input)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(sub, "lib-Hidden.dll"))
}
