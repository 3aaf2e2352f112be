package pipeline

import "fmt"

// DefaultMarker is inserted into output file names.
const DefaultMarker = "-CallObfuscated"

// extensionWidth is how many trailing characters the marker goes before.
const extensionWidth = 4

// OutputPath inserts marker before the last four characters of input, so
// "app.exe" becomes "app-CallObfuscated.exe". The rule is positional and does
// not inspect the extension.
func OutputPath(input, marker string) (string, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	if len(input) < extensionWidth {
		return "", fmt.Errorf("input path %q is shorter than %d characters", input, extensionWidth)
	}
	cut := len(input) - extensionWidth
	return input[:cut] + marker + input[cut:], nil
}
