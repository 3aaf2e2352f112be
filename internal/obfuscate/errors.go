package obfuscate

import "errors"

var (
	// ErrResolution reports a well-known runtime method missing from the core library.
	ErrResolution = errors.New("runtime method resolution failed")
	// ErrNoInitializer reports a module initializer that cannot carry IL.
	ErrNoInitializer = errors.New("module initializer cannot be patched")
)
