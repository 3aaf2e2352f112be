// Package fuzztests houses Go fuzz harnesses for the untrusted-input edges of
// callobf: image decoding, IL disassembly and the constant obfuscator. The
// goal is to guard against panics and broken round trips on arbitrary input.
package fuzztests
