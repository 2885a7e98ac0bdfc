// Package spdx recognises SPDX license identifiers and builds the comparison
// keys used when matching report licenses against license policies.
package spdx

import (
	"strings"
	"sync"

	"github.com/google/licensecheck"
)

var (
	loadOnce   sync.Once
	identifier map[string]string // lower-case ID -> canonical ID
)

func load() {
	builtin := licensecheck.BuiltinLicenses()
	identifier = make(map[string]string, len(builtin))
	for _, l := range builtin {
		if l.ID == "" {
			continue
		}
		identifier[strings.ToLower(l.ID)] = l.ID
	}
}

// Canonical returns the canonical spelling of s if it is a known SPDX
// identifier. Matching is case-insensitive.
func Canonical(s string) (string, bool) {
	loadOnce.Do(load)
	id, ok := identifier[strings.ToLower(strings.TrimSpace(s))]
	return id, ok
}

// IsIdentifier reports whether s is a known SPDX identifier.
func IsIdentifier(s string) bool {
	_, ok := Canonical(s)
	return ok
}

// Key returns the comparison key of a license identifier or name. Identifiers
// and names share one key space: both are trimmed and lower-cased, so "MIT"
// declared as a name still matches the identifier "mit".
func Key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
