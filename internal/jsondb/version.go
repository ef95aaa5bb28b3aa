package jsondb

import (
	"strings"

	"golang.org/x/mod/semver"
)

// CompareLexical orders schema versions as plain strings.
func CompareLexical(a, b string) int {
	return strings.Compare(a, b)
}

// CompareSemver orders schema versions as semantic versions. The leading "v"
// is optional. Invalid versions sort before valid ones.
func CompareSemver(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
