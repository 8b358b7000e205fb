package ota

import (
	"fmt"

	"github.com/blang/semver"
)

// NeedsUpdate reports whether latest is strictly newer than current. Both
// are parsed leniently, so "v1.4" and "1.4.0" compare equal.
func NeedsUpdate(current, latest string) (bool, error) {
	cur, err := semver.ParseTolerant(current)
	if err != nil {
		return false, fmt.Errorf("ota: parse current version %q: %w", current, err)
	}
	next, err := semver.ParseTolerant(latest)
	if err != nil {
		return false, fmt.Errorf("ota: parse latest version %q: %w", latest, err)
	}
	return next.GT(cur), nil
}
