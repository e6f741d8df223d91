// Package semver implements SemVer 2.0 parsing, ordering, and the Forrst
// function version-resolution rules. It is intentionally strict: no "v"
// prefix, no leading zeros in numeric identifiers, build metadata ignored
// for ordering.
package semver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/forrst-proto/forrst/internal/forrsterr"
)

// Version is a parsed, normalized semantic version.
type Version struct {
	Major, Minor, Patch int
	Prerelease          []string // dot-separated identifiers, empty for a stable release
	Build                []string // ignored for precedence, kept for String()
	raw                  string
}

// Stability classifies a version's prerelease tag.
type Stability string

const (
	StabilityStable Stability = "stable"
	StabilityBeta   Stability = "beta"
	StabilityAlpha  Stability = "alpha"
	StabilityRC     Stability = "rc"
)

// Parse parses a strict SemVer 2.0 string. Leading zeros in numeric
// identifiers and a leading "v" are rejected.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("empty version string")
	}
	if strings.HasPrefix(s, "v") || strings.HasPrefix(s, "V") {
		return Version{}, fmt.Errorf("version %q must not have a leading v", s)
	}

	core := s
	var prerelease, build string
	if i := strings.IndexByte(core, '+'); i >= 0 {
		build = core[i+1:]
		core = core[:i]
	}
	if i := strings.IndexByte(core, '-'); i >= 0 {
		prerelease = core[i+1:]
		core = core[:i]
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q must have major.minor.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := parseNumericIdentifier(p)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: %w", s, err)
		}
		nums[i] = n
	}

	var preIDs []string
	if prerelease != "" {
		preIDs = strings.Split(prerelease, ".")
		for _, id := range preIDs {
			if id == "" {
				return Version{}, fmt.Errorf("version %q: empty prerelease identifier", s)
			}
			if isNumeric(id) {
				if _, err := parseNumericIdentifier(id); err != nil {
					return Version{}, fmt.Errorf("version %q: %w", s, err)
				}
			}
		}
	}

	var buildIDs []string
	if build != "" {
		buildIDs = strings.Split(build, ".")
	}

	return Version{
		Major:      nums[0],
		Minor:      nums[1],
		Patch:      nums[2],
		Prerelease: preIDs,
		Build:      buildIDs,
		raw:        s,
	}, nil
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

func parseNumericIdentifier(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty numeric identifier")
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("leading zero in numeric identifier %q", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric identifier %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative numeric identifier %q", s)
	}
	return n, nil
}

// String renders the normalized form. Round-tripping Parse -> String -> Parse
// always yields an equal Version.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if len(v.Prerelease) > 0 {
		s += "-" + strings.Join(v.Prerelease, ".")
	}
	if len(v.Build) > 0 {
		s += "+" + strings.Join(v.Build, ".")
	}
	return s
}

// IsStable reports whether the version has no prerelease tag.
func (v Version) IsStable() bool {
	return len(v.Prerelease) == 0
}

// Stability classifies the version's prerelease tag by its leading identifier.
// A stable version (no prerelease) classifies as StabilityStable.
func (v Version) Stability() Stability {
	if v.IsStable() {
		return StabilityStable
	}
	switch strings.ToLower(v.Prerelease[0]) {
	case "beta":
		return StabilityBeta
	case "alpha":
		return StabilityAlpha
	case "rc":
		return StabilityRC
	default:
		return Stability(strings.ToLower(v.Prerelease[0]))
	}
}

// Compare returns -1, 0, or 1 per standard SemVer 2.0 precedence rules.
// Build metadata is ignored.
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareInt(a.Patch, b.Patch); c != 0 {
		return c
	}
	return comparePrerelease(a.Prerelease, b.Prerelease)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// comparePrerelease implements SemVer 2.0 §11: a version without a
// prerelease has higher precedence than one with a prerelease; otherwise
// identifiers compare left to right, numeric < alphanumeric, and a version
// with fewer prerelease fields (all else equal) has lower precedence.
func comparePrerelease(a, b []string) int {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) == 0 {
		return 1
	}
	if len(b) == 0 {
		return -1
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		c := comparePrereleaseIdentifier(a[i], b[i])
		if c != 0 {
			return c
		}
	}
	return compareInt(len(a), len(b))
}

func comparePrereleaseIdentifier(a, b string) int {
	aNum, aIsNum := tryParseUint(a)
	bNum, bIsNum := tryParseUint(b)
	switch {
	case aIsNum && bIsNum:
		return compareInt(aNum, bNum)
	case aIsNum && !bIsNum:
		return -1
	case !aIsNum && bIsNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func tryParseUint(s string) (int, bool) {
	if !isNumeric(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Less reports whether a sorts before b.
func Less(a, b Version) bool { return Compare(a, b) < 0 }

// Resolve applies the ordered resolution rules: an exact semver
// version string matches exactly; a stability alias (or an absent string,
// treated as "stable") picks the highest-precedence version whose
// stability matches.
func Resolve(spec string, available []Version) (Version, error) {
	if len(available) == 0 {
		return Version{}, forrsterr.New(forrsterr.CodeVersionNotFound, "no versions registered")
	}

	if spec == "" {
		return resolveStability(StabilityStable, available)
	}

	switch Stability(strings.ToLower(spec)) {
	case StabilityStable, StabilityBeta, StabilityAlpha, StabilityRC:
		return resolveStability(Stability(strings.ToLower(spec)), available)
	}

	want, err := Parse(spec)
	if err != nil {
		return Version{}, forrsterr.Newf(forrsterr.CodeVersionNotFound, "invalid version spec %q", spec)
	}
	for _, v := range available {
		if Compare(v, want) == 0 {
			return v, nil
		}
	}
	return Version{}, forrsterr.New(forrsterr.CodeVersionNotFound, "no matching version")
}

func resolveStability(want Stability, available []Version) (Version, error) {
	var best *Version
	for i, v := range available {
		if v.Stability() != want {
			continue
		}
		if best == nil || Less(*best, v) {
			best = &available[i]
		}
	}
	if best == nil {
		return Version{}, forrsterr.Newf(forrsterr.CodeVersionNotFound, "no version with stability %q", want)
	}
	return *best, nil
}
