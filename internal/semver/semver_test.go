package semver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/semver"
)

// --- Parse ---

func TestParse_ValidStable(t *testing.T) {
	v, err := semver.Parse("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Major)
	assert.Equal(t, 2, v.Minor)
	assert.Equal(t, 3, v.Patch)
	assert.True(t, v.IsStable())
}

func TestParse_ValidPrerelease(t *testing.T) {
	v, err := semver.Parse("2.0.0-beta.1")
	require.NoError(t, err)
	assert.False(t, v.IsStable())
	assert.Equal(t, semver.StabilityBeta, v.Stability())
}

func TestParse_ValidBuildMetadata(t *testing.T) {
	v, err := semver.Parse("1.0.0+build.5")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0+build.5", v.String())
}

func TestParse_RejectsLeadingV(t *testing.T) {
	_, err := semver.Parse("v1.0.0")
	assert.Error(t, err)
}

func TestParse_RejectsLeadingZero(t *testing.T) {
	_, err := semver.Parse("1.02.0")
	assert.Error(t, err)
}

func TestParse_RejectsEmptyString(t *testing.T) {
	_, err := semver.Parse("")
	assert.Error(t, err)
}

func TestParse_RejectsWrongArity(t *testing.T) {
	_, err := semver.Parse("1.2")
	assert.Error(t, err)
}

func TestParse_RejectsEmptyPrereleaseIdentifier(t *testing.T) {
	_, err := semver.Parse("1.0.0-.")
	assert.Error(t, err)
}

func TestParse_RoundTripsThroughString(t *testing.T) {
	for _, s := range []string{"1.2.3", "2.0.0-rc.1", "1.0.0-alpha+001", "0.0.1"} {
		v, err := semver.Parse(s)
		require.NoError(t, err)
		v2, err := semver.Parse(v.String())
		require.NoError(t, err)
		assert.Equal(t, 0, semver.Compare(v, v2))
	}
}

// --- Stability ---

func TestStability_ClassifiesKnownTags(t *testing.T) {
	cases := map[string]semver.Stability{
		"1.0.0-alpha.1": semver.StabilityAlpha,
		"1.0.0-beta.2":  semver.StabilityBeta,
		"1.0.0-rc.1":    semver.StabilityRC,
		"1.0.0":         semver.StabilityStable,
	}
	for s, want := range cases {
		v, err := semver.Parse(s)
		require.NoError(t, err)
		assert.Equal(t, want, v.Stability(), s)
	}
}

func TestStability_CustomPrereleaseTagIsItsOwnStability(t *testing.T) {
	v, err := semver.Parse("1.0.0-nightly.1")
	require.NoError(t, err)
	assert.Equal(t, semver.Stability("nightly"), v.Stability())
}

// --- Compare / Less ---

func TestCompare_OrdersMajorMinorPatch(t *testing.T) {
	a := mustParse(t, "1.2.3")
	b := mustParse(t, "1.2.4")
	assert.Equal(t, -1, semver.Compare(a, b))
	assert.Equal(t, 1, semver.Compare(b, a))
	assert.Equal(t, 0, semver.Compare(a, a))
}

func TestCompare_StableOutranksPrerelease(t *testing.T) {
	stable := mustParse(t, "1.0.0")
	pre := mustParse(t, "1.0.0-rc.1")
	assert.True(t, semver.Less(pre, stable))
}

func TestCompare_PrereleaseNumericIdentifiersCompareNumerically(t *testing.T) {
	a := mustParse(t, "1.0.0-alpha.2")
	b := mustParse(t, "1.0.0-alpha.10")
	assert.True(t, semver.Less(a, b), "alpha.2 should precede alpha.10 numerically")
}

func TestCompare_FewerPrereleaseFieldsIsLowerPrecedence(t *testing.T) {
	a := mustParse(t, "1.0.0-alpha")
	b := mustParse(t, "1.0.0-alpha.1")
	assert.True(t, semver.Less(a, b))
}

func TestCompare_BuildMetadataIgnored(t *testing.T) {
	a := mustParse(t, "1.0.0+build.1")
	b := mustParse(t, "1.0.0+build.2")
	assert.Equal(t, 0, semver.Compare(a, b))
}

// --- Resolve ---

func TestResolve_ExactVersionMatch(t *testing.T) {
	available := mustParseAll(t, "1.0.0", "1.1.0", "2.0.0")
	got, err := semver.Resolve("1.1.0", available)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", got.String())
}

func TestResolve_EmptySpecDefaultsToStable(t *testing.T) {
	available := mustParseAll(t, "1.0.0", "2.0.0-beta.1")
	got, err := semver.Resolve("", available)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.String())
}

func TestResolve_StabilityAliasPicksHighestMatchingPrecedence(t *testing.T) {
	available := mustParseAll(t, "1.0.0-beta.1", "1.0.0-beta.3", "1.0.0-beta.2")
	got, err := semver.Resolve("beta", available)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0-beta.3", got.String())
}

func TestResolve_NoMatchingStabilityReturnsVersionNotFound(t *testing.T) {
	available := mustParseAll(t, "1.0.0")
	_, err := semver.Resolve("alpha", available)
	require.Error(t, err)
	var fe *forrsterr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, forrsterr.CodeVersionNotFound, fe.Code)
}

func TestResolve_UnknownExactVersionReturnsVersionNotFound(t *testing.T) {
	available := mustParseAll(t, "1.0.0")
	_, err := semver.Resolve("9.9.9", available)
	require.Error(t, err)
	var fe *forrsterr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, forrsterr.CodeVersionNotFound, fe.Code)
}

func TestResolve_NoVersionsRegistered(t *testing.T) {
	_, err := semver.Resolve("1.0.0", nil)
	require.Error(t, err)
	var fe *forrsterr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, forrsterr.CodeVersionNotFound, fe.Code)
}

func TestResolve_MalformedSpecReturnsVersionNotFound(t *testing.T) {
	available := mustParseAll(t, "1.0.0")
	_, err := semver.Resolve("not-a-version", available)
	require.Error(t, err)
	var fe *forrsterr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, forrsterr.CodeVersionNotFound, fe.Code)
}

func mustParse(t *testing.T, s string) semver.Version {
	t.Helper()
	v, err := semver.Parse(s)
	require.NoError(t, err)
	return v
}

func mustParseAll(t *testing.T, ss ...string) []semver.Version {
	t.Helper()
	out := make([]semver.Version, len(ss))
	for i, s := range ss {
		out[i] = mustParse(t, s)
	}
	return out
}
