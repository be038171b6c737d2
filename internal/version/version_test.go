package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionStrings(t *testing.T) {
	assert.Equal(t, "TreeSync", AppName)
	assert.Contains(t, Short(), Version)
	assert.Contains(t, Short(), Revision)
	assert.True(t, strings.HasPrefix(ShortWithApp(), "TreeSync "))

	detailed := Detailed()
	assert.Contains(t, detailed, Version)
	assert.Contains(t, detailed, BuildDate)
	assert.Contains(t, detailed, "/")
	assert.True(t, strings.HasPrefix(DetailedWithApp(), "TreeSync "))
}

func TestApplyBuildInfo(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})

	settings := map[string]string{
		"vcs.revision": "abcdef1234567890",
		"vcs.modified": "true",
		"vcs.time":     "2026-03-01T10:00:00Z",
	}

	Version, Revision, BuildDate = devVersion, "HEAD", ""
	applyBuildInfo("v1.4.0", settings)
	assert.Equal(t, "1.4.0", Version)
	assert.Equal(t, "abcdef1234567890-dirty", Revision)
	assert.Equal(t, "2026-03-01T10:00:00Z", BuildDate)

	Version, Revision, BuildDate = devVersion, "HEAD", ""
	applyBuildInfo("(devel)", map[string]string{})
	assert.Equal(t, devVersion, Version)
	assert.Equal(t, "HEAD", Revision)

	// ldflags win
	Version, Revision, BuildDate = "2.0.0", "deadbeef", "from-ldflags"
	applyBuildInfo("v1.4.0", settings)
	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "deadbeef", Revision)
	assert.Equal(t, "from-ldflags", BuildDate)
}
