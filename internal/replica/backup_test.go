package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupPolicy_Name(t *testing.T) {
	tests := []struct {
		policy BackupPolicy
		path   string
		n      int
		want   string
	}{
		{BackupSuffix, "x.txt", 1, "x.backup1.txt"},
		{BackupSuffix, "a/b/report.tar.gz", 2, "a/b/report.tar.backup2.gz"},
		{BackupSuffix, "Makefile", 1, "Makefile.backup1"},
		{RemoteSuffix, "docs/x.txt", 3, "docs/x.remote3.txt"},
		{BackupSuffix, ".profile", 1, ".profile.backup1"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Name(tt.path, tt.n))
		})
	}
}

func TestBackupPolicy_NextPicksSmallestUnused(t *testing.T) {
	taken := map[string]bool{
		"x.backup1.txt": true,
		"x.backup2.txt": true,
		"x.backup4.txt": true,
	}

	next, err := BackupSuffix.Next("x.txt", func(p string) bool { return taken[p] })
	require.NoError(t, err)
	assert.Equal(t, "x.backup3.txt", next)
}

func TestParseBackupPolicy(t *testing.T) {
	p, err := ParseBackupPolicy("")
	require.NoError(t, err)
	assert.Equal(t, BackupSuffix, p)

	p, err = ParseBackupPolicy("remote")
	require.NoError(t, err)
	assert.Equal(t, RemoteSuffix, p)

	_, err = ParseBackupPolicy("conflict")
	assert.Error(t, err)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "", ParentPath("a.txt"))
	assert.Equal(t, "a/b", ParentPath("a/b/c.txt"))
	assert.Equal(t, 0, Depth(""))
	assert.Equal(t, 3, Depth("a/b/c.txt"))
	assert.True(t, IsHidden("a/.git/config"))
	assert.False(t, IsHidden("a/b.txt"))
	assert.True(t, IsUnder("a/b", "a"))
	assert.False(t, IsUnder("ab/c", "a"))
	assert.True(t, IsUnder("x", ""))
}

func TestErrors(t *testing.T) {
	err := Exists("x.txt", Item{NodeID: "n1", Path: "x.txt"})
	assert.True(t, IsConstraint(err, TargetExists))
	assert.False(t, IsConstraint(err, NoParent))
	assert.EqualError(t, Constraint(ZeroSize, "e.txt"), "constraint zero-size: e.txt")

	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	require.NotNil(t, ce.Existing)
	assert.Equal(t, "n1", ce.Existing.NodeID)

	te := &TransportError{Op: "upload", Path: "a", Err: ErrNotFound}
	assert.ErrorIs(t, te, ErrNotFound)
}
