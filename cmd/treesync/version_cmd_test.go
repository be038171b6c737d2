package main

import (
	"strings"
	"testing"

	"github.com/openmined/treesync/internal/version"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, newTestRoot(newVersionCmd()), "version")
	require.NoError(t, err)
	require.Equal(t, version.DetailedWithApp(), strings.TrimSpace(out))

	out, err = execute(t, newTestRoot(newVersionCmd()), "version", "--short")
	require.NoError(t, err)
	require.Equal(t, version.ShortWithApp(), strings.TrimSpace(out))
}
