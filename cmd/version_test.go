package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hlmrf/hlmrf/internal/build"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer

	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "hlmrf version "+build.Version)
}
