package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirHonorsAppDataEnvOverride(t *testing.T) {
	t.Setenv(appDataEnvOverride, "/tmp/custom-mnesis-dir")

	dir, err := Dir()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-mnesis-dir", dir)
}

func TestPathJoinsConfigYAML(t *testing.T) {
	t.Setenv(appDataEnvOverride, "/tmp/custom-mnesis-dir")

	path, err := Path()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-mnesis-dir/config.yaml", path)
}
