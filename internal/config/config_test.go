package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, int64(5*1024*1024), cfg.ReadMaxFragmentSize)
	assert.Equal(t, 50, cfg.ReadMaxFragmentNumber)
	assert.Equal(t, "https", cfg.EndpointProtocol)
	assert.Equal(t, IntegrityDisabled, cfg.Integrity)
}

func TestResolveEnvOverridesDefault(t *testing.T) {
	t.Setenv("S3_SPI_READ_MAX_FRAGMENT_SIZE", "1048576")
	t.Setenv("S3_SPI_READ_MAX_FRAGMENT_NUMBER", "10")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg := Resolve(nil)
	assert.Equal(t, int64(1048576), cfg.ReadMaxFragmentSize)
	assert.Equal(t, 10, cfg.ReadMaxFragmentNumber)
	assert.Equal(t, "eu-west-1", cfg.Region)
}

func TestResolveExplicitOverridesEnv(t *testing.T) {
	t.Setenv("S3_SPI_READ_MAX_FRAGMENT_NUMBER", "10")

	cfg := Resolve(&Config{ReadMaxFragmentNumber: 99})
	assert.Equal(t, 99, cfg.ReadMaxFragmentNumber)
}

func TestResolveFallsBackToDefaultAwsRegion(t *testing.T) {
	t.Setenv("AWS_DEFAULT_REGION", "us-west-2")

	cfg := Resolve(nil)
	assert.Equal(t, "us-west-2", cfg.Region)
}

func TestLoadFromFileOverlaysOnlyPresentFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "s3fs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("region: ap-southeast-2\nendpoint_protocol: http\n"), 0o600))

	var cfg Config
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, "ap-southeast-2", cfg.Region)
	assert.Equal(t, "http", cfg.EndpointProtocol)
	assert.Equal(t, int64(0), cfg.ReadMaxFragmentSize)
}

func TestResolveFileAppliesFileOverEnvOverDefault(t *testing.T) {
	t.Setenv("S3_SPI_READ_MAX_FRAGMENT_NUMBER", "10")

	dir := t.TempDir()
	path := filepath.Join(dir, "s3fs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("read_max_fragment_number: 25\nregion: eu-central-1\n"), 0o600))

	cfg, err := ResolveFile(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.ReadMaxFragmentNumber)
	assert.Equal(t, "eu-central-1", cfg.Region)
	assert.Equal(t, "https", cfg.EndpointProtocol)
}

func TestResolveFileWithEmptyPathFallsBackToResolve(t *testing.T) {
	cfg, err := ResolveFile("")
	require.NoError(t, err)
	assert.Equal(t, Default().ReadMaxFragmentSize, cfg.ReadMaxFragmentSize)
}

func TestValidIntegrityAlgorithm(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidIntegrityAlgorithm(IntegrityDisabled))
	assert.True(t, ValidIntegrityAlgorithm(IntegrityCRC32C))
	assert.False(t, ValidIntegrityAlgorithm("MD5"))
}
