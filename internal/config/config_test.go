package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Executor.ClaimTTL)
	assert.True(t, cfg.Executor.Backfill)
	assert.Equal(t, "memory", cfg.Claims.Backend)
	assert.Equal(t, "dir", cfg.Uploads.Backend)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
executor:
  workers: 8
uploads:
  backend: s3
  s3:
    bucket: media
    endpoint: http://localhost:9000
    use_path_style: true
`))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.Equal(t, 5, cfg.Executor.MaxTxRetries)
	assert.Equal(t, "media", cfg.Uploads.S3.Bucket)
	assert.True(t, cfg.Uploads.S3.UsePathStyle)
	assert.Equal(t, ".stockline/media/cache", cfg.Media.CacheDir)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"workers":        "executor:\n  workers: 0\n",
		"claims backend": "claims:\n  backend: etcd\n",
		"redis addr":     "claims:\n  backend: redis\n",
		"s3 bucket":      "uploads:\n  backend: s3\n",
		"s3 half keys":   "uploads:\n  backend: s3\n  s3:\n    bucket: b\n    access_key: k\n",
		"base path":      "server:\n  base_path: v0\n",
		"log level":      "logging:\n  level: loud\n",
		"bad yaml":       "executor: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)
}

func TestResolve(t *testing.T) {
	assert.Equal(t, filepath.Join("ws", ".stockline/x"), Resolve("ws", ".stockline/x"))
	assert.Equal(t, "/abs/x", Resolve("ws", "/abs/x"))
	assert.Equal(t, "", Resolve("ws", ""))
}
