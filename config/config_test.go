package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 1536, cfg.Embedding.Dimensions)
	require.Equal(t, 150, cfg.Embedding.RequestsPerMinute)
	require.Equal(t, 0.7, cfg.Retrieval.SimilarityThreshold)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memflow.yaml")
	data := []byte(`
database:
  driver: postgres
  dsn: "host=localhost user=memflow dbname=memflow"
embedding:
  model: text-embedding-3-small
  dimensions: 256
  timeout: 10s
retrieval:
  default_limit: 20
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	require.Equal(t, 256, cfg.Embedding.Dimensions)
	require.Equal(t, 10*time.Second, cfg.Embedding.Timeout)
	require.Equal(t, 20, cfg.Retrieval.DefaultLimit)
	// 未覆盖的字段保持默认
	require.Equal(t, 8, cfg.Embedding.BatchSize)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("MEMFLOW_EMBEDDING_MODEL", "env-model")
	t.Setenv("MEMFLOW_EMBEDDING_REQUESTS_PER_MINUTE", "60")
	t.Setenv("MEMFLOW_HIERARCHY_PRUNE_AGE_DAYS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-model", cfg.Embedding.Model)
	require.Equal(t, 60, cfg.Embedding.RequestsPerMinute)
	require.Equal(t, 7, cfg.Hierarchy.PruneAgeDays)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mongodb"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Embedding.Dimensions = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Hierarchy.ConsolidationThreshold = 1.5
	require.Error(t, cfg.Validate())
}
