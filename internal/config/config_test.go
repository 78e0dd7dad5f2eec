package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
embedding:
  api_key: "from-file"
vector_store:
  driver: "memory"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.VectorStore.Driver)
	assert.Equal(t, "knowledge_chunks", cfg.VectorStore.IndexName)
	assert.Equal(t, time.Second, cfg.VectorStore.ReadyPollInterval)
	assert.Equal(t, 1000, cfg.Chunking.ChunkSize)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.True(t, cfg.Retrieval.FailOpen)
	assert.Equal(t, 100, cfg.Embedding.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Embedding.BatchDelay)
	assert.Equal(t, int64(10*1024*1024), cfg.Ingest.MaxFileSize)
	assert.False(t, cfg.Ingest.Async)
	assert.False(t, cfg.Normalizer.EnablePDF)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
embedding:
  api_key: "from-file"
retrieval:
  fail_open: true
`)
	t.Setenv("EMBEDDING_API_KEY", "from-env")
	t.Setenv("RETRIEVAL_FAIL_OPEN", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Embedding.APIKey)
	assert.False(t, cfg.Retrieval.FailOpen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_RepositoryConfig(t *testing.T) {
	cfg, err := Load("../../configs/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "elasticsearch", cfg.VectorStore.Driver)
	assert.Equal(t, cfg.Embedding.Dimensions, cfg.VectorStore.Dimensions)
	assert.NotEmpty(t, cfg.LLM.Prompt.RefStart)
}
