package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Repair.MaxIterations)
	assert.Equal(t, 4, cfg.Memory.QueryK)
	assert.Zero(t, cfg.Memory.RelevanceFloor, "relevance floor defaults to disabled")
	assert.Equal(t, "inspec", cfg.Executor.Binary)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err, "a missing config file is not an error")
	assert.Equal(t, DefaultMaxIterations, cfg.Repair.MaxIterations)
}

func TestLoad_FileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "repair": {"max_iterations": 5},
  "memory": {"db_path": "custom.db", "query_k": 2}
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Repair.MaxIterations)
	assert.Equal(t, "custom.db", cfg.Memory.DBPath)
	assert.Equal(t, 2, cfg.Memory.QueryK)
	// Untouched sections keep defaults.
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("numeric and path overrides", func(t *testing.T) {
		t.Setenv("STIGFORGE_MAX_ITERATIONS", "7")
		t.Setenv("STIGFORGE_QUERY_K", "9")
		t.Setenv("STIGFORGE_DB_PATH", "/tmp/env.db")
		t.Setenv("STIGFORGE_DEBUG", "1")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Repair.MaxIterations)
		assert.Equal(t, 9, cfg.Memory.QueryK)
		assert.Equal(t, "/tmp/env.db", cfg.Memory.DBPath)
		assert.True(t, cfg.Debug)
	})

	t.Run("GEMINI_API_KEY fills an empty key", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "env-key")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "env-key", cfg.LLM.APIKey)
	})

	t.Run("explicit file key wins over env", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "env-key")
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"llm": {"api_key": "file-key"}}`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "file-key", cfg.LLM.APIKey)
	})

	t.Run("malformed numeric env is ignored", func(t *testing.T) {
		t.Setenv("STIGFORGE_MAX_ITERATIONS", "not-a-number")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxIterations, cfg.Repair.MaxIterations)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Repair.MaxIterations = 0 }},
		{"negative query_k", func(c *Config) { c.Memory.QueryK = -1 }},
		{"floor above one", func(c *Config) { c.Memory.RelevanceFloor = 1.5 }},
		{"zero concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.Repair.MaxIterations = 6
	cfg.Executor.Timeout = 3 * time.Minute
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Repair.MaxIterations)
	assert.Equal(t, 3*time.Minute, loaded.Executor.Timeout)
}
