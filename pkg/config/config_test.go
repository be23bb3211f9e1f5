package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 0.95, cfg.Analysis.NumericThreshold)
	assert.Equal(t, "month", cfg.Analysis.Bucket)
	assert.Equal(t, "memory", cfg.Index.Backend)
	assert.Equal(t, 3000, cfg.Retrieval.TokenBudget)
	assert.Equal(t, 24, cfg.Cache.MaxAgeHour)
	assert.EqualValues(t, 24*60*60, cfg.Cache.MaxAge().Seconds())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CSV_INSIGHT_LLM_PROVIDER", "ollama")
	t.Setenv("CSV_INSIGHT_ANALYSIS_BUCKET", "week")
	t.Setenv("CSV_INSIGHT_RETRIEVAL_TOKENBUDGET", "1200")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "week", cfg.Analysis.Bucket)
	assert.Equal(t, 1200, cfg.Retrieval.TokenBudget)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CSV_INSIGHT_ANALYSIS_BUCKET", "fortnight")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fortnight")
}
