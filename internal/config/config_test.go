package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/reelforge/internal/eta"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, StoreMongo, cfg.StoreBackend)
	assert.Equal(t, 50.00, cfg.BudgetLimit)
	assert.Equal(t, 10*time.Second, cfg.MongoTimeout)
	assert.Equal(t, time.Second, cfg.QueuePollInterval)
	assert.Equal(t, 30*time.Minute, cfg.StaleThreshold)
	assert.Equal(t, "*/5 * * * *", cfg.RecoverySchedule)
	assert.Equal(t, int64(2048)<<20, cfg.CacheMaxDownload)
	assert.True(t, cfg.RecoveryEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("BUDGET_LIMIT", "12.5")
	t.Setenv("WORKER_POOL_SIZE", "16")
	t.Setenv("STALE_THRESHOLD_MIN", "45")
	t.Setenv("MONGO_TRANSACTIONS", "true")

	cfg := Load()
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, 12.5, cfg.BudgetLimit)
	assert.Equal(t, 16, cfg.WorkerPoolSize)
	assert.Equal(t, 45*time.Minute, cfg.StaleThreshold)
	assert.True(t, cfg.MongoTransactions)
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("BUDGET_LIMIT", "lots")
	t.Setenv("WORKER_POOL_SIZE", "many")
	t.Setenv("RECOVERY_ENABLED", "sometimes")

	cfg := Load()
	assert.Equal(t, 50.00, cfg.BudgetLimit)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.True(t, cfg.RecoveryEnabled)
}

func TestLoadPipelineDefaults(t *testing.T) {
	p, err := LoadPipeline("")
	require.NoError(t, err)

	for _, env := range []string{eta.EnvDevelopment, eta.EnvStaging, eta.EnvProduction} {
		_, err := p.Profiles.For(env)
		assert.NoError(t, err, env)
	}
	assert.NotEmpty(t, p.Bindings[stagemachine.StageComposition])
}

const customPipeline = `
[profiles.production]
[profiles.production.defaults]
scene_count = 12

[profiles.production.stages.audio_analysis]
kind = "linear"
base_seconds = 1
rate_seconds = 0.1
size_param = "audio_duration_seconds"

[profiles.production.stages.scene_planning]
kind = "linear"
base_seconds = 2

[profiles.production.stages.reference_images]
kind = "parallel"
unit_seconds = 3
unit_param = "scene_count"
concurrency = 6

[profiles.production.stages.prompt_generation]
kind = "linear"
base_seconds = 4

[profiles.production.stages.video_generation]
kind = "parallel"
unit_seconds = 30
unit_param = "scene_count"
concurrency = 12

[profiles.production.stages.composition]
kind = "linear"
base_seconds = 5
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPipelineOverridesProfile(t *testing.T) {
	p, err := LoadPipeline(writeFile(t, customPipeline))
	require.NoError(t, err)

	prod, err := p.Profiles.For(eta.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, eta.EnvProduction, prod.Environment)
	assert.Equal(t, 12.0, prod.Defaults[eta.ParamSceneCount])
	assert.Equal(t, 12, prod.Concurrency(stagemachine.StageVideoGeneration))

	// untouched environments keep the built-in profile
	dev, err := p.Profiles.For(eta.EnvDevelopment)
	require.NoError(t, err)
	assert.Equal(t, eta.DefaultProfiles()[eta.EnvDevelopment].Stages, dev.Stages)
}

func TestLoadPipelineBindings(t *testing.T) {
	content := `
[[bindings.audio_analysis]]
name = "input_ref"
path = "$.song"
type = "string"
required = true
`
	p, err := LoadPipeline(writeFile(t, content))
	require.NoError(t, err)
	require.Len(t, p.Bindings, 1)
	assert.Equal(t, "$.song", p.Bindings[stagemachine.StageAudioAnalysis][0].Path)
}

func TestLoadPipelineErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[profiles.production"},
		{"unknown field", "[profiles.production]\nworkers = 3\n"},
		{"incomplete profile", "[profiles.staging.stages.audio_analysis]\nkind = \"linear\"\n"},
		{"binding reads later stage", "[[bindings.audio_analysis]]\nname = \"x\"\nfrom = \"composition\"\npath = \"$\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPipeline(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadPipeline(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{LogLevel: "warn", LogFormat: "json", Environment: "staging"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "job_id", "job-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "staging", entry["environment"])
	assert.Equal(t, "job-1", entry["job_id"])

	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
