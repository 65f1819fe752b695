package eta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

func production(t *testing.T) *Profile {
	t.Helper()
	p, err := DefaultProfiles().For(EnvProduction)
	require.NoError(t, err)
	return p
}

func TestDefaultProfilesAreValid(t *testing.T) {
	require.NoError(t, DefaultProfiles().Validate())
}

func TestEstimateDecreasesWithinStage(t *testing.T) {
	p := production(t)
	params := map[string]any{ParamAudioDuration: 180, ParamSceneCount: 12}

	def, ok := stagemachine.Lookup(stagemachine.StageVideoGeneration)
	require.True(t, ok)

	prev := -1
	for progress := def.Range.Start; progress <= def.Range.End; progress += 5 {
		eta, ok := Estimate(p, def.Name, progress, params)
		require.True(t, ok)
		if prev >= 0 {
			assert.Less(t, eta, prev, "progress %d", progress)
		}
		prev = eta
	}
}

func TestEstimateDecreasesAcrossStages(t *testing.T) {
	p := production(t)
	params := map[string]any{ParamAudioDuration: 120.0, ParamSceneCount: 10}

	prev := -1
	for _, def := range stagemachine.Definitions() {
		eta, ok := Estimate(p, def.Name, def.Range.Start, params)
		require.True(t, ok)
		if prev >= 0 {
			assert.Less(t, eta, prev, "start of %s", def.Name)
		}
		prev = eta
	}

	early, ok := Estimate(p, stagemachine.StageAudioAnalysis, 0, params)
	require.True(t, ok)
	late, ok := Estimate(p, stagemachine.StageComposition, 99, params)
	require.True(t, ok)
	assert.Greater(t, early, late)
}

func TestEstimateArithmetic(t *testing.T) {
	p := &Profile{
		Environment: "test",
		Stages: map[string]StageModel{
			"audio_analysis":    {Kind: KindLinear, BaseSeconds: 10},
			"scene_planning":    {Kind: KindLinear, BaseSeconds: 10},
			"reference_images":  {Kind: KindParallel, UnitSeconds: 10, UnitParam: "n", Concurrency: 2},
			"prompt_generation": {Kind: KindLinear, BaseSeconds: 10},
			"video_generation":  {Kind: KindLinear, BaseSeconds: 0, RateSeconds: 2, SizeParam: "n"},
			"composition":       {Kind: KindLinear, BaseSeconds: 10},
		},
	}
	require.NoError(t, p.Validate())
	params := map[string]any{"n": 4}

	// 8/15 of reference_images (20s) + prompt 10 + video 8 + composition 10
	eta, ok := Estimate(p, stagemachine.StageReferenceImages, 27, params)
	require.True(t, ok)
	assert.Equal(t, 39, eta)

	// a progress below the range start counts the whole stage
	eta, ok = Estimate(p, stagemachine.StageReferenceImages, 0, params)
	require.True(t, ok)
	assert.Equal(t, 48, eta)

	eta, ok = Estimate(p, stagemachine.StageComposition, 100, params)
	require.True(t, ok)
	assert.Equal(t, 0, eta)
}

func TestEstimateUnknown(t *testing.T) {
	p := production(t)

	// production has no audio duration default
	_, ok := Estimate(p, stagemachine.StageAudioAnalysis, 0, map[string]any{ParamSceneCount: 4})
	assert.False(t, ok)

	_, ok = Estimate(p, model.StageName("upscaling"), 50, map[string]any{ParamAudioDuration: 60})
	assert.False(t, ok)

	_, ok = Estimate(nil, stagemachine.StageComposition, 95, nil)
	assert.False(t, ok)
}

func TestEstimateUsesDefaults(t *testing.T) {
	p, err := DefaultProfiles().For(EnvDevelopment)
	require.NoError(t, err)

	withDefaults, ok := Estimate(p, stagemachine.StageAudioAnalysis, 0, nil)
	require.True(t, ok)

	explicit, ok := Estimate(p, stagemachine.StageAudioAnalysis, 0, map[string]any{
		ParamAudioDuration: "60",
		ParamSceneCount:    8,
	})
	require.True(t, ok)
	assert.Equal(t, explicit, withDefaults)
}

func TestValidateRejectsIncompleteProfile(t *testing.T) {
	p := &Profile{Environment: "broken", Stages: map[string]StageModel{
		"audio_analysis": {Kind: KindLinear, BaseSeconds: 1},
	}}
	assert.Error(t, p.Validate())

	p = production(t)
	p.Stages["composition"] = StageModel{Kind: "quadratic"}
	assert.Error(t, p.Validate())
}

func TestConcurrency(t *testing.T) {
	p := production(t)
	assert.Equal(t, 8, p.Concurrency(stagemachine.StageReferenceImages))
	assert.Equal(t, 1, p.Concurrency(stagemachine.StageComposition))

	var none *Profile
	assert.Equal(t, 1, none.Concurrency(stagemachine.StageComposition))
}

func TestEstimatedCost(t *testing.T) {
	p := production(t)
	assert.Equal(t, model.AmountFromFloat(5), p.EstimatedCost(stagemachine.StageVideoGeneration))
	assert.Zero(t, p.EstimatedCost(stagemachine.StageComposition))
	assert.Zero(t, p.EstimatedCost("unknown"))

	dev, err := DefaultProfiles().For(EnvDevelopment)
	require.NoError(t, err)
	assert.Zero(t, dev.EstimatedCost(stagemachine.StageVideoGeneration))

	var none *Profile
	assert.Zero(t, none.EstimatedCost(stagemachine.StageVideoGeneration))

	m := p.Stages["composition"]
	m.EstimatedCost = -1
	p.Stages["composition"] = m
	assert.Error(t, p.Validate())
}
