package eta

import "fmt"

// Submission parameters the built-in profiles scale with
const (
	ParamAudioDuration = "audio_duration_seconds"
	ParamSceneCount    = "scene_count"
)

// Environments the pipeline runs in
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Profiles maps environment name to its profile
type Profiles map[string]*Profile

// For returns the profile of env
func (ps Profiles) For(env string) (*Profile, error) {
	p, ok := ps[env]
	if !ok {
		return nil, fmt.Errorf("no pipeline profile for environment %q", env)
	}
	return p, nil
}

// Validate validates every profile
func (ps Profiles) Validate() error {
	for env, p := range ps {
		if p.Environment == "" {
			p.Environment = env
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DefaultProfiles returns the built-in duration tables. Development uses
// local stubs and small fan-out; production runs against paid providers
// with wider parallelism.
func DefaultProfiles() Profiles {
	return Profiles{
		EnvDevelopment: newProfile(EnvDevelopment, 2, 1, 60, false),
		EnvStaging:     newProfile(EnvStaging, 4, 2, 0, true),
		EnvProduction:  newProfile(EnvProduction, 8, 4, 0, true),
	}
}

// newProfile builds the standard stage table. audioDefault of zero leaves
// audio duration without a default so the estimate stays unknown until the
// submission provides it. Paid profiles carry cost estimates for the stages
// that call priced providers.
func newProfile(env string, imageConcurrency, videoConcurrency int, audioDefault float64, paid bool) *Profile {
	defaults := map[string]float64{ParamSceneCount: 8}
	if audioDefault > 0 {
		defaults[ParamAudioDuration] = audioDefault
	}

	p := &Profile{
		Environment: env,
		Defaults:    defaults,
		Stages: map[string]StageModel{
			"audio_analysis": {
				Kind: KindLinear, BaseSeconds: 5, RateSeconds: 0.5, SizeParam: ParamAudioDuration,
			},
			"scene_planning": {
				Kind: KindLinear, BaseSeconds: 20, RateSeconds: 0.2, SizeParam: ParamAudioDuration,
			},
			"reference_images": {
				Kind: KindParallel, UnitSeconds: 12, UnitParam: ParamSceneCount, Concurrency: imageConcurrency,
			},
			"prompt_generation": {
				Kind: KindLinear, BaseSeconds: 10, RateSeconds: 1.5, SizeParam: ParamSceneCount,
			},
			"video_generation": {
				Kind: KindParallel, UnitSeconds: 90, UnitParam: ParamSceneCount, Concurrency: videoConcurrency,
			},
			"composition": {
				Kind: KindLinear, BaseSeconds: 15, RateSeconds: 0.3, SizeParam: ParamAudioDuration,
			},
		},
	}
	if paid {
		p.setCost("scene_planning", 0.05)
		p.setCost("reference_images", 0.5)
		p.setCost("prompt_generation", 0.05)
		p.setCost("video_generation", 5)
	}
	return p
}

func (p *Profile) setCost(stage string, amount float64) {
	m := p.Stages[stage]
	m.EstimatedCost = amount
	p.Stages[stage] = m
}
