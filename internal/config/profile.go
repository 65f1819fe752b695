package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/dandantas/reelforge/internal/binding"
	"github.com/dandantas/reelforge/internal/eta"
)

// Pipeline is the tunable part of the pipeline: per-environment duration
// profiles and the stage input bindings
type Pipeline struct {
	Profiles eta.Profiles
	Bindings binding.Table
}

type pipelineFile struct {
	Profiles map[string]*eta.Profile `toml:"profiles"`
	Bindings binding.Table           `toml:"bindings"`
}

// LoadPipeline returns the built-in pipeline, overridden by the TOML file at
// path when path is set. A profile in the file replaces the built-in profile
// of the same environment; a bindings table replaces the built-in bindings.
func LoadPipeline(path string) (*Pipeline, error) {
	p := &Pipeline{
		Profiles: eta.DefaultProfiles(),
		Bindings: binding.DefaultTable(),
	}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open pipeline profile: %w", err)
		}
		defer file.Close()

		var parsed pipelineFile
		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&parsed); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, fmt.Errorf("parse pipeline profile: %s", strict.String())
			}
			return nil, fmt.Errorf("parse pipeline profile: %w", err)
		}

		for env, profile := range parsed.Profiles {
			if profile == nil {
				continue
			}
			profile.Environment = env
			p.Profiles[env] = profile
		}
		if len(parsed.Bindings) > 0 {
			p.Bindings = parsed.Bindings
		}
	}

	if err := p.Profiles.Validate(); err != nil {
		return nil, err
	}
	if err := p.Bindings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bindings: %w", err)
	}
	return p, nil
}
