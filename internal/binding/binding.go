// Package binding resolves the inputs of a stage from the submission
// parameters and the metadata recorded by earlier stages.
package binding

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

// InputRef names the binding whose value locates the bytes a stage consumes.
// Stages that declare it are eligible for the result cache.
const InputRef = "input_ref"

// Value types a binding can coerce to
const (
	TypeAny     = ""
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBool    = "bool"
)

// Binding pulls one named input out of a source document
type Binding struct {
	Name string `json:"name" toml:"name"`
	// From is the stage whose metadata is read; empty reads submission params
	From model.StageName `json:"from,omitempty" toml:"from"`
	// Path is a JSONPath expression such as "$.scenes[0].prompt"
	Path     string `json:"path" toml:"path"`
	Type     string `json:"type,omitempty" toml:"type"`
	Required bool   `json:"required,omitempty" toml:"required"`
	Default  any    `json:"default,omitempty" toml:"default"`
}

// Source is everything a stage may read
type Source struct {
	Params map[string]any
	Stages map[model.StageName]map[string]any
}

// Table maps each stage to its bindings
type Table map[model.StageName][]Binding

// Validate checks that every binding compiles and only reads from stages
// that run before the one it feeds
func (t Table) Validate() error {
	for stage, bindings := range t {
		def, ok := stagemachine.Lookup(stage)
		if !ok {
			return fmt.Errorf("bindings declared for unknown stage %q", stage)
		}
		for _, b := range bindings {
			if b.Name == "" {
				return fmt.Errorf("stage %s has a binding without a name", stage)
			}
			if _, err := jsonpath.Compile(b.Path); err != nil {
				return fmt.Errorf("binding %s.%s: invalid path %q: %w", stage, b.Name, b.Path, err)
			}
			switch b.Type {
			case TypeAny, TypeString, TypeNumber, TypeInteger, TypeBool:
			default:
				return fmt.Errorf("binding %s.%s: unknown type %q", stage, b.Name, b.Type)
			}
			if b.From == "" {
				continue
			}
			from, ok := stagemachine.Lookup(b.From)
			if !ok {
				return fmt.Errorf("binding %s.%s reads unknown stage %q", stage, b.Name, b.From)
			}
			if from.Sequence >= def.Sequence {
				return fmt.Errorf("binding %s.%s reads %s, which does not run earlier", stage, b.Name, b.From)
			}
		}
	}
	return nil
}

// Resolver evaluates a binding table
type Resolver struct {
	table Table
}

// NewResolver creates a resolver over table
func NewResolver(table Table) *Resolver {
	return &Resolver{table: table}
}

// Bindings returns the bindings declared for stage
func (r *Resolver) Bindings(stage model.StageName) []Binding {
	return r.table[stage]
}

// Resolve returns the named inputs of stage. A required input that is
// missing or cannot be coerced is a validation error.
func (r *Resolver) Resolve(stage model.StageName, src Source) (map[string]any, error) {
	bindings := r.table[stage]
	inputs := make(map[string]any, len(bindings))

	docs := make(map[model.StageName]any)
	var params any
	if src.Params != nil {
		var err error
		if params, err = normalize(src.Params); err != nil {
			return nil, model.NewValidationError("resolve_inputs", "submission params: %v", err)
		}
	}

	for _, b := range bindings {
		var doc any
		if b.From == "" {
			doc = params
		} else {
			cached, ok := docs[b.From]
			if !ok {
				meta, found := src.Stages[b.From]
				if found && meta != nil {
					var err error
					if cached, err = normalize(meta); err != nil {
						return nil, model.NewValidationError("resolve_inputs", "metadata of %s: %v", b.From, err)
					}
				}
				docs[b.From] = cached
			}
			doc = cached
		}

		value, found := lookup(doc, b.Path)
		if !found {
			if b.Default != nil {
				value, found = b.Default, true
			}
		}
		if !found {
			if b.Required {
				return nil, model.NewValidationError("resolve_inputs",
					"stage %s requires %s (%s %s)", stage, b.Name, sourceName(b), b.Path)
			}
			continue
		}

		coerced, err := coerce(value, b.Type)
		if err != nil {
			if b.Required {
				return nil, model.NewValidationError("resolve_inputs", "stage %s input %s: %v", stage, b.Name, err)
			}
			slog.Debug("Dropping optional stage input", "stage", stage, "input", b.Name, "error", err)
			continue
		}
		inputs[b.Name] = coerced
	}

	return inputs, nil
}

// Ref returns the InputRef of stage, if the stage declares one and it resolved
func Ref(inputs map[string]any) (string, bool) {
	ref, ok := inputs[InputRef].(string)
	return ref, ok && ref != ""
}

func lookup(doc any, path string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	pattern, err := jsonpath.Compile(path)
	if err != nil {
		return nil, false
	}
	value, err := pattern.Lookup(doc)
	if err != nil || value == nil {
		return nil, false
	}
	return value, true
}

// normalize turns store-decoded documents into the plain JSON shapes the
// JSONPath engine walks
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sourceName(b Binding) string {
	if b.From == "" {
		return "submission params"
	}
	return "metadata of " + string(b.From)
}

// DefaultTable returns the bindings of the standard six stage pipeline
func DefaultTable() Table {
	return Table{
		stagemachine.StageAudioAnalysis: {
			{Name: InputRef, Path: "$.audio_url", Type: TypeString, Required: true},
			{Name: "audio_duration_seconds", Path: "$.audio_duration_seconds", Type: TypeNumber},
		},
		stagemachine.StageScenePlanning: {
			{Name: "analysis", From: stagemachine.StageAudioAnalysis, Path: "$", Required: true},
			{Name: "bpm", From: stagemachine.StageAudioAnalysis, Path: "$.bpm", Type: TypeNumber},
			{Name: "scene_count", Path: "$.scene_count", Type: TypeInteger, Default: 8},
			{Name: "style", Path: "$.style", Type: TypeString},
		},
		stagemachine.StageReferenceImages: {
			{Name: "scenes", From: stagemachine.StageScenePlanning, Path: "$.scenes", Required: true},
			{Name: "style", Path: "$.style", Type: TypeString},
		},
		stagemachine.StagePromptGeneration: {
			{Name: "scenes", From: stagemachine.StageScenePlanning, Path: "$.scenes", Required: true},
			{Name: "images", From: stagemachine.StageReferenceImages, Path: "$.images", Required: true},
		},
		stagemachine.StageVideoGeneration: {
			{Name: "prompts", From: stagemachine.StagePromptGeneration, Path: "$.prompts", Required: true},
			{Name: "images", From: stagemachine.StageReferenceImages, Path: "$.images"},
		},
		stagemachine.StageComposition: {
			{Name: "clips", From: stagemachine.StageVideoGeneration, Path: "$.clips", Required: true},
			{Name: "audio_url", Path: "$.audio_url", Type: TypeString, Required: true},
			{Name: "bpm", From: stagemachine.StageAudioAnalysis, Path: "$.bpm", Type: TypeNumber},
		},
	}
}

// ParseType normalizes a user supplied type name
func ParseType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer":
		return TypeInteger
	case "float", "number":
		return TypeNumber
	case "bool", "boolean":
		return TypeBool
	case "string", "str":
		return TypeString
	default:
		return TypeAny
	}
}
