package collaborator

import (
	"context"
	"fmt"

	"github.com/dandantas/reelforge/internal/binding"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

// LocalRegistry returns free, instant stand-ins for every stage. They shape
// their metadata like the real services so the whole pipeline can run in
// development without provider credentials.
func LocalRegistry() Registry {
	return Registry{
		stagemachine.StageAudioAnalysis: StageFunc(func(ctx context.Context, in Input) (Output, error) {
			duration := 60.0
			if d, err := binding.CoerceToNumber(in.Inputs["audio_duration_seconds"]); err == nil && d > 0 {
				duration = d
			}
			return Output{Metadata: map[string]any{"bpm": 120, "duration_seconds": duration}}, nil
		}),
		stagemachine.StageScenePlanning: StageFunc(func(ctx context.Context, in Input) (Output, error) {
			count := 8
			if n, err := binding.CoerceToNumber(in.Inputs["scene_count"]); err == nil && n > 0 {
				count = int(n)
			}
			scenes := make([]any, count)
			for i := range scenes {
				scenes[i] = map[string]any{"index": i, "title": fmt.Sprintf("scene %d", i+1)}
			}
			return Output{Metadata: map[string]any{"scenes": scenes}}, nil
		}),
		stagemachine.StageReferenceImages: perScene("images", "image"),
		stagemachine.StagePromptGeneration: StageFunc(func(ctx context.Context, in Input) (Output, error) {
			scenes, _ := in.Inputs["scenes"].([]any)
			prompts := make([]any, len(scenes))
			for i := range scenes {
				prompts[i] = fmt.Sprintf("%s scene %d", in.JobID, i+1)
			}
			return Output{Metadata: map[string]any{"prompts": prompts}}, nil
		}),
		stagemachine.StageVideoGeneration: perScene("clips", "clip"),
		stagemachine.StageComposition: StageFunc(func(ctx context.Context, in Input) (Output, error) {
			return Output{Metadata: map[string]any{OutputURLKey: "file:///tmp/reelforge/" + in.JobID + ".mp4"}}, nil
		}),
	}
}

// perScene fans a stage out over the scenes (or prompts) of its input
func perScene(key, kind string) Stage {
	return StageFunc(func(ctx context.Context, in Input) (Output, error) {
		items, _ := in.Inputs["scenes"].([]any)
		if items == nil {
			items, _ = in.Inputs["prompts"].([]any)
		}
		if len(items) == 0 {
			return Output{}, model.NewStageError(in.Stage, model.StageErrorFatal, "nothing to generate", nil)
		}

		results := make([]any, len(items))
		err := FanOut(ctx, in.Concurrency, len(items), func(ctx context.Context, i int) error {
			results[i] = fmt.Sprintf("file:///tmp/reelforge/%s/%s-%d", in.JobID, kind, i)
			return nil
		}, func(done, total int) {
			in.ReportProgress(done * 100 / total)
		})
		if err != nil {
			return Output{}, err
		}
		return Output{Metadata: map[string]any{key: results}}, nil
	})
}
