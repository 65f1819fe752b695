package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dandantas/reelforge/internal/joblock"
	"github.com/dandantas/reelforge/internal/model"
)

type jobView struct {
	Job    *model.Job          `json:"job"`
	Stages []model.StageRecord `json:"stages"`
	Costs  []model.CostEvent   `json:"costs"`
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}

	jobCmd.AddCommand(&cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its stage ledger and costs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.pipeline(cmd.Context())
			if err != nil {
				return err
			}

			job, err := a.Stores.Jobs.GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			stages, err := a.Stores.Stages.ListStages(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			costs, err := a.Stores.Costs.ListCostEvents(cmd.Context(), job.ID)
			if err != nil {
				return err
			}

			if ctx.jsonOutput {
				return writeJSON(cmd, jobView{Job: job, Stages: stages, Costs: costs})
			}
			printJob(cmd, job, stages, costs)
			return nil
		},
	})

	return jobCmd
}

func printJob(cmd *cobra.Command, job *model.Job, stages []model.StageRecord, costs []model.CostEvent) {
	out := cmd.OutOrStdout()

	eta := "unknown"
	if job.EstimatedRemaining != nil {
		eta = (time.Duration(*job.EstimatedRemaining) * time.Second).String()
	}
	pairs := [][2]string{
		{"ID", job.ID},
		{"Environment", job.Environment},
		{"Status", string(job.Status)},
		{"Stage", string(job.CurrentStage)},
		{"Progress", strconv.Itoa(job.Progress) + "%"},
		{"Remaining", eta},
		{"Total cost", job.TotalCost.String()},
		{"Updated", job.UpdatedAt.Format(time.RFC3339)},
	}
	if job.OutputURL != "" {
		pairs = append(pairs, [2]string{"Output", job.OutputURL})
	}
	if job.ErrorMessage != "" {
		pairs = append(pairs, [2]string{"Error", job.ErrorMessage})
	}
	if job.CancelRequested {
		pairs = append(pairs, [2]string{"Cancel", "requested"})
	}
	fmt.Fprintln(out, renderKeyValues(pairs))

	if len(stages) > 0 {
		rows := make([][]string, 0, len(stages))
		for _, s := range stages {
			rows = append(rows, []string{
				strconv.Itoa(s.Sequence),
				string(s.StageName),
				string(s.Status),
				strconv.FormatFloat(s.DurationSeconds, 'f', 1, 64),
				s.ErrorMessage,
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"#", "Stage", "Status", "Seconds", "Error"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
		))
	}

	if len(costs) > 0 {
		rows := make([][]string, 0, len(costs))
		for _, c := range costs {
			rows = append(rows, []string{
				c.Timestamp.Format(time.RFC3339),
				string(c.StageName),
				c.Provider,
				c.Amount.String(),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Time", "Stage", "Provider", "Amount"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
		))
	}
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var params []string
	var jobID string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a job and append it to the backlog",
		Example: `  pipelinectl enqueue --param audio_url=s3://media/song.mp3 --param scene_count=6
  pipelinectl enqueue --param 'style="neon noir"'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			submission, err := parseParams(params)
			if err != nil {
				return err
			}

			a, err := ctx.pipeline(cmd.Context())
			if err != nil {
				return err
			}

			if jobID == "" {
				jobID = uuid.New().String()
			}
			job := model.NewJob(jobID, a.Queue.Environment(), submission)
			if err := a.Stores.Jobs.CreateJob(cmd.Context(), job); err != nil {
				return err
			}
			if err := a.Queue.Enqueue(cmd.Context(), model.QueueMessage{JobID: job.ID, SubmissionParams: submission}); err != nil {
				return err
			}

			if ctx.jsonOutput {
				return writeJSON(cmd, job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %s in %s\n", job.ID, job.Environment)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Submission parameter as key=value; JSON values are decoded")
	cmd.Flags().StringVar(&jobID, "id", "", "Job ID (generated when empty)")
	return cmd
}

// parseParams turns key=value pairs into submission params. A value that
// parses as JSON keeps its JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Ask the orchestrator to stop a job at its next stage boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.pipeline(cmd.Context())
			if err != nil {
				return err
			}

			job, err := a.Stores.Jobs.GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			if !job.Status.IsActive() && job.Status != model.JobStatusRegenerating {
				return fmt.Errorf("job %s is %s and cannot be cancelled", job.ID, job.Status)
			}
			if err := a.Stores.Jobs.RequestCancel(cmd.Context(), job.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s\n", job.ID)
			return nil
		},
	}
}

func newRegenerateCommand(ctx *commandContext) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "regenerate <job-id>",
		Short: "Re-run a completed or failed job from a stage and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				return fmt.Errorf("--from is required")
			}
			a, err := ctx.pipeline(cmd.Context())
			if err != nil {
				return err
			}

			a.Publisher.Start(context.WithoutCancel(cmd.Context()))
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.Publisher.Stop(stopCtx)
			}()

			result, err := a.Orchestrator.Regenerate(cmd.Context(), args[0], model.StageName(from))
			if err != nil {
				return err
			}
			switch result {
			case joblock.AlreadyLocked:
				return fmt.Errorf("job %s is already regenerating", args[0])
			case joblock.NotAcquired:
				return fmt.Errorf("job %s changed while acquiring the regeneration lock", args[0])
			}

			job, err := a.Stores.Jobs.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, job)
			}
			if job.Status == model.JobStatusFailed {
				return fmt.Errorf("regeneration of job %s failed: %s", job.ID, job.ErrorMessage)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s regenerated from %s: %s\n", job.ID, from, job.OutputURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Stage to restart from")
	return cmd
}
