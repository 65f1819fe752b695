package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dandantas/reelforge/internal/model"
)

const maxResponseBytes = 4 << 20

// NewHTTPClient creates an HTTP client with connection pooling
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// HTTPConfig configures a remote stage
type HTTPConfig struct {
	BaseURL string
	Headers map[string]string
	// Estimate is reserved against the budget before each call; zero skips the check
	Estimate model.Amount
}

// HTTPStage runs a stage by POSTing to <base>/<stage>
type HTTPStage struct {
	client *http.Client
	config HTTPConfig
}

// NewHTTPStage creates a remote stage
func NewHTTPStage(client *http.Client, config HTTPConfig) *HTTPStage {
	return &HTTPStage{client: client, config: config}
}

// NewHTTPRegistry registers one HTTPStage per pipeline stage, all behind
// config.BaseURL. A non-nil estimate overrides config.Estimate per stage.
func NewHTTPRegistry(client *http.Client, config HTTPConfig, names []model.StageName, estimate func(model.StageName) model.Amount) Registry {
	r := make(Registry, len(names))
	for _, name := range names {
		stageConfig := config
		if estimate != nil {
			stageConfig.Estimate = estimate(name)
		}
		r[name] = NewHTTPStage(client, stageConfig)
	}
	return r
}

type stageRequest struct {
	JobID  string          `json:"job_id"`
	Stage  model.StageName `json:"stage"`
	Params map[string]any  `json:"params,omitempty"`
	Inputs map[string]any  `json:"inputs,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Run reserves the configured estimate, POSTs the stage request and decodes
// the collaborator's output. 5xx, 429 and transport failures come back as
// retryable StageErrors.
func (s *HTTPStage) Run(ctx context.Context, in Input) (Output, error) {
	if s.config.Estimate > 0 && in.Budget != nil {
		if err := in.Budget.Reserve(ctx, s.config.Estimate); err != nil {
			return Output{}, err
		}
	}

	body, err := json.Marshal(stageRequest{JobID: in.JobID, Stage: in.Stage, Params: in.Params, Inputs: in.Inputs})
	if err != nil {
		return Output{}, model.NewStageError(in.Stage, model.StageErrorFatal, "failed to encode request", err)
	}

	url := strings.TrimRight(s.config.BaseURL, "/") + "/" + string(in.Stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Output{}, model.NewStageError(in.Stage, model.StageErrorFatal, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", in.JobID)
	for key, value := range s.config.Headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Output{}, model.NewStageError(in.Stage, model.StageErrorRetryable, "collaborator unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Output{}, model.NewStageError(in.Stage, model.StageErrorRetryable, "failed to read response", err)
	}

	slog.Debug("Collaborator responded",
		"job_id", in.JobID,
		"stage", in.Stage,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, statusError(in.Stage, resp.StatusCode, data)
	}

	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return Output{}, model.NewStageError(in.Stage, model.StageErrorFatal, "invalid collaborator response", err)
	}
	return out, nil
}

func statusError(stage model.StageName, code int, body []byte) error {
	var parsed errorResponse
	_ = json.Unmarshal(body, &parsed)
	message := parsed.Error
	if message == "" {
		message = http.StatusText(code)
	}
	err := fmt.Errorf("collaborator returned status %d", code)

	if code == http.StatusTooManyRequests || code >= 500 {
		return model.NewStageError(stage, model.StageErrorRetryable, message, err)
	}
	return model.NewStageError(stage, model.StageErrorFatal, message, err)
}
