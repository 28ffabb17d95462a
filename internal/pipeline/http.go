package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

// StageConfig describes one HTTP stage.
type StageConfig struct {
	Name    string        `yaml:"name" mapstructure:"name"`
	URL     string        `yaml:"url" mapstructure:"url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// HTTPStage POSTs the job to a collaborator service. Any 2xx is success.
type HTTPStage struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPStage(cfg StageConfig, client *http.Client) *HTTPStage {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStage{name: cfg.Name, url: cfg.URL, timeout: cfg.Timeout, client: client}
}

func (s *HTTPStage) Name() string { return s.name }

type stageRequest struct {
	JobID     types.JobID            `json:"jobId"`
	SubjectID string                 `json:"subjectId"`
	Attempt   int                    `json:"attempt"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

func (s *HTTPStage) Run(ctx context.Context, job types.Job) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	body, err := json.Marshal(stageRequest{
		JobID:     job.ID,
		SubjectID: job.SubjectID,
		Attempt:   job.AttemptsMade + 1,
		Payload:   job.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%s", job.ID, s.name))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FromConfig builds a pipeline of HTTP stages.
func FromConfig(stages []StageConfig, client *http.Client) (*Pipeline, error) {
	built := make([]Stage, 0, len(stages))
	for i, sc := range stages {
		if sc.Name == "" || sc.URL == "" {
			return nil, fmt.Errorf("pipeline: stage %d needs name and url", i)
		}
		built = append(built, NewHTTPStage(sc, client))
	}
	return New(built...), nil
}
