package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"verifyci/internal/core"
)

// Client runs steps on a remote agent; it satisfies core.StepRunner
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: http.DefaultClient}
}

// ErrStepFailed marks a step the agent ran and reported as failed
var ErrStepFailed = errors.New("agent step failed")

func (c *Client) RunStep(ctx context.Context, req core.StepRequest) (core.StepOutput, error) {
	failed := core.StepOutput{ExitCode: -1}

	body, err := json.Marshal(req)
	if err != nil {
		return failed, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return failed, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return failed, fmt.Errorf("step %q cancelled: %w", req.Step, context.Cause(ctx))
		}
		return failed, fmt.Errorf("send step %q to agent: %w", req.Step, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return failed, fmt.Errorf("agent rejected step %q: %s: %s", req.Step, resp.Status, strings.TrimSpace(string(msg)))
	}

	var job JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return failed, fmt.Errorf("decode agent response: %w", err)
	}

	out := core.StepOutput{Output: job.Output, ExitCode: job.ExitCode}
	if job.Status != "success" {
		return out, fmt.Errorf("%w: %s", ErrStepFailed, job.Error)
	}
	return out, nil
}
