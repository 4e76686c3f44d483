package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ryabova/genqueue/internal/task"
)

// Client calls the external generation service over HTTP. One request per
// task; the response carries the stored artifact paths.
type Client struct {
	url  string
	http *http.Client
}

// NewClient builds a client for the given endpoint. No client-side timeout
// is set here: the worker's per-task context bounds every call.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{},
	}
}

type generateRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	ModelID        string `json:"model_id"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps,omitempty"`
	Seed           int64  `json:"seed"`
	Enhance        bool   `json:"enhance"`
	SourceRef      string `json:"source_reference,omitempty"`
}

type generateResponse struct {
	Artifacts []string `json:"artifacts"`
	Error     string   `json:"error,omitempty"`
}

func (c *Client) Generate(ctx context.Context, t *task.Task) (Result, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:         t.Params.Prompt,
		NegativePrompt: t.Params.NegativePrompt,
		ModelID:        t.Params.ModelID,
		Width:          t.Params.Width,
		Height:         t.Params.Height,
		Steps:          t.Params.Steps,
		Seed:           t.Params.Seed,
		Enhance:        t.Params.Enhance,
		SourceRef:      t.SourceRef,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("generation call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read generation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("generation service returned %d: %s", resp.StatusCode, data)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("decode generation response: %w", err)
	}
	if out.Error != "" {
		return Result{}, fmt.Errorf("generation failed: %s", out.Error)
	}
	if len(out.Artifacts) == 0 {
		return Result{}, fmt.Errorf("generation returned no artifacts")
	}
	return Result{Artifacts: out.Artifacts}, nil
}
