package imageapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/renderq/internal/config"
	"github.com/phrazzld/renderq/internal/domain"
	"github.com/phrazzld/renderq/internal/generation"
)

const (
	submitPath     = "/v3/make_image"
	statusPathFmt  = "/v1/artifact/task/%s"
	submitTimeout  = 300 * time.Second
	requestTimeout = 30 * time.Second
)

// Client implements generation.Generator against the remote
// image-generation API: a submit call returns an opaque job UUID which
// is then polled at a fixed interval up to a bounded attempt count.
type Client struct {
	cfg    config.GenerationConfig
	http   *http.Client
	logger *slog.Logger

	// seedFn is swappable for tests.
	seedFn func() int64
}

// NewClient builds a client from the generation configuration.
func NewClient(cfg config.GenerationConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: submitTimeout},
		logger: logger.With("component", "imageapi_client"),
		seedFn: func() int64 { return rand.Int63n(2147483646) + 1 },
	}
}

// submitRequest is the wire shape of the submit call.
type submitRequest struct {
	StoryID            string         `json:"storyId"`
	JobType            string         `json:"jobType"`
	Width              int            `json:"width"`
	Height             int            `json:"height"`
	RawPrompt          []domain.Prompt `json:"rawPrompt"`
	Seed               int64          `json:"seed"`
	Meta               map[string]any `json:"meta"`
	NegativeFreetext   string         `json:"negative_freetext"`
	AdvancedTranslator bool           `json:"advanced_translator"`
	ClientArgs         map[string]any `json:"client_args,omitempty"`
}

// statusResponse is the wire shape of the poll call.
type statusResponse struct {
	TaskStatus string `json:"task_status"`
	Error      string `json:"error"`
	Artifacts  []struct {
		URL string `json:"url"`
	} `json:"artifacts"`
}

// Generate submits the request and polls the job until it resolves or
// the poll budget is exhausted. Failures are classified generation
// errors; see generation.ErrorKind for the retry semantics.
func (c *Client) Generate(ctx context.Context, req generation.Request) (*generation.Result, error) {
	seed := req.Seed
	if seed == 0 {
		seed = c.seedFn()
	}

	baseURL := c.cfg.BaseURL
	interval := c.cfg.PollInterval
	attempts := c.cfg.MaxPollAttempts
	if req.Fidelity {
		baseURL = c.cfg.OpsURL
		interval = c.cfg.FidelityInterval
		attempts = c.cfg.FidelityAttempts
	}

	jobID, err := c.submit(ctx, baseURL, req, seed)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("generation job submitted",
		"job_id", jobID,
		"width", req.Width,
		"height", req.Height,
		"seed", seed,
		"fidelity", req.Fidelity)

	imageURL, err := c.poll(ctx, baseURL, jobID, interval, attempts)
	if err != nil {
		return nil, err
	}

	return &generation.Result{ImageURL: imageURL, EffectiveSeed: seed}, nil
}

func (c *Client) submit(ctx context.Context, baseURL string, req generation.Request, seed int64) (string, error) {
	body := submitRequest{
		JobType:            "universal",
		Width:              req.Width,
		Height:             req.Height,
		RawPrompt:          req.Prompts,
		Seed:               seed,
		Meta:               map[string]any{"entrance": "PICTURE,PURE"},
		AdvancedTranslator: req.UsePolish,
	}
	if req.Fidelity && req.Options != nil {
		args := map[string]any{}
		if req.Options.ModelName != "" {
			args["ckpt_name"] = req.Options.ModelName
		}
		if req.Options.CFG != 0 {
			args["cfg"] = req.Options.CFG
		}
		if req.Options.Steps != 0 {
			args["steps"] = req.Options.Steps
		}
		if len(args) > 0 {
			body.ClientArgs = args
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", generation.NewError(generation.ErrorKindTransport, "failed to encode submit payload: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+submitPath, bytes.NewReader(raw))
	if err != nil {
		return "", generation.NewError(generation.ErrorKindTransport, "failed to build submit request: %v", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", generation.NewError(generation.ErrorKindTransport, "submit request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", generation.NewError(generation.ErrorKindTransport, "failed to read submit response: %v", err)
	}

	// 451 is the service's content-moderation rejection.
	if resp.StatusCode == http.StatusUnavailableForLegalReasons {
		return "", generation.NewError(generation.ErrorKindContentPolicy, "prompt rejected by content moderation")
	}
	if resp.StatusCode != http.StatusOK {
		return "", generation.NewError(generation.ErrorKindRemoteFailure,
			"submit returned status %d", resp.StatusCode)
	}

	// The submit endpoint answers with the job UUID as a quoted string.
	jobID := strings.Trim(strings.TrimSpace(string(respBody)), `"`)
	if jobID == "" {
		return "", generation.NewError(generation.ErrorKindRemoteFailure, "submit returned an empty job id")
	}
	return jobID, nil
}

func (c *Client) poll(ctx context.Context, baseURL, jobID string, interval time.Duration, attempts int) (string, error) {
	statusURL := baseURL + fmt.Sprintf(statusPathFmt, jobID)

	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := c.pollOnce(ctx, statusURL)
		if err != nil {
			// Transient poll errors keep polling until the budget runs
			// out; only the final attempt surfaces the failure.
			if attempt >= attempts {
				return "", generation.NewError(generation.ErrorKindTransport,
					"polling failed after %d attempts: %v", attempts, err)
			}
			c.logger.Warn("poll attempt failed, retrying",
				"job_id", jobID,
				"attempt", attempt,
				"error", err)
		} else {
			switch status.TaskStatus {
			case "SUCCESS":
				if len(status.Artifacts) == 0 || status.Artifacts[0].URL == "" {
					return "", generation.NewError(generation.ErrorKindRemoteFailure,
						"job succeeded but returned no image URL")
				}
				return status.Artifacts[0].URL, nil
			case "FAILURE":
				msg := status.Error
				if msg == "" {
					msg = "remote job failed"
				}
				return "", generation.NewError(generation.ErrorKindRemoteFailure, "%s", msg)
			case "ILLEGAL_IMAGE":
				return "", generation.NewError(generation.ErrorKindIllegalContent,
					"generated image classified as illegal")
			case "TIMEOUT":
				return "", generation.NewError(generation.ErrorKindRemoteTimeout, "remote job timed out")
			}
			// Still pending; fall through to the wait.
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", generation.NewError(generation.ErrorKindTransport, "polling cancelled: %v", ctx.Err())
			case <-time.After(interval):
			}
		}
	}

	// Poll budget exhausted while the job was still in flight.
	return "", generation.NewError(generation.ErrorKindRemoteTimeout,
		"job unresolved after %d poll attempts", attempts)
}

func (c *Client) pollOnce(ctx context.Context, statusURL string) (*statusResponse, error) {
	pollCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(pollCtx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &status, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Token", c.cfg.APIToken)
	req.Header.Set("x-platform", "renderq/worker")
}
