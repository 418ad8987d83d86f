package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/float-service/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateVideo = "/v1/generate/video"
	apiHealth        = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

const defaultReadyPollInterval = 2 * time.Second

// Error messages.
const (
	errFmtServiceErrorWithCode = "inference server error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "inference server returned non-OK status: %s, body: %s"
)

var (
	// ErrEmptyResultPath is returned when the server answers 200 without a result path.
	ErrEmptyResultPath = errors.New("inference server returned an empty result path")
	// ErrModelNotLoaded is returned by HealthCheck while the remote model is still loading.
	ErrModelNotLoaded = errors.New("inference server model not loaded")
)

// GenerateRequest is the JSON payload sent to the inference server.
type GenerateRequest struct {
	ResVideoPath string  `json:"res_video_path"`
	RefPath      string  `json:"ref_path"`
	AudioPath    string  `json:"audio_path"`
	ACfgScale    float64 `json:"a_cfg_scale"`
	RCfgScale    float64 `json:"r_cfg_scale"`
	ECfgScale    float64 `json:"e_cfg_scale"`
	Emo          string  `json:"emo"`
	NFE          int     `json:"nfe"`
	NoCrop       bool    `json:"no_crop"`
	Seed         int     `json:"seed"`
	Verbose      bool    `json:"verbose"`
	Rank         int     `json:"rank"`
	NGPUs        int     `json:"ngpus"`
	ResDir       string  `json:"res_dir"`
}

// GenerateResponse is the inference server's success body.
type GenerateResponse struct {
	ResultPath string `json:"result_path"`
}

// ErrorResponse represents a structured error response from the inference server.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// HTTPAgent implements core.Agent against a resident FLOAT inference server.
// The server shares a filesystem with this service: paths travel, bytes do not.
type HTTPAgent struct {
	httpClient *http.Client
	baseURL    string
	options    Options
	log        *logger.Logger
}

// NewHTTPAgent creates an agent for the server at baseURL (e.g. "http://localhost:8003").
// The timeout applies to every HTTP request made by the agent.
func NewHTTPAgent(baseURL string, timeout time.Duration, opts Options, log *logger.Logger) *HTTPAgent {
	return &HTTPAgent{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		options: opts,
		log:     log,
	}
}

// RunInference asks the server to render params and returns the path it reports.
func (a *HTTPAgent) RunInference(ctx context.Context, params core.InferenceParams) (string, error) {
	requestBody, err := json.Marshal(GenerateRequest{
		ResVideoPath: params.OutputPath,
		RefPath:      params.RefPath,
		AudioPath:    params.AudioPath,
		ACfgScale:    params.ACfgScale,
		RCfgScale:    params.RCfgScale,
		ECfgScale:    params.ECfgScale,
		Emo:          params.Emotion,
		NFE:          params.NFE,
		NoCrop:       params.NoCrop,
		Seed:         params.Seed,
		Verbose:      params.Verbose,
		Rank:         a.options.Rank,
		NGPUs:        a.options.NGPUs,
		ResDir:       a.options.ResDir,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		a.baseURL+apiGenerateVideo,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request to inference server at %s: %w", a.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", parseErrorResponse(resp)
	}

	var result GenerateResponse

	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return "", fmt.Errorf("failed to decode inference response: %w", err)
	}

	if result.ResultPath == "" {
		return "", ErrEmptyResultPath
	}

	return result.ResultPath, nil
}

// HealthCheck returns nil once the server is up and reports its model as loaded.
func (a *HTTPAgent) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for server at %s: %w", a.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	var health healthResponse

	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if !health.ModelLoaded {
		return ErrModelNotLoaded
	}

	return nil
}

// WaitReady polls HealthCheck until it succeeds or ctx is done.
func (a *HTTPAgent) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := a.HealthCheck(ctx)
		if err == nil {
			a.log.Info("Inference server at %s reports model loaded", a.baseURL)

			return nil
		}

		a.log.Warn("Inference server not ready yet: %v", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for %s: %w (last error: %w)", a.baseURL, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

// Close releases idle connections.
func (a *HTTPAgent) Close() error {
	a.httpClient.CloseIdleConnections()

	return nil
}

// parseErrorResponse decodes a structured JSON error, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, readErr.Error())
	}

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}
