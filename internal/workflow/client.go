package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
)

// DefaultBasePath is where the proxy handlers are mounted on the server.
const DefaultBasePath = "/api"

// APIError carries a non-2xx response from the proxy. Message is the
// proxy-provided message, or a generic one when the body was unusable.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client calls the proxy handlers. It holds no per-request state and is safe
// for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient returns a Client for the proxy mounted at baseURL, e.g.
// "http://localhost:8080/api". A nil httpClient uses a default client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		logger:  logger,
	}
}

type runBody struct {
	RunRequest
	ResponseMode ResponseMode `json:"response_mode"`
}

// RunWorkflow executes a workflow in blocking mode and returns the finished run.
func (c *Client) RunWorkflow(ctx context.Context, req RunRequest) (*WorkflowRunResponse, error) {
	resp, err := c.postRun(ctx, req, ResponseModeBlocking)
	if err != nil {
		c.logger.Error("workflow execution error", "error", err)
		return nil, err
	}
	defer c.closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := decodeAPIError(resp, "Workflow execution failed")
		c.logger.Error("workflow execution error", "status", resp.StatusCode, "error", err)
		return nil, err
	}

	var out WorkflowRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode workflow response: %w", err)
	}
	return &out, nil
}

// Stream executes a workflow in streaming mode and returns its decoded events.
// The response body is closed once the sequence ends. Cancel ctx to abandon the
// stream early.
func (c *Client) Stream(ctx context.Context, req RunRequest) (<-chan StreamResult, error) {
	resp, err := c.postRun(ctx, req, ResponseModeStreaming)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer c.closeBody(resp)
		return nil, decodeAPIError(resp, "Workflow execution failed")
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("response body is not readable")
	}

	events := Decode(ctx, resp.Body, c.logger)
	out := make(chan StreamResult)
	go func() {
		defer close(out)
		defer c.closeBody(resp)
		for res := range events {
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RunWorkflowStreaming executes a workflow in streaming mode and dispatches each
// event to h. Any failure, including one before the stream opens, is passed to
// h.OnError and returned. Nothing is retried.
func (c *Client) RunWorkflowStreaming(ctx context.Context, req RunRequest, h Handlers) error {
	results, err := c.Stream(ctx, req)
	if err != nil {
		c.logger.Error("streaming error", "error", err)
		h.onError(err)
		return err
	}
	if err := Dispatch(ctx, results, h, c.logger); err != nil {
		c.logger.Error("streaming error", "error", err)
		return err
	}
	return nil
}

// UploadFile sends r as the "file" part of a multipart upload for user.
func (c *Client) UploadFile(ctx context.Context, r io.Reader, filename, user string) (*FileUploadResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := mw.WriteField("user", user); err != nil {
		return nil, fmt.Errorf("failed to write user field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file-upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("file upload error", "error", err)
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := decodeAPIError(resp, "File upload failed")
		c.logger.Error("file upload error", "status", resp.StatusCode, "error", err)
		return nil, err
	}

	var out FileUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &out, nil
}

// StopWorkflow asks the upstream to cancel taskID. The response body is ignored.
func (c *Client) StopWorkflow(ctx context.Context, taskID, user string) error {
	payload, err := json.Marshal(map[string]string{"task_id": taskID, "user": user})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.postJSON(ctx, "/workflow-stop", payload)
	if err != nil {
		c.logger.Error("stop workflow error", "task_id", taskID, "error", err)
		return err
	}
	defer c.closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := decodeAPIError(resp, "Failed to stop workflow")
		c.logger.Error("stop workflow error", "task_id", taskID, "status", resp.StatusCode, "error", err)
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) postRun(ctx context.Context, req RunRequest, mode ResponseMode) (*http.Response, error) {
	payload, err := json.Marshal(runBody{RunRequest: req, ResponseMode: mode})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.postJSON(ctx, "/workflow-run", payload)
}

func (c *Client) postJSON(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Error("failed to close response body", "error", err)
	}
}

// decodeAPIError reads an ErrorEnvelope from resp, falling back to fallback
// when the body is empty or not JSON.
func decodeAPIError(resp *http.Response, fallback string) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Message: fallback}
	var env ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apiErr
	}
	apiErr.Code = env.Code
	if env.Message != "" {
		apiErr.Message = env.Message
	}
	return apiErr
}
