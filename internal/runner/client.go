// Package runner is the reference runner: it polls the server for jobs,
// executes them, and reports logs, status, and artifacts back.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// Sentinel errors for server communication failures.
var (
	ErrServerUnreachable = errors.New("ci server unreachable")
	ErrServerTimeout     = errors.New("ci server timeout")
	ErrUnexpectedStatus  = errors.New("unexpected response status")
	ErrUnauthorized      = errors.New("runner token rejected")
)

// Client is the runner's view of the server API.
type Client interface {
	Lease(ctx context.Context, tags []string) (*models.JobDescriptor, error)
	AppendLog(ctx context.Context, jobID uuid.UUID, seq int64, content string) error
	ReportStatus(ctx context.Context, jobID uuid.UUID, status models.Status, exitCode *int) error
	JobStatus(ctx context.Context, jobID uuid.UUID) (models.Status, error)
	UploadArtifact(ctx context.Context, jobID uuid.UUID, path string, content io.Reader) error
}

// HTTPClient implements Client over the runner REST endpoints.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client that authenticates with token.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Lease asks for the next ready job. It returns nil, nil when the server
// has nothing to hand out.
func (c *HTTPClient) Lease(ctx context.Context, tags []string) (*models.JobDescriptor, error) {
	if tags == nil {
		tags = []string{}
	}
	body, err := json.Marshal(map[string]any{"tags": tags})
	if err != nil {
		return nil, fmt.Errorf("encoding lease request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/runner/lease", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, statusError(resp)
	}

	var desc models.JobDescriptor
	if err := decodeData(resp.Body, &desc); err != nil {
		return nil, fmt.Errorf("decoding lease response: %w", err)
	}
	return &desc, nil
}

func (c *HTTPClient) AppendLog(ctx context.Context, jobID uuid.UUID, seq int64, content string) error {
	body, err := json.Marshal(map[string]any{"seq": seq, "content": content})
	if err != nil {
		return fmt.Errorf("encoding log chunk: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/runner/jobs/"+jobID.String()+"/logs", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

func (c *HTTPClient) ReportStatus(ctx context.Context, jobID uuid.UUID, status models.Status, exitCode *int) error {
	body, err := json.Marshal(map[string]any{"status": status, "exit_code": exitCode})
	if err != nil {
		return fmt.Errorf("encoding status report: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/runner/jobs/"+jobID.String()+"/status", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// JobStatus fetches the job's current status. The loop uses it to notice
// cancellation.
func (c *HTTPClient) JobStatus(ctx context.Context, jobID uuid.UUID) (models.Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID.String()+"/status", "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var out struct {
		Status models.Status `json:"status"`
	}
	if err := decodeData(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decoding job status: %w", err)
	}
	return out.Status, nil
}

// UploadArtifact sends content as a multipart form. The file is buffered
// in memory before sending.
func (c *HTTPClient) UploadArtifact(ctx context.Context, jobID uuid.UUID, path string, content io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("path", path); err != nil {
		return fmt.Errorf("writing path field: %w", err)
	}
	part, err := mw.CreateFormFile("file", path)
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("reading artifact %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/runner/jobs/"+jobID.String()+"/artifacts", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

// statusError turns a non-success response into an error carrying the
// server's error code when the body has one.
func statusError(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)

	sentinel := ErrUnexpectedStatus
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		sentinel = ErrUnauthorized
	}
	if env.Error.Code != "" {
		return fmt.Errorf("%w: status %d %s: %s", sentinel, resp.StatusCode, env.Error.Code, env.Error.Message)
	}
	return fmt.Errorf("%w: status %d", sentinel, resp.StatusCode)
}

// decodeData unwraps the {"data": ...} envelope into v.
func decodeData(r io.Reader, v any) error {
	env := struct {
		Data any `json:"data"`
	}{Data: v}
	return json.NewDecoder(r).Decode(&env)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrServerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrServerTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
