// Package gh is a thin typed client for the slice of the GitHub REST
// API that pushbutan drives: workflow dispatch, run listing, run
// status, log/artifact download, and workflow metadata.  The client
// owns no state beyond the bearer token and the repository coordinates;
// callers decide what the responses mean.
package gh

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultAPIURL is the public GitHub REST v3 endpoint.
	DefaultAPIURL = "https://api.github.com"

	// DefaultOwner and DefaultRepo identify the repository whose
	// workflows this tool drives.
	DefaultOwner = "anaconda-distribution"
	DefaultRepo  = "rocket-platform"

	apiVersion = "2022-11-28"
)

// Run status and conclusion values this tool cares about.  GitHub
// defines more; anything not listed here is treated as "not finished
// yet" (status) or "not success" (conclusion).
const (
	StatusCompleted    = "completed"
	ConclusionSuccess  = "success"
	ConclusionFailure  = "failure"
	ConclusionCanceled = "cancelled"
)

// Actor is the principal that created a workflow run.
type Actor struct {
	Login string `json:"login"`
}

// WorkflowRun is a single execution of a workflow.  Runs are created
// remotely by a dispatch call and only ever observed, never mutated,
// by this client.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
	Actor      Actor     `json:"actor"`
	HTMLURL    string    `json:"html_url"`
}

// Completed reports whether the run has reached its terminal state.
func (r *WorkflowRun) Completed() bool {
	return r.Status == StatusCompleted
}

// Succeeded reports whether the run completed with a success conclusion.
func (r *WorkflowRun) Succeeded() bool {
	return r.Completed() && r.Conclusion == ConclusionSuccess
}

// Workflow is a workflow definition registered on the repository.
type Workflow struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	State string `json:"state"`
}

// Artifact is a named binary bundle produced by a completed run.
type Artifact struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	SizeInBytes int64  `json:"size_in_bytes"`
	Expired     bool   `json:"expired"`
}

// Config holds the parameters needed to construct a Client.
type Config struct {
	// APIURL overrides the GitHub API base URL (used in tests).
	// Default: DefaultAPIURL.
	APIURL string

	// Owner and Repo identify the target repository.
	// Defaults: DefaultOwner / DefaultRepo.
	Owner string
	Repo  string

	// Token is the bearer credential.  Required.
	Token string

	// HTTPClient overrides the underlying HTTP client (used in tests).
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to the GitHub REST API for a single repository.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client.  The token must be non-empty; credential
// sourcing (env var, keyring, config file) is the config package's job.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("gh: token is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Owner == "" {
		cfg.Owner = DefaultOwner
	}
	if cfg.Repo == "" {
		cfg.Repo = DefaultRepo
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL:    cfg.APIURL,
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// Owner returns the configured repository owner.
func (c *Client) Owner() string { return c.owner }

// Repo returns the configured repository name.
func (c *Client) Repo() string { return c.repo }

// AuthenticatedUser returns the login of the token's principal.  The
// correlator matches runs against this identity.
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	var out struct {
		Login string `json:"login"`
	}
	if err := c.getJSON(ctx, "/user", &out); err != nil {
		return "", fmt.Errorf("get authenticated user: %w", err)
	}
	return out.Login, nil
}

// ListWorkflows returns all workflow definitions on the repository.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var out struct {
		Workflows []Workflow `json:"workflows"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows", c.owner, c.repo)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out.Workflows, nil
}

// GetWorkflow returns metadata for a single workflow definition.
func (c *Client) GetWorkflow(ctx context.Context, workflowID int64) (*Workflow, error) {
	var out Workflow
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%d", c.owner, c.repo, workflowID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("get workflow %d: %w", workflowID, err)
	}
	return &out, nil
}

// FileContent fetches a file from the repository's default branch and
// returns its decoded text.  GitHub serves file contents base64-encoded.
func (c *Client) FileContent(ctx context.Context, path string) (string, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s", c.owner, c.repo, path)
	if err := c.getJSON(ctx, apiPath, &out); err != nil {
		return "", fmt.Errorf("get contents %s: %w", path, err)
	}
	if out.Encoding != "base64" {
		return "", fmt.Errorf("get contents %s: unexpected encoding %q", path, out.Encoding)
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		// GitHub wraps base64 content with newlines.
		decoded, err = base64.StdEncoding.DecodeString(stripNewlines(out.Content))
		if err != nil {
			return "", fmt.Errorf("get contents %s: decoding base64: %w", path, err)
		}
	}
	return string(decoded), nil
}

// DispatchWorkflow asks GitHub to start a new run of workflowID on ref
// with the given inputs.  GitHub acknowledges with 204 and returns no
// run id; correlating the resulting run is the runs package's job.
func (c *Client) DispatchWorkflow(ctx context.Context, workflowID int64, ref string, inputs map[string]string) error {
	body := struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs,omitempty"`
	}{Ref: ref, Inputs: inputs}

	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%d/dispatches", c.owner, c.repo, workflowID)
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("dispatch workflow %d: %w", workflowID, err)
	}

	c.logger.Debug("workflow dispatched",
		slog.Int64("workflowID", workflowID),
		slog.String("ref", ref),
	)
	return nil
}

// ListWorkflowRuns returns recent runs of a workflow, newest first.
// The API offers no reliable server-side filter by actor or creation
// time, so callers filter client-side.
func (c *Client) ListWorkflowRuns(ctx context.Context, workflowID int64) ([]WorkflowRun, error) {
	var out struct {
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%d/runs", c.owner, c.repo, workflowID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list runs for workflow %d: %w", workflowID, err)
	}
	return out.WorkflowRuns, nil
}

// GetWorkflowRun returns the current state of a single run.
func (c *Client) GetWorkflowRun(ctx context.Context, runID int64) (*WorkflowRun, error) {
	var out WorkflowRun
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", c.owner, c.repo, runID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("get run %d: %w", runID, err)
	}
	return &out, nil
}

// DownloadRunLogs downloads the zip archive of a run's logs.  GitHub
// answers with a redirect to a signed URL; the HTTP client follows it.
func (c *Client) DownloadRunLogs(ctx context.Context, runID int64) ([]byte, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/logs", c.owner, c.repo, runID)
	data, err := c.getRaw(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("download logs for run %d: %w", runID, err)
	}
	return data, nil
}

// ListArtifacts returns the artifacts produced by a run.
func (c *Client) ListArtifacts(ctx context.Context, runID int64) ([]Artifact, error) {
	var out struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts", c.owner, c.repo, runID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list artifacts for run %d: %w", runID, err)
	}
	return out.Artifacts, nil
}

// DownloadArtifact downloads an artifact's zip archive by id.
func (c *Client) DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/artifacts/%d/zip", c.owner, c.repo, artifactID)
	data, err := c.getRaw(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("download artifact %d: %w", artifactID, err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do performs a JSON request against the API.  Any transport failure or
// non-2xx response surfaces as a single opaque remote error carrying
// the underlying cause; this client does not distinguish 4xx from 5xx.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRemote, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRemote, method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: decoding response: %w", ErrRemote, method, path, err)
	}
	return nil
}

// getRaw performs a GET and returns the raw response bytes (used for
// zip downloads, which arrive via a signed redirect URL).
func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrRemote, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: GET %s: status %d: %s", ErrRemote, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: reading body: %w", ErrRemote, path, err)
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
}

func stripNewlines(s string) string {
	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			continue
		}
		buf = append(buf, s[i])
	}
	return string(buf)
}
