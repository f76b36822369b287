package gh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ClientSuite struct {
	suite.Suite

	mux    *http.ServeMux
	server *httptest.Server
	client *Client

	// lastReq captures the most recent request's headers for assertions.
	lastReq *http.Request
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.mux = http.NewServeMux()
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.lastReq = r
		s.mux.ServeHTTP(w, r)
	}))

	var err error
	s.client, err = New(Config{
		APIURL: s.server.URL,
		Owner:  "my-org",
		Repo:   "my-repo",
		Token:  "ghp_test_token",
	})
	require.NoError(s.T(), err)
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func (s *ClientSuite) respondJSON(pattern string, v any) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	})
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func (s *ClientSuite) TestNew_RequiresToken() {
	_, err := New(Config{})
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "token")
}

func (s *ClientSuite) TestNew_AppliesDefaults() {
	c, err := New(Config{Token: "t"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), DefaultOwner, c.Owner())
	assert.Equal(s.T(), DefaultRepo, c.Repo())
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (s *ClientSuite) TestAuthenticatedUser() {
	s.respondJSON("/user", map[string]string{"login": "octocat"})

	login, err := s.client.AuthenticatedUser(context.Background())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "octocat", login)

	assert.Equal(s.T(), "Bearer ghp_test_token", s.lastReq.Header.Get("Authorization"))
	assert.Equal(s.T(), "application/vnd.github+json", s.lastReq.Header.Get("Accept"))
	assert.Equal(s.T(), "2022-11-28", s.lastReq.Header.Get("X-GitHub-Api-Version"))
}

func (s *ClientSuite) TestListWorkflows() {
	s.respondJSON("/repos/my-org/my-repo/actions/workflows", map[string]any{
		"total_count": 2,
		"workflows": []Workflow{
			{ID: 1, Name: "Dev Instance", Path: ".github/workflows/dev.yml", State: "active"},
			{ID: 2, Name: "Codesign", Path: ".github/workflows/codesign.yml", State: "active"},
		},
	})

	workflows, err := s.client.ListWorkflows(context.Background())
	require.NoError(s.T(), err)
	require.Len(s.T(), workflows, 2)
	assert.Equal(s.T(), "Dev Instance", workflows[0].Name)
}

func (s *ClientSuite) TestDispatchWorkflow() {
	var gotBody struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs"`
	}
	s.mux.HandleFunc("/repos/my-org/my-repo/actions/workflows/42/dispatches", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(s.T(), http.MethodPost, r.Method)
		require.NoError(s.T(), json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	})

	err := s.client.DispatchWorkflow(context.Background(), 42, "main", map[string]string{
		"arch": "linux-64",
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "main", gotBody.Ref)
	assert.Equal(s.T(), "linux-64", gotBody.Inputs["arch"])
}

func (s *ClientSuite) TestListWorkflowRuns() {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.respondJSON("/repos/my-org/my-repo/actions/workflows/42/runs", map[string]any{
		"workflow_runs": []WorkflowRun{
			{ID: 7, Status: "in_progress", CreatedAt: created, Actor: Actor{Login: "octocat"}},
		},
	})

	runs, err := s.client.ListWorkflowRuns(context.Background(), 42)
	require.NoError(s.T(), err)
	require.Len(s.T(), runs, 1)
	assert.Equal(s.T(), int64(7), runs[0].ID)
	assert.True(s.T(), runs[0].CreatedAt.Equal(created))
	assert.Equal(s.T(), "octocat", runs[0].Actor.Login)
}

func (s *ClientSuite) TestGetWorkflowRun() {
	s.respondJSON("/repos/my-org/my-repo/actions/runs/7", WorkflowRun{
		ID: 7, Status: StatusCompleted, Conclusion: ConclusionSuccess,
	})

	run, err := s.client.GetWorkflowRun(context.Background(), 7)
	require.NoError(s.T(), err)
	assert.True(s.T(), run.Completed())
	assert.True(s.T(), run.Succeeded())
}

func (s *ClientSuite) TestFileContent_Base64WithNewlines() {
	// GitHub wraps base64 payloads at 60 columns.
	encoded := base64.StdEncoding.EncodeToString([]byte("name: Codesign\non: workflow_dispatch\n"))
	wrapped := encoded[:20] + "\n" + encoded[20:]

	s.respondJSON("/repos/my-org/my-repo/contents/.github/workflows/codesign.yml", map[string]string{
		"content":  wrapped,
		"encoding": "base64",
	})

	src, err := s.client.FileContent(context.Background(), ".github/workflows/codesign.yml")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), src, "name: Codesign")
}

func (s *ClientSuite) TestDownloadRunLogs() {
	archive := zipArchive(s.T(), map[string]string{"0_job.txt": "hello"})
	s.mux.HandleFunc("/repos/my-org/my-repo/actions/runs/7/logs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})

	data, err := s.client.DownloadRunLogs(context.Background(), 7)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), archive, data)
}

func (s *ClientSuite) TestListArtifacts() {
	s.respondJSON("/repos/my-org/my-repo/actions/runs/7/artifacts", map[string]any{
		"artifacts": []Artifact{{ID: 3, Name: "signed-packages", SizeInBytes: 1024}},
	})

	artifacts, err := s.client.ListArtifacts(context.Background(), 7)
	require.NoError(s.T(), err)
	require.Len(s.T(), artifacts, 1)
	assert.Equal(s.T(), "signed-packages", artifacts[0].Name)
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func (s *ClientSuite) TestNon2xxWrapsErrRemote() {
	s.mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
	})

	_, err := s.client.AuthenticatedUser(context.Background())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrRemote)
	assert.Contains(s.T(), err.Error(), "status 401")
	assert.Contains(s.T(), err.Error(), "Bad credentials")
}

func (s *ClientSuite) TestUnknownPathIs404() {
	_, err := s.client.GetWorkflowRun(context.Background(), 999)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrRemote)
	assert.Contains(s.T(), err.Error(), "status 404")
}
