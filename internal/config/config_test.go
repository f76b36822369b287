package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/zalando/go-keyring"

	"github.com/terrpan/pushbutan/internal/gh"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

type LoadSuite struct {
	suite.Suite
}

func TestLoadSuite(t *testing.T) {
	suite.Run(t, new(LoadSuite))
}

func (s *LoadSuite) writeConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (s *LoadSuite) TestLoad_FullConfig() {
	path := s.writeConfig(`
github:
  owner: my-org
  repo: my-repo
  token: ghp_test
workflows:
  dev_instance_id: 111
  stop_instance_id: 222
  codesign_id: 333
logs:
  dir: /tmp/run-logs
logging:
  level: debug
  format: json
prometheus:
  port: 9090
`)

	cfg, err := Load(path)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "my-org", cfg.GitHub.Owner)
	assert.Equal(s.T(), "my-repo", cfg.GitHub.Repo)
	assert.Equal(s.T(), "ghp_test", cfg.GitHub.Token)
	assert.Equal(s.T(), int64(111), cfg.Workflows.DevInstanceID)
	assert.Equal(s.T(), int64(333), cfg.Workflows.CodesignID)
	assert.Equal(s.T(), "/tmp/run-logs", cfg.Logs.Dir)
	assert.Equal(s.T(), "debug", cfg.Logging.Level)
	assert.Equal(s.T(), 9090, cfg.Prometheus.Port)
}

func (s *LoadSuite) TestLoad_MissingFileIsNotAnError() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "nope.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *LoadSuite) TestLoad_MalformedYAML() {
	path := s.writeConfig("github: [not a mapping")
	_, err := Load(path)
	require.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

type ValidateSuite struct {
	suite.Suite
}

func TestValidateSuite(t *testing.T) {
	suite.Run(t, new(ValidateSuite))
}

func (s *ValidateSuite) TestValidate_EmptyConfigGetsDefaults() {
	cfg := &Config{}
	require.NoError(s.T(), cfg.Validate())

	assert.Equal(s.T(), gh.DefaultAPIURL, cfg.GitHub.APIURL)
	assert.Equal(s.T(), gh.DefaultOwner, cfg.GitHub.Owner)
	assert.Equal(s.T(), gh.DefaultRepo, cfg.GitHub.Repo)
	assert.Equal(s.T(), "logs", cfg.Logs.Dir)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
}

func (s *ValidateSuite) TestValidate_BadAPIURL() {
	cfg := &Config{GitHub: GitHubConfig{APIURL: "not a url"}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "api_url")
}

func (s *ValidateSuite) TestValidate_BadLogFormat() {
	cfg := &Config{Logging: LoggingConfig{Format: "xml"}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "logging.format")
}

func (s *ValidateSuite) TestValidate_BadPrometheusPort() {
	cfg := &Config{Prometheus: PrometheusConfig{Port: 70000}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "prometheus.port")
}

// ---------------------------------------------------------------------------
// Token resolution
// ---------------------------------------------------------------------------

type TokenSuite struct {
	suite.Suite
}

func TestTokenSuite(t *testing.T) {
	suite.Run(t, new(TokenSuite))
}

func (s *TokenSuite) SetupTest() {
	keyring.MockInit()
	s.T().Setenv(EnvToken, "")
}

func (s *TokenSuite) TestResolveToken_ConfigWins() {
	s.T().Setenv(EnvToken, "env-token")
	cfg := &Config{GitHub: GitHubConfig{Token: "config-token"}}

	tok, err := cfg.ResolveToken()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "config-token", tok)
}

func (s *TokenSuite) TestResolveToken_EnvFallback() {
	s.T().Setenv(EnvToken, "env-token")
	cfg := &Config{}

	tok, err := cfg.ResolveToken()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "env-token", tok)
}

func (s *TokenSuite) TestResolveToken_KeyringFallback() {
	require.NoError(s.T(), StoreToken("keyring-token"))
	cfg := &Config{}

	tok, err := cfg.ResolveToken()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "keyring-token", tok)
}

func (s *TokenSuite) TestResolveToken_NothingSet() {
	cfg := &Config{}

	_, err := cfg.ResolveToken()
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrNoToken)
	assert.Contains(s.T(), err.Error(), EnvToken)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

type FactorySuite struct {
	suite.Suite
}

func TestFactorySuite(t *testing.T) {
	suite.Run(t, new(FactorySuite))
}

func (s *FactorySuite) TestNewLogger_LevelRespected() {
	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	logger := cfg.NewLogger()

	assert.False(s.T(), logger.Enabled(s.T().Context(), slog.LevelInfo))
	assert.True(s.T(), logger.Enabled(s.T().Context(), slog.LevelWarn))
}

func (s *FactorySuite) TestNewClient_UsesResolvedToken() {
	keyring.MockInit()
	cfg := &Config{GitHub: GitHubConfig{Token: "ghp_test"}}
	require.NoError(s.T(), cfg.Validate())

	client, err := cfg.NewClient(cfg.NewLogger())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), gh.DefaultOwner, client.Owner())
}

func (s *FactorySuite) TestNewClient_NoToken() {
	keyring.MockInit()
	s.T().Setenv(EnvToken, "")
	cfg := &Config{}
	require.NoError(s.T(), cfg.Validate())

	_, err := cfg.NewClient(cfg.NewLogger())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrNoToken)
}
