// Package ops composes the GitHub client, run correlator, run waiter,
// and log extractor into the named operations callers see: start a GPU
// dev instance, stop one, trigger a code-signing run, and inspect the
// codesign workflow definition.
//
// Every operation is a single logical thread of control: dispatch
// strictly precedes correlation, correlation precedes waiting, waiting
// precedes log retrieval and extraction.  Nothing here provides mutual
// exclusion across concurrent invocations -- if one identity dispatches
// two runs of the same workflow in overlapping correlation windows the
// correlator may match the wrong run, so callers serialize dispatches
// per (identity, workflow) pair.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/pushbutan/internal/gh"
	"github.com/terrpan/pushbutan/internal/logparse"
	"github.com/terrpan/pushbutan/internal/poll"
	"github.com/terrpan/pushbutan/internal/runs"
)

// DefaultCodesignWaitTimeout bounds codesign waits; signing queues are
// far slower than instance provisioning.
const DefaultCodesignWaitTimeout = 180 * time.Minute

// Client is the slice of the GitHub surface the facade consumes.
// *gh.Client satisfies it; tests substitute a fake.
type Client interface {
	DispatchWorkflow(ctx context.Context, workflowID int64, ref string, inputs map[string]string) error
	ListWorkflowRuns(ctx context.Context, workflowID int64) ([]gh.WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, runID int64) (*gh.WorkflowRun, error)
	DownloadRunLogs(ctx context.Context, runID int64) ([]byte, error)
	ListArtifacts(ctx context.Context, runID int64) ([]gh.Artifact, error)
	DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error)
	GetWorkflow(ctx context.Context, workflowID int64) (*gh.Workflow, error)
	FileContent(ctx context.Context, path string) (string, error)
	ListWorkflows(ctx context.Context) ([]gh.Workflow, error)
}

var _ Client = (*gh.Client)(nil)

// Config holds the collaborators and tunables for a Service.
type Config struct {
	Client Client

	// Username is the authenticated identity; the correlator matches
	// runs against it.
	Username string

	// Workflows selects the remote workflow ids.  Zero fields fall back
	// to the pinned defaults.
	Workflows WorkflowIDs

	// Correlate overrides the correlation polling policy (tests use
	// millisecond intervals).
	Correlate poll.Policy

	// WaitInterval separates run-status polls while waiting.
	WaitInterval time.Duration

	// WaitTimeout bounds instance start/stop waits.  Codesign uses
	// CodesignWaitTimeout.
	WaitTimeout         time.Duration
	CodesignWaitTimeout time.Duration

	// LogsDir is where raw run logs are persisted when a caller asks
	// for them (debugging side effect).
	LogsDir string

	Logger *slog.Logger
}

// Service is the operation facade.
type Service struct {
	client          Client
	username        string
	wf              WorkflowIDs
	correlator      *runs.Correlator
	waiter          *runs.Waiter
	waitTimeout     time.Duration
	codesignTimeout time.Duration
	logsDir         string
	logger          *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	dispatches   metric.Int64Counter
	opFailures   metric.Int64Counter
	waitDuration metric.Float64Histogram
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workflows.DevInstance == 0 {
		cfg.Workflows.DevInstance = DefaultDevInstanceWorkflowID
	}
	if cfg.Workflows.StopInstance == 0 {
		cfg.Workflows.StopInstance = DefaultStopInstanceWorkflowID
	}
	if cfg.Workflows.Codesign == 0 {
		cfg.Workflows.Codesign = DefaultCodesignWorkflowID
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = runs.DefaultWaitTimeout
	}
	if cfg.CodesignWaitTimeout <= 0 {
		cfg.CodesignWaitTimeout = DefaultCodesignWaitTimeout
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = "logs"
	}

	s := &Service{
		client:          cfg.Client,
		username:        cfg.Username,
		wf:              cfg.Workflows,
		correlator:      runs.NewCorrelator(cfg.Client, cfg.Correlate, cfg.Logger.WithGroup("correlate")),
		waiter:          runs.NewWaiter(cfg.Client, cfg.WaitInterval, cfg.Logger.WithGroup("wait")),
		waitTimeout:     cfg.WaitTimeout,
		codesignTimeout: cfg.CodesignWaitTimeout,
		logsDir:         cfg.LogsDir,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("pushbutan/ops"),
		meter:           otel.Meter("pushbutan/ops"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	s.dispatches, err = s.meter.Int64Counter(
		"pushbutan.dispatches",
		metric.WithDescription("Total number of workflow dispatches issued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create dispatches counter", slog.String("error", err.Error()))
	}

	s.opFailures, err = s.meter.Int64Counter(
		"pushbutan.operation.failures",
		metric.WithDescription("Total number of failed operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create opFailures counter", slog.String("error", err.Error()))
	}

	s.waitDuration, err = s.meter.Float64Histogram(
		"pushbutan.wait.duration",
		metric.WithDescription("Time from dispatch to terminal run state (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create waitDuration histogram", slog.String("error", err.Error()))
	}

	return s
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// StartOptions tunes a dev-instance start.  Zero fields take the
// upstream defaults.
type StartOptions struct {
	InstanceType logparse.InstanceType
	Lifetime     string // hours, passed through verbatim
	Branch       string
	ImageID      string
	SaveLogs     bool
	Timeout      time.Duration
}

func (o *StartOptions) applyDefaults() {
	if o.InstanceType == "" {
		o.InstanceType = logparse.InstanceTypeG4dn
	}
	if o.Lifetime == "" {
		o.Lifetime = "24"
	}
	if o.Branch == "" {
		o.Branch = "main"
	}
	if o.ImageID == "" {
		o.ImageID = "latest"
	}
}

// StartInstance dispatches the dev-instance workflow for arch, waits
// for the run to succeed, and extracts the instance details from its
// logs.  cuda_version is derived from arch and never caller-supplied.
func (s *Service) StartInstance(ctx context.Context, arch logparse.Arch, opts StartOptions) (*logparse.InstanceDetails, error) {
	ctx, span := s.tracer.Start(ctx, "ops.StartInstance")
	defer span.End()

	opts.applyDefaults()
	if opts.Timeout <= 0 {
		opts.Timeout = s.waitTimeout
	}

	cuda := CudaNone
	if arch == logparse.ArchLinux {
		cuda = Cuda124
	}

	span.SetAttributes(
		attribute.String("instance.arch", string(arch)),
		attribute.String("instance.type", string(opts.InstanceType)),
		attribute.String("instance.lifetime", opts.Lifetime),
	)

	in := DevInstanceInputs{
		Arch:         arch,
		InstanceType: opts.InstanceType,
		CudaVersion:  cuda,
		ImageID:      opts.ImageID,
		Branch:       opts.Branch,
		Lifetime:     opts.Lifetime,
	}

	runID, err := s.dispatchAndCorrelate(ctx, s.wf.DevInstance, in.inputs())
	if err != nil {
		return nil, s.fail("start", err)
	}
	span.SetAttributes(attribute.Int64("run.id", runID))

	start := time.Now()
	if _, err := s.waiter.Wait(ctx, runID, opts.Timeout); err != nil {
		return nil, s.fail("start", err)
	}
	if s.waitDuration != nil {
		s.waitDuration.Record(ctx, time.Since(start).Seconds())
	}

	text, err := s.runLogText(ctx, runID, opts.SaveLogs)
	if err != nil {
		return nil, s.fail("start", err)
	}

	details, err := logparse.ExtractInstanceDetails(text)
	if err != nil {
		return nil, s.fail("start", fmt.Errorf("run %d: %w", runID, err))
	}

	s.logger.Info("instance ready",
		slog.String("instanceID", details.InstanceID),
		slog.String("ipAddress", details.IPAddress),
		slog.String("arch", string(details.Arch)),
		slog.String("instanceType", string(details.InstanceType)),
	)
	return details, nil
}

// DispatchInstance issues a dev-instance dispatch and returns the
// correlated run id without waiting for completion.  The MCP surface
// uses this so an agent can track the run itself.
func (s *Service) DispatchInstance(ctx context.Context, arch logparse.Arch, opts StartOptions) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ops.DispatchInstance")
	defer span.End()

	opts.applyDefaults()

	cuda := CudaNone
	if arch == logparse.ArchLinux {
		cuda = Cuda124
	}

	in := DevInstanceInputs{
		Arch:         arch,
		InstanceType: opts.InstanceType,
		CudaVersion:  cuda,
		ImageID:      opts.ImageID,
		Branch:       opts.Branch,
		Lifetime:     opts.Lifetime,
	}

	runID, err := s.dispatchAndCorrelate(ctx, s.wf.DevInstance, in.inputs())
	if err != nil {
		return 0, s.fail("dispatch", err)
	}
	return runID, nil
}

// StopResult is the caller-facing outcome of a stop operation.
type StopResult struct {
	RunID   int64 `json:"run_id"`
	Success bool  `json:"success"`
}

// StopInstance dispatches the stop workflow for instanceID and waits
// for it to finish.  Stop runs produce only a pass/fail signal, so no
// log extraction happens.
func (s *Service) StopInstance(ctx context.Context, instanceID string, timeout time.Duration) (*StopResult, error) {
	ctx, span := s.tracer.Start(ctx, "ops.StopInstance")
	defer span.End()

	span.SetAttributes(attribute.String("instance.id", instanceID))

	if timeout <= 0 {
		timeout = s.waitTimeout
	}

	in := StopInstanceInputs{InstanceIDs: instanceID}
	runID, err := s.dispatchAndCorrelate(ctx, s.wf.StopInstance, in.inputs())
	if err != nil {
		return nil, s.fail("stop", err)
	}
	span.SetAttributes(attribute.Int64("run.id", runID))

	start := time.Now()
	if _, err := s.waiter.Wait(ctx, runID, timeout); err != nil {
		return nil, s.fail("stop", err)
	}
	if s.waitDuration != nil {
		s.waitDuration.Record(ctx, time.Since(start).Seconds())
	}

	s.logger.Info("instance stop completed", slog.String("instanceID", instanceID))
	return &StopResult{RunID: runID, Success: true}, nil
}

// DispatchStop issues a stop-instance dispatch and returns the
// correlated run id without waiting.  Used by the MCP surface.
func (s *Service) DispatchStop(ctx context.Context, instanceID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ops.DispatchStop")
	defer span.End()

	in := StopInstanceInputs{InstanceIDs: instanceID}
	runID, err := s.dispatchAndCorrelate(ctx, s.wf.StopInstance, in.inputs())
	if err != nil {
		return 0, s.fail("dispatch", err)
	}
	return runID, nil
}

// CodesignOptions tunes a codesign trigger.
type CodesignOptions struct {
	Cert             Cert
	Channel          string
	PackageSpec      string
	GenerateRepodata bool

	// DownloadDir, when set, triggers a post-wait artifact fetch into
	// that directory.
	DownloadDir string

	Timeout time.Duration
}

// CodesignResult is the caller-facing outcome of a codesign trigger.
type CodesignResult struct {
	RunID        int64  `json:"run_id"`
	ArtifactPath string `json:"artifact_path,omitempty"`
}

// TriggerCodesign dispatches the codesign workflow and waits for it
// under the longer codesign timeout.  When DownloadDir is set the
// run's first artifact is downloaded there afterwards.
func (s *Service) TriggerCodesign(ctx context.Context, opts CodesignOptions) (*CodesignResult, error) {
	ctx, span := s.tracer.Start(ctx, "ops.TriggerCodesign")
	defer span.End()

	if opts.Cert == "" {
		opts.Cert = CertDev
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.codesignTimeout
	}

	span.SetAttributes(
		attribute.String("codesign.cert", string(opts.Cert)),
		attribute.String("codesign.channel", opts.Channel),
	)

	in := CodesignInputs{
		Cert:             opts.Cert,
		OrgChannel:       opts.Channel,
		PackageSpec:      opts.PackageSpec,
		GenerateRepodata: opts.GenerateRepodata,
	}

	runID, err := s.dispatchAndCorrelate(ctx, s.wf.Codesign, in.inputs())
	if err != nil {
		return nil, s.fail("codesign", err)
	}
	span.SetAttributes(attribute.Int64("run.id", runID))

	start := time.Now()
	if _, err := s.waiter.Wait(ctx, runID, opts.Timeout); err != nil {
		return nil, s.fail("codesign", err)
	}
	if s.waitDuration != nil {
		s.waitDuration.Record(ctx, time.Since(start).Seconds())
	}

	result := &CodesignResult{RunID: runID}
	if opts.DownloadDir != "" {
		path, err := s.downloadFirstArtifact(ctx, runID, opts.DownloadDir)
		if err != nil {
			return nil, s.fail("codesign", err)
		}
		result.ArtifactPath = path
	}
	return result, nil
}

// WorkflowSource is a workflow definition's decoded source text, for
// operator inspection.
type WorkflowSource struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Source string `json:"source"`
}

// InspectCodesignWorkflow fetches the codesign workflow's metadata and
// decoded definition file.  No dispatch is involved.
func (s *Service) InspectCodesignWorkflow(ctx context.Context) (*WorkflowSource, error) {
	ctx, span := s.tracer.Start(ctx, "ops.InspectCodesignWorkflow")
	defer span.End()

	wf, err := s.client.GetWorkflow(ctx, s.wf.Codesign)
	if err != nil {
		return nil, s.fail("inspect", err)
	}
	src, err := s.client.FileContent(ctx, wf.Path)
	if err != nil {
		return nil, s.fail("inspect", err)
	}
	return &WorkflowSource{ID: wf.ID, Name: wf.Name, Path: wf.Path, Source: src}, nil
}

// ListWorkflows returns the repository's workflow definitions.
func (s *Service) ListWorkflows(ctx context.Context) ([]gh.Workflow, error) {
	ctx, span := s.tracer.Start(ctx, "ops.ListWorkflows")
	defer span.End()

	workflows, err := s.client.ListWorkflows(ctx)
	if err != nil {
		return nil, s.fail("list", err)
	}
	return workflows, nil
}

// RunStatus returns the current state of a run.  Used by the MCP
// surface to answer polling agents.
func (s *Service) RunStatus(ctx context.Context, runID int64) (*gh.WorkflowRun, error) {
	return s.client.GetWorkflowRun(ctx, runID)
}

// InstanceDetailsFromRun fetches a run's logs and extracts the
// instance details.  Used by the MCP surface once a run is ready.
func (s *Service) InstanceDetailsFromRun(ctx context.Context, runID int64) (*logparse.InstanceDetails, error) {
	ctx, span := s.tracer.Start(ctx, "ops.InstanceDetailsFromRun")
	defer span.End()

	text, err := s.runLogText(ctx, runID, false)
	if err != nil {
		return nil, s.fail("details", err)
	}
	details, err := logparse.ExtractInstanceDetails(text)
	if err != nil {
		return nil, s.fail("details", fmt.Errorf("run %d: %w", runID, err))
	}
	return details, nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// dispatchAndCorrelate records the intent, issues the dispatch, and
// correlates the resulting run.  The intent's timestamp is captured
// before the dispatch call so a run created in the same instant still
// matches.
func (s *Service) dispatchAndCorrelate(ctx context.Context, workflowID int64, inputs map[string]string) (int64, error) {
	intent := runs.NewIntent(workflowID, s.username)

	s.logger.Info("dispatching workflow",
		slog.String("intentID", intent.ID),
		slog.Int64("workflowID", workflowID),
		slog.String("actor", intent.Actor),
		slog.Time("dispatchedAt", intent.DispatchedAt),
	)

	if err := s.client.DispatchWorkflow(ctx, workflowID, "main", inputs); err != nil {
		return 0, err
	}
	if s.dispatches != nil {
		s.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.Int64("workflow.id", workflowID)))
	}

	return s.correlator.Find(ctx, intent)
}

// runLogText downloads a run's log archive and returns the combined
// text, optionally persisting the raw logs first.
func (s *Service) runLogText(ctx context.Context, runID int64, save bool) (string, error) {
	archive, err := s.client.DownloadRunLogs(ctx, runID)
	if err != nil {
		return "", err
	}
	if save {
		if err := gh.SaveRunLogs(s.logsDir, runID, archive); err != nil {
			// Persistence is a debugging side effect, never fatal.
			s.logger.Warn("failed to save run logs",
				slog.Int64("runID", runID),
				slog.String("error", err.Error()),
			)
		}
	}
	return gh.CombinedLogText(archive)
}

// downloadFirstArtifact fetches the run's first artifact into dir and
// returns the written path.
func (s *Service) downloadFirstArtifact(ctx context.Context, runID int64, dir string) (string, error) {
	artifacts, err := s.client.ListArtifacts(ctx, runID)
	if err != nil {
		return "", err
	}
	if len(artifacts) == 0 {
		return "", fmt.Errorf("run %d produced no artifacts", runID)
	}

	art := artifacts[0]
	data, err := s.client.DownloadArtifact(ctx, art.ID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating download dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.zip", art.Name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", path, err)
	}

	s.logger.Info("artifact downloaded",
		slog.Int64("runID", runID),
		slog.String("artifact", art.Name),
		slog.String("path", path),
	)
	return path, nil
}

// fail wraps err into the single "operation failed" taxonomy and bumps
// the failure counter.  The sub-case stays distinguishable through the
// wrapped sentinel and its message text.
func (s *Service) fail(op string, err error) error {
	if s.opFailures != nil {
		s.opFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("operation", op)))
	}
	return fmt.Errorf("%s operation failed: %w", op, err)
}
