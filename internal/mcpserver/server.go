// Package mcpserver exposes pushbutan's operations as MCP tools so an
// AI agent can start, stop, and inspect GPU dev instances.  The start
// and stop tools return a correlated run id immediately instead of
// blocking for the full provisioning wait; agents poll get_job_status
// and then call get_instance_details themselves.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/terrpan/pushbutan/internal/gh"
	"github.com/terrpan/pushbutan/internal/logparse"
	"github.com/terrpan/pushbutan/internal/ops"
)

// Operations is the slice of the facade the tools consume.
// *ops.Service satisfies it; tests substitute a fake.
type Operations interface {
	ListWorkflows(ctx context.Context) ([]gh.Workflow, error)
	DispatchInstance(ctx context.Context, arch logparse.Arch, opts ops.StartOptions) (int64, error)
	DispatchStop(ctx context.Context, instanceID string) (int64, error)
	InstanceDetailsFromRun(ctx context.Context, runID int64) (*logparse.InstanceDetails, error)
	RunStatus(ctx context.Context, runID int64) (*gh.WorkflowRun, error)
}

var _ Operations = (*ops.Service)(nil)

// Config configures the MCP server.
type Config struct {
	// Name is the server name.  Default: "pushbutan".
	Name string

	// Version is the application version.
	Version string

	Service Operations
	Logger  *slog.Logger
}

// Server wraps the MCP server and provides pushbutan tools.
type Server struct {
	mcpServer *server.MCPServer
	service   Operations
	name      string
	version   string
	logger    *slog.Logger
}

// New creates an MCP server instance with all tools registered.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("mcpserver: service is required")
	}
	if cfg.Name == "" {
		cfg.Name = "pushbutan"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		mcpServer: server.NewMCPServer(cfg.Name, cfg.Version),
		service:   cfg.Service,
		name:      cfg.Name,
		version:   cfg.Version,
		logger:    cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all pushbutan tools with the MCP server.
func (s *Server) registerTools() {
	// Tool: list_gpu_instance_types
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_gpu_instance_types",
		Description: "List all available GPU instance types.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleListInstanceTypes)

	// Tool: list_workflows
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_workflows",
		Description: "List the GitHub Actions workflows available on the target repository, as a name-to-id mapping.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleListWorkflows)

	// Tool: start_linux_gpu_instance
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "start_linux_gpu_instance",
		Description: "Start a new Linux GPU dev instance. Returns the workflow run id; poll get_job_status with it, then fetch get_instance_details once the status is ready.",
		InputSchema: instanceInputSchema(),
	}, s.startHandler(logparse.ArchLinux))

	// Tool: start_windows_gpu_instance
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "start_windows_gpu_instance",
		Description: "Start a new Windows GPU dev instance. Returns the workflow run id; poll get_job_status with it, then fetch get_instance_details once the status is ready.",
		InputSchema: instanceInputSchema(),
	}, s.startHandler(logparse.ArchWindows))

	// Tool: stop_instance
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "stop_instance",
		Description: "Stop a running dev instance by instance id. Returns the workflow run id; poll get_job_status to confirm the stop completed.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"instance_id": map[string]interface{}{
					"type":        "string",
					"description": "ID of the instance to stop (e.g. i-0abc123)",
				},
			},
			Required: []string{"instance_id"},
		},
	}, s.handleStopInstance)

	// Tool: get_instance_details
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_instance_details",
		Description: "Extract the instance details (id, IP address, platform, instance type) from a completed run's logs.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_id": map[string]interface{}{
					"type":        "number",
					"description": "The workflow run id to read logs from",
				},
			},
			Required: []string{"run_id"},
		},
	}, s.handleInstanceDetails)

	// Tool: get_job_status
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_job_status",
		Description: "Get the status of a workflow run. Returns one of: ready, in_progress, failed.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_id": map[string]interface{}{
					"type":        "number",
					"description": "The workflow run id to check",
				},
			},
			Required: []string{"run_id"},
		},
	}, s.handleJobStatus)
}

func instanceInputSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"instance_type": map[string]interface{}{
				"type":        "string",
				"description": "EC2 GPU instance type",
				"enum":        []string{string(logparse.InstanceTypeG4dn), string(logparse.InstanceTypeP3)},
			},
			"branch": map[string]interface{}{
				"type":        "string",
				"description": "Git branch to use for the job (default: main)",
			},
			"lifetime": map[string]interface{}{
				"type":        "number",
				"description": "Hours before instance termination (default: 24)",
			},
		},
	}
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting pushbutan MCP server", slog.String("version", s.version))

	// Serve via stdio; logging goes to stderr.
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
