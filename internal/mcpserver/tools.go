package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terrpan/pushbutan/internal/gh"
	"github.com/terrpan/pushbutan/internal/logparse"
	"github.com/terrpan/pushbutan/internal/ops"
)

// Tool handlers never return a Go error for operation failures: an
// automated caller gets a structured failure payload instead of a
// protocol-level fault.

func (s *Server) handleListInstanceTypes(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResponse([]string{
		string(logparse.InstanceTypeG4dn),
		string(logparse.InstanceTypeP3),
	})
}

func (s *Server) handleListWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows, err := s.service.ListWorkflows(ctx)
	if err != nil {
		return failureResponse(err)
	}
	byName := make(map[string]int64, len(workflows))
	for _, wf := range workflows {
		byName[wf.Name] = wf.ID
	}
	return jsonResponse(byName)
}

// startHandler builds the shared handler for the two start tools; only
// the platform differs.
func (s *Server) startHandler(arch logparse.Arch) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		opts := ops.StartOptions{
			InstanceType: logparse.InstanceType(request.GetString("instance_type", string(logparse.InstanceTypeG4dn))),
			Branch:       request.GetString("branch", "main"),
		}
		if lifetime := request.GetInt("lifetime", 24); lifetime > 0 {
			opts.Lifetime = strconv.Itoa(lifetime)
		}

		runID, err := s.service.DispatchInstance(ctx, arch, opts)
		if err != nil {
			return failureResponse(err)
		}

		s.logger.Info("instance dispatch correlated",
			slog.String("arch", string(arch)),
			slog.Int64("runID", runID),
		)
		return jsonResponse(map[string]int64{"run_id": runID})
	}
}

func (s *Server) handleStopInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("missing or invalid 'instance_id' argument"), nil
	}

	runID, err := s.service.DispatchStop(ctx, instanceID)
	if err != nil {
		return failureResponse(err)
	}
	return jsonResponse(map[string]int64{"run_id": runID})
}

func (s *Server) handleInstanceDetails(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireInt("run_id")
	if err != nil {
		return mcp.NewToolResultError("missing or invalid 'run_id' argument"), nil
	}

	details, err := s.service.InstanceDetailsFromRun(ctx, int64(runID))
	if err != nil {
		return failureResponse(err)
	}
	return jsonResponse(details)
}

func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireInt("run_id")
	if err != nil {
		return mcp.NewToolResultError("missing or invalid 'run_id' argument"), nil
	}

	run, err := s.service.RunStatus(ctx, int64(runID))
	if err != nil {
		return failureResponse(err)
	}
	return jsonResponse(jobStatus(run))
}

// statusPayload is the agent-facing view of a run's state.
type statusPayload struct {
	Status             string `json:"status"`
	Message            string `json:"message,omitempty"`
	Error              string `json:"error,omitempty"`
	WorkflowStatus     string `json:"workflow_status,omitempty"`
	WorkflowConclusion string `json:"workflow_conclusion,omitempty"`
}

// jobStatus collapses GitHub's status/conclusion pair into the three
// states an agent acts on.
func jobStatus(run *gh.WorkflowRun) statusPayload {
	switch {
	case run.Succeeded():
		return statusPayload{
			Status:  "ready",
			Message: "workflow completed successfully",
		}
	case run.Completed():
		return statusPayload{
			Status: "failed",
			Error:  fmt.Sprintf("workflow failed with conclusion: %s", run.Conclusion),
		}
	default:
		return statusPayload{
			Status:             "in_progress",
			WorkflowStatus:     run.Status,
			WorkflowConclusion: run.Conclusion,
		}
	}
}

// jsonResponse marshals v as the tool result text.
func jsonResponse(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// failureResponse packages an operation failure as a structured
// payload.
func failureResponse(opErr error) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(statusPayload{
		Status: "failed",
		Error:  opErr.Error(),
	})
	if err != nil {
		return mcp.NewToolResultError(opErr.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
