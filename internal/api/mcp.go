package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/cadence/internal/outreach"
	"github.com/kalambet/cadence/internal/sequence"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *outreach.Service
}

// NewMCPServer creates an MCP server with the outreach tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"cadence",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("cadence: multi-touch outreach sequences with adaptive variant selection."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("start_sequence",
			mcp.WithDescription("Start an outreach sequence for a contact from a named cadence."),
			mcp.WithNumber("contact_id", mcp.Description("Contact id"), mcp.Required()),
			mcp.WithString("cadence", mcp.Description("Cadence name (default standard)")),
		),
		mcpStartSequence(deps),
	)

	s.AddTool(
		mcp.NewTool("stop_sequence",
			mcp.WithDescription("Stop the contact's active sequence. Pending touches are no longer executed."),
			mcp.WithNumber("contact_id", mcp.Description("Contact id"), mcp.Required()),
			mcp.WithString("reason", mcp.Description("Why the sequence stopped (default manual)")),
		),
		mcpStopSequence(deps),
	)

	s.AddTool(
		mcp.NewTool("list_due_touches",
			mcp.WithDescription("List pending touches of active sequences that are due now."),
		),
		mcpListDueTouches(deps),
	)

	s.AddTool(
		mcp.NewTool("execute_due_touches",
			mcp.WithDescription("Execute every due touch. Dry run (the default) only plans them."),
			mcp.WithString("mode", mcp.Description("dry_run or live"), mcp.Enum("dry_run", "live")),
		),
		mcpExecuteDueTouches(deps),
	)

	s.AddTool(
		mcp.NewTool("record_outcome",
			mcp.WithDescription("Record an observed outcome (sent, opened, replied, meeting) for a contact's touch variant."),
			mcp.WithNumber("contact_id", mcp.Description("Contact id"), mcp.Required()),
			mcp.WithString("variant_type", mcp.Description("email or call (default email)")),
			mcp.WithNumber("variant", mcp.Description("Variant number 1-3"), mcp.Required()),
			mcp.WithString("outcome", mcp.Description("sent, opened, replied or meeting"), mcp.Required()),
		),
		mcpRecordOutcome(deps),
	)

	s.AddTool(
		mcp.NewTool("recommend_variant",
			mcp.WithDescription("Recommend the best performing variant for a contact's segment."),
			mcp.WithNumber("contact_id", mcp.Description("Contact id"), mcp.Required()),
			mcp.WithString("variant_type", mcp.Description("email or call; omit for both plus insights")),
		),
		mcpRecommendVariant(deps),
	)

	s.AddTool(
		mcp.NewTool("get_insights",
			mcp.WithDescription("List active learning insights at or above a confidence threshold."),
			mcp.WithNumber("min_confidence", mcp.Description("Minimum confidence 0-1 (default 0.5)")),
		),
		mcpGetInsights(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"cadence://summary",
			"Outreach Summary",
			mcp.WithResourceDescription("Active sequences, pending touches and today's schedule as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSummary(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cadence://cadences",
			"Cadence Catalog",
			mcp.WithResourceDescription("Available cadence templates as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCadences(deps),
	)

	return s
}

func contactArg(req mcp.CallToolRequest) (int64, bool) {
	id := req.GetInt("contact_id", 0)
	return int64(id), id > 0
}

func mcpStartSequence(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := contactArg(req)
		if !ok {
			return mcpError("contact_id is required"), nil
		}
		started, err := deps.Service.StartSequence(id, req.GetString("cadence", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start sequence: %v", err)), nil
		}
		return mcpJSON(started)
	}
}

func mcpStopSequence(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := contactArg(req)
		if !ok {
			return mcpError("contact_id is required"), nil
		}
		seq, err := deps.Service.StopSequence(id, req.GetString("reason", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to stop sequence: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stopped sequence %s for contact %d (%s)", seq.ID, id, seq.StopReason)), nil
	}
}

func mcpListDueTouches(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		touches, err := deps.Service.DueTouches()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list due touches: %v", err)), nil
		}
		if len(touches) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(touches)
	}
}

func mcpExecuteDueTouches(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mode, err := sequence.ParseMode(req.GetString("mode", string(sequence.ModeDryRun)))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		rep, err := deps.Service.ExecuteDue(ctx, mode)
		if err != nil {
			return mcpError(fmt.Sprintf("execution failed: %v", err)), nil
		}
		return mcpJSON(rep)
	}
}

func mcpRecordOutcome(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := contactArg(req)
		if !ok {
			return mcpError("contact_id is required"), nil
		}
		outcome, err := req.RequireString("outcome")
		if err != nil {
			return mcpError("outcome is required"), nil
		}
		vt, err := outreach.ParseTouchType(req.GetString("variant_type", "email"))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		res, err := deps.Service.RecordOutcome(ctx, outreach.OutcomeRequest{
			ContactID:   id,
			VariantType: vt,
			Variant:     req.GetInt("variant", 0),
			Outcome:     outcome,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record outcome: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpRecommendVariant(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := contactArg(req)
		if !ok {
			return mcpError("contact_id is required"), nil
		}
		if raw := req.GetString("variant_type", ""); raw != "" {
			vt, err := outreach.ParseTouchType(raw)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			rec, err := deps.Service.Recommend(ctx, id, vt)
			if err != nil {
				return mcpError(fmt.Sprintf("recommendation failed: %v", err)), nil
			}
			return mcpJSON(rec)
		}
		recs, err := deps.Service.ContactRecommendations(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("recommendation failed: %v", err)), nil
		}
		return mcpJSON(recs)
	}
}

func mcpGetInsights(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		minConf := req.GetFloat("min_confidence", 0.5)
		if minConf < 0 || minConf > 1 {
			return mcpError("min_confidence must be between 0 and 1"), nil
		}
		ins, err := deps.Service.Insights(minConf)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load insights: %v", err)), nil
		}
		if len(ins) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(ins)
	}
}

func mcpResourceSummary(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sum, err := deps.Service.Summary()
		if err != nil {
			return nil, fmt.Errorf("failed to build summary: %w", err)
		}
		return jsonResource(req.Params.URI, sum)
	}
}

func mcpResourceCadences(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonResource(req.Params.URI, deps.Service.Cadences())
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
