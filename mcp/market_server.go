// Package mcp exposes the marketplace to agents as MCP tools. Handlers are
// thin: parse arguments, call the engine, render the result. All policy
// lives in middleware/market.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"wattmarket-backend/core/market"
	mkt "wattmarket-backend/middleware/market"
	"wattmarket-backend/services"
)

// MarketServer wraps the mcp-go server around the marketplace engine.
type MarketServer struct {
	mcpServer *server.MCPServer
	engine    *mkt.Engine
	deposits  *services.DepositService
}

// NewMarketServer creates the MCP server and registers all tools.
func NewMarketServer(engine *mkt.Engine, deposits *services.DepositService) *MarketServer {
	mcpServer := server.NewMCPServer(
		"WattMarket MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &MarketServer{
		mcpServer: mcpServer,
		engine:    engine,
		deposits:  deposits,
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup.
func (s *MarketServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MarketServer) registerTools() {
	// Task lifecycle
	s.registerCreateTaskTool()
	s.registerListTasksTool()
	s.registerGetTaskTool()
	s.registerClaimTaskTool()
	s.registerSubmitResultTool()
	s.registerVerifyTaskTool()
	s.registerDelegateTaskTool()
	s.registerCancelTaskTool()
	s.registerTaskTreeTool()

	// Deposits and stats
	s.registerDepositInfoTool()
	s.registerStatsTool()
	s.registerLeaderboardTool()
	s.registerPayoutHistoryTool()

	// Solutions
	s.registerPrepareSolutionTool()
	s.registerFundSolutionTool()
	s.registerClaimSolutionSpecTool()
	s.registerApproveSolutionTool()
	s.registerRefundSolutionTool()
}

// toolJSON renders a result payload. Falls back to %+v if marshalling ever
// fails, so a handler never errors on rendering.
func toolJSON(label string, v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("%s:\n\n%+v", label, v))
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s:\n\n%s", label, b))
}

func toolErr(err error) *mcp.CallToolResult {
	if code := market.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %v", code, err))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *MarketServer) registerCreateTaskTool() {
	tool := mcp.NewTool("create_task",
		mcp.WithDescription("Post a new task backed by an escrowed WATT transfer"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title (max 200 chars)")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the worker must do (max 4000 chars)")),
		mcp.WithString("type", mcp.Description("Task type: code, data, content, scrape, analysis, compute, other")),
		mcp.WithNumber("reward", mcp.Required(), mcp.Description("Reward in WATT minor units (100 to 1,000,000)")),
		mcp.WithString("requirements", mcp.Description("Acceptance criteria the quality gate scores against")),
		mcp.WithNumber("deadline_hours", mcp.Description("Hours until the task expires (default 72)")),
		mcp.WithString("worker_type", mcp.Description("Who may claim: agent, node, any")),
		mcp.WithString("creator_wallet", mcp.Required(), mcp.Description("Wallet that funded the escrow")),
		mcp.WithString("escrow_tx", mcp.Required(), mcp.Description("Transfer reference of the escrow deposit")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		spec := market.TaskSpec{
			Title:         argString(args, "title"),
			Description:   argString(args, "description"),
			Type:          argString(args, "type"),
			Reward:        argInt64(args, "reward"),
			Requirements:  argString(args, "requirements"),
			DeadlineHours: int(argInt64(args, "deadline_hours")),
			WorkerType:    argString(args, "worker_type"),
		}
		task, err := s.engine.CreateTask(ctx, spec, argString(args, "creator_wallet"), argString(args, "escrow_tx"))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Task created", task), nil
	})
}

func (s *MarketServer) registerListTasksTool() {
	tool := mcp.NewTool("list_tasks",
		mcp.WithDescription("List marketplace tasks with optional filtering"),
		mcp.WithString("status", mcp.Description("Filter by status (open, claimed, submitted, verified, ...)")),
		mcp.WithString("type", mcp.Description("Filter by task type")),
		mcp.WithString("worker_type", mcp.Description("Filter by addressed worker type")),
		mcp.WithString("parent", mcp.Description("Parent task id, or 'none' for top-level tasks only")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return")),
		mcp.WithNumber("offset", mcp.Description("Number of tasks to skip")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		tasks, err := s.engine.ListTasks(ctx, market.TaskFilter{
			Status:     argString(args, "status"),
			Type:       argString(args, "type"),
			WorkerType: argString(args, "worker_type"),
			Parent:     argString(args, "parent"),
			Limit:      int(argInt64(args, "limit")),
			Offset:     int(argInt64(args, "offset")),
		})
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON(fmt.Sprintf("Found %d tasks", len(tasks)), tasks), nil
	})
}

func (s *MarketServer) registerGetTaskTool() {
	tool := mcp.NewTool("get_task",
		mcp.WithDescription("Get details of a specific task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := s.engine.GetTask(ctx, taskID)
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Task details", task), nil
	})
}

func (s *MarketServer) registerClaimTaskTool() {
	tool := mcp.NewTool("claim_task",
		mcp.WithDescription("Claim an open task; exactly one concurrent claimer wins"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to claim")),
		mcp.WithString("wallet", mcp.Required(), mcp.Description("Worker wallet that will receive the payout")),
		mcp.WithString("name", mcp.Description("Display name of the worker")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		task, err := s.engine.ClaimTask(ctx, argString(args, "task_id"), argString(args, "wallet"), argString(args, "name"))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Task claimed", task), nil
	})
}

func (s *MarketServer) registerSubmitResultTool() {
	tool := mcp.NewTool("submit_result",
		mcp.WithDescription("Submit the result for a claimed task and trigger verification"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the claimed task")),
		mcp.WithString("wallet", mcp.Required(), mcp.Description("Claimer wallet")),
		mcp.WithString("result", mcp.Description("Result text (max 10000 chars)")),
		mcp.WithString("result_url", mcp.Description("Link to externally reviewable artifacts")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		taskID := argString(args, "task_id")
		if _, err := s.engine.SubmitTask(ctx, taskID, argString(args, "wallet"), argString(args, "result"), argString(args, "result_url")); err != nil {
			return toolErr(err), nil
		}
		// Verification runs immediately; a scorer outage leaves the task
		// submitted and retryable via verify_task.
		task, err := s.engine.VerifyTask(ctx, taskID)
		if err != nil {
			if market.KindOf(err) == market.KindExternal {
				pending, gerr := s.engine.GetTask(ctx, taskID)
				if gerr == nil {
					return toolJSON("Submitted; verification pending (scorer unavailable, retry with verify_task)", pending), nil
				}
			}
			return toolErr(err), nil
		}
		return toolJSON("Submitted and verified", task), nil
	})
}

func (s *MarketServer) registerVerifyTaskTool() {
	tool := mcp.NewTool("verify_task",
		mcp.WithDescription("Run the quality gate on a submitted task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the submitted task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := s.engine.VerifyTask(ctx, taskID)
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Verification result", task), nil
	})
}

func (s *MarketServer) registerDelegateTaskTool() {
	tool := mcp.NewTool("delegate_task",
		mcp.WithDescription("Split a claimed task into 2-10 subtasks under the budget and depth rules"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the claimed task")),
		mcp.WithString("wallet", mcp.Required(), mcp.Description("Claimer wallet (becomes the coordinator)")),
		mcp.WithArray("subtasks", mcp.Required(), mcp.Description("Subtask specs: objects with title, description, type, reward, requirements, worker_type")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		var specs []market.TaskSpec
		if raw, ok := args["subtasks"].([]interface{}); ok {
			for _, entry := range raw {
				m, ok := entry.(map[string]interface{})
				if !ok {
					continue
				}
				specs = append(specs, market.TaskSpec{
					Title:        argString(m, "title"),
					Description:  argString(m, "description"),
					Type:         argString(m, "type"),
					Reward:       argInt64(m, "reward"),
					Requirements: argString(m, "requirements"),
					WorkerType:   argString(m, "worker_type"),
				})
			}
		}
		task, err := s.engine.Delegate(ctx, argString(args, "task_id"), argString(args, "wallet"), specs)
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Task delegated", task), nil
	})
}

func (s *MarketServer) registerCancelTaskTool() {
	tool := mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel an open task (creator only; funds do not move)"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("wallet", mcp.Required(), mcp.Description("Creator wallet")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		task, err := s.engine.CancelTask(ctx, argString(args, "task_id"), argString(args, "wallet"))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Task cancelled", task), nil
	})
}

func (s *MarketServer) registerTaskTreeTool() {
	tool := mcp.NewTool("task_tree",
		mcp.WithDescription("Get the delegation tree rooted at a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the root task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tree, err := s.engine.Tree(ctx, taskID)
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Delegation tree", tree), nil
	})
}

func (s *MarketServer) registerDepositInfoTool() {
	tool := mcp.NewTool("deposit_info",
		mcp.WithDescription("Get escrow deposit instructions (collection wallet, memo, QR code)"),
		mcp.WithNumber("amount", mcp.Required(), mcp.Description("Amount to deposit in WATT minor units")),
		mcp.WithString("memo", mcp.Description("Correlation memo, e.g. a solution deposit tag")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		info, err := s.deposits.Instructions(argInt64(args, "amount"), argString(args, "memo"))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Deposit instructions", info), nil
	})
}

func (s *MarketServer) registerStatsTool() {
	tool := mcp.NewTool("market_stats",
		mcp.WithDescription("Get marketplace-wide counters"),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := s.engine.Stats(ctx)
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Marketplace stats", stats), nil
	})
}

func (s *MarketServer) registerLeaderboardTool() {
	tool := mcp.NewTool("leaderboard",
		mcp.WithDescription("Rank workers by earnings or completed tasks"),
		mcp.WithString("sort_by", mcp.Description("earned (default) or completed")),
		mcp.WithNumber("limit", mcp.Description("Number of entries (default 20)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		board, err := s.engine.Leaderboard(ctx, argString(args, "sort_by"), int(argInt64(args, "limit")))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Leaderboard", board), nil
	})
}

func (s *MarketServer) registerPayoutHistoryTool() {
	tool := mcp.NewTool("payout_history",
		mcp.WithDescription("List settled payouts, optionally for one wallet"),
		mcp.WithString("wallet", mcp.Description("Recipient wallet filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows (default 100)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		hist, err := s.engine.PayoutHistory(ctx, argString(args, "wallet"), int(argInt64(args, "limit")))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON(fmt.Sprintf("%d payouts", len(hist)), hist), nil
	})
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt64(args map[string]interface{}, key string) int64 {
	if v, ok := args[key].(float64); ok {
		return int64(v)
	}
	return 0
}
