package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	mkt "wattmarket-backend/middleware/market"
)

func (s *MarketServer) registerPrepareSolutionTool() {
	tool := mcp.NewTool("prepare_solution",
		mcp.WithDescription("Prepare an escrow-settled solution request and get deposit instructions"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Solution title")),
		mcp.WithString("spec", mcp.Required(), mcp.Description("Full specification text, unlocked for claiming workers")),
		mcp.WithNumber("budget", mcp.Required(), mcp.Description("Total budget in WATT minor units (min 5000); fee is 5%")),
		mcp.WithString("customer_wallet", mcp.Required(), mcp.Description("Wallet that will fund the escrow and receive refunds")),
		mcp.WithString("target_repo", mcp.Description("Repository the solution targets, if any")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		sol, err := s.engine.PrepareSolution(ctx,
			argString(args, "title"), argString(args, "spec"),
			argInt64(args, "budget"), argString(args, "customer_wallet"), argString(args, "target_repo"))
		if err != nil {
			return toolErr(err), nil
		}
		info, err := s.deposits.Instructions(sol.Budget, mkt.SolutionMemo(sol.Slug))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Solution prepared; fund the escrow with the memo below", map[string]any{
			"solution": sol,
			"deposit":  info,
		}), nil
	})
}

func (s *MarketServer) registerFundSolutionTool() {
	tool := mcp.NewTool("fund_solution",
		mcp.WithDescription("Verify the escrow deposit for a prepared solution and open it"),
		mcp.WithString("solution_id", mcp.Required(), mcp.Description("ID of the prepared solution")),
		mcp.WithString("escrow_tx", mcp.Required(), mcp.Description("Transfer reference of the deposit; memo must be solve:<slug>")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		sol, err := s.engine.FundSolution(ctx, argString(args, "solution_id"), argString(args, "escrow_tx"))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Solution funded and open", sol), nil
	})
}

func (s *MarketServer) registerClaimSolutionSpecTool() {
	tool := mcp.NewTool("claim_solution_spec",
		mcp.WithDescription("Unlock the full spec of an open solution (bounded claim list)"),
		mcp.WithString("solution_id", mcp.Required(), mcp.Description("ID of the open solution")),
		mcp.WithString("wallet", mcp.Required(), mcp.Description("Worker wallet")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		sol, err := s.engine.ClaimSolutionSpec(ctx, argString(args, "solution_id"), argString(args, "wallet"))
		if err != nil {
			return toolErr(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Spec unlocked (%d claimants):\n\n%s", len(sol.Claims), sol.Spec)), nil
	})
}

func (s *MarketServer) registerApproveSolutionTool() {
	tool := mcp.NewTool("approve_solution",
		mcp.WithDescription("Approve a winner; enqueues the 95% winner payout and 5% fee"),
		mcp.WithString("solution_id", mcp.Required(), mcp.Description("ID of the open solution")),
		mcp.WithString("approval_token", mcp.Required(), mcp.Description("Token issued at prepare time")),
		mcp.WithString("winner_wallet", mcp.Required(), mcp.Description("Wallet of the winning worker (must have claimed the spec)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		sol, err := s.engine.ApproveSolution(ctx,
			argString(args, "solution_id"), argString(args, "approval_token"), argString(args, "winner_wallet"))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Solution approved; payouts queued", sol), nil
	})
}

func (s *MarketServer) registerRefundSolutionTool() {
	tool := mcp.NewTool("refund_solution",
		mcp.WithDescription("Refund an open or expired solution's escrow to the customer"),
		mcp.WithString("solution_id", mcp.Required(), mcp.Description("ID of the solution")),
		mcp.WithString("approval_token", mcp.Required(), mcp.Description("Token issued at prepare time")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		sol, err := s.engine.RefundSolution(ctx, argString(args, "solution_id"), argString(args, "approval_token"))
		if err != nil {
			return toolErr(err), nil
		}
		return toolJSON("Solution refunded; repayment queued", sol), nil
	})
}
