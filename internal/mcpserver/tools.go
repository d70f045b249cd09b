package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Trustline operations console.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Look up an escrow transaction by ID. "+
			"Shows status, amounts, payment method, validation flags and every active deadline."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (e.g. 'txn_...')")),
)

var ToolListTransactionRepairs = mcp.NewTool("list_transaction_repairs",
	mcp.WithDescription(
		"List the deadline repair audit trail of a transaction. "+
			"Each entry records whether a lapsed payment deadline was reset or flagged for review."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (e.g. 'txn_...')")),
)

var ToolListOpenDisputes = mcp.NewTool("list_open_disputes",
	mcp.WithDescription(
		"List disputes awaiting resolution, nearest deadline first. "+
			"Escalated disputes need an operator decision."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 20)")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Show a dispute with its full message thread, including operator-only messages."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID (e.g. 'dsp_...')")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Settle a dispute as the operator. The refund percentage decides the split: "+
			"0 releases the funds to the seller, 100 refunds the buyer in full, anything in between splits the amount. "+
			"This moves money and cannot be undone."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID (e.g. 'dsp_...')")),
	mcp.WithNumber("refund_percentage",
		mcp.Required(),
		mcp.Description("Share of the transaction amount refunded to the buyer, 0 to 100")),
	mcp.WithString("resolution",
		mcp.Description("Short note explaining the decision, shown to both parties")),
)

var ToolPostDisputeMessage = mcp.NewTool("post_dispute_message",
	mcp.WithDescription(
		"Post an operator message on a dispute thread. Both parties are notified."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID (e.g. 'dsp_...')")),
	mcp.WithString("message",
		mcp.Required(),
		mcp.Description("Message text")),
)

var ToolRunSweep = mcp.NewTool("run_sweep",
	mcp.WithDescription(
		"Run the deadline sweep now instead of waiting for the timer. "+
			"Each step reports how many records it processed and how many failed."),
)

var ToolRepairDeadlines = mcp.NewTool("repair_deadlines",
	mcp.WithDescription(
		"Find transactions whose date change was approved after their payment deadline lapsed. "+
			"Pending ones get fresh deadlines, expired ones are flagged. Safe to run repeatedly."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to examine (default 500)")),
)
