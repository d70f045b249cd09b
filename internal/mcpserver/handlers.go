package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTransaction shows one transaction with its deadlines.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTransactionRepairs shows the repair audit trail.
func (h *Handlers) HandleListTransactionRepairs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.ListRepairs(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list repairs: %v", err)), nil
	}

	text, err := formatRepairs(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse repairs: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListOpenDisputes lists unresolved disputes.
func (h *Handlers) HandleListOpenDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListOpenDisputes(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDispute shows a dispute and its message thread.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}

	// The thread is secondary; show the dispute even if it fails.
	msgs, err := h.client.ListDisputeMessages(ctx, id)
	if err != nil {
		text += fmt.Sprintf("\nMessages unavailable: %v\n", err)
		return mcp.NewToolResultText(text), nil
	}
	thread, err := formatMessages(msgs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse messages: %v", err)), nil
	}
	return mcp.NewToolResultText(text + "\n" + thread), nil
}

// HandleResolveDispute settles a dispute.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	if _, ok := req.GetArguments()["refund_percentage"]; !ok {
		return mcp.NewToolResultError("refund_percentage is required"), nil
	}
	pct := req.GetInt("refund_percentage", -1)
	if pct < 0 || pct > 100 {
		return mcp.NewToolResultError("refund_percentage must be between 0 and 100"), nil
	}
	resolution := req.GetString("resolution", "")

	raw, err := h.client.ResolveDispute(ctx, id, pct, resolution)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText("Dispute resolved.\n\n" + text), nil
}

// HandlePostDisputeMessage posts an operator message.
func (h *Handlers) HandlePostDisputeMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	message := strings.TrimSpace(req.GetString("message", ""))
	if message == "" {
		return mcp.NewToolResultError("message is required"), nil
	}

	raw, err := h.client.PostDisputeMessage(ctx, id, message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to post message: %v", err)), nil
	}

	var resp struct {
		Message map[string]any `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Message == nil {
		return mcp.NewToolResultText("Message posted."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message posted (ID: %s).", getString(resp.Message, "id"))), nil
}

// HandleRunSweep triggers a deadline sweep.
func (h *Handlers) HandleRunSweep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunSweep(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sweep failed: %v", err)), nil
	}

	text, err := formatSweep(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sweep result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRepairDeadlines runs the stale-deadline repair pass.
func (h *Handlers) HandleRepairDeadlines(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)

	raw, err := h.client.RepairDeadlines(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Repair failed: %v", err)), nil
	}

	var resp struct {
		Repair map[string]any `json:"repair"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Repair == nil {
		return mcp.NewToolResultError("Failed to parse repair result"), nil
	}
	r := resp.Repair
	return mcp.NewToolResultText(fmt.Sprintf(
		"Deadline repair complete.\nExamined: %s\nReset: %s\nFlagged for review: %s\nErrors: %s\n",
		getString(r, "examined"), getString(r, "reset"), getString(r, "flagged"), getString(r, "errors"))), nil
}

// --- formatting ---

func formatTransaction(raw json.RawMessage) (string, error) {
	var resp struct {
		Transaction map[string]any `json:"transaction"`
		Deadlines   map[string]any `json:"deadlines"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	t := resp.Transaction
	if t == nil {
		return "", fmt.Errorf("response has no transaction")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s: %s\n", getString(t, "id"), getString(t, "title"))
	fmt.Fprintf(&sb, "Status: %s\n", getString(t, "status"))
	fmt.Fprintf(&sb, "Seller: %s\n", getString(t, "sellerId"))
	if buyer := getString(t, "buyerId"); buyer != "" {
		fmt.Fprintf(&sb, "Buyer: %s\n", buyer)
	}
	cur := strings.ToUpper(getString(t, "currency"))
	fmt.Fprintf(&sb, "Amount: %s %s (buyer charged %s, fees %s + %s)\n",
		getString(t, "amount"), cur, getString(t, "chargeAmount"),
		getString(t, "clientFees"), getString(t, "sellerFees"))
	if method := getString(t, "paymentMethod"); method != "" {
		fmt.Fprintf(&sb, "Payment method: %s\n", method)
	}
	fmt.Fprintf(&sb, "Validated: seller=%v buyer=%v, funds released: %v\n",
		getBool(t, "sellerValidated"), getBool(t, "buyerValidated"), getBool(t, "fundsReleased"))
	if rs := getString(t, "refundStatus"); rs != "" && rs != "none" {
		fmt.Fprintf(&sb, "Refund: %s (%s)\n", rs, getString(t, "refundAmount"))
	}

	if d := resp.Deadlines; d != nil {
		fmt.Fprintf(&sb, "Deadline phase: %s\n", getString(d, "phase"))
		if v := getString(d, "bankDeadline"); v != "" {
			fmt.Fprintf(&sb, "  Bank transfer by: %s\n", v)
		}
		if v := getString(d, "cardDeadline"); v != "" {
			fmt.Fprintf(&sb, "  Card payment by: %s\n", v)
		}
	}
	if v := getString(t, "validationDeadline"); v != "" {
		fmt.Fprintf(&sb, "Validation deadline: %s\n", v)
	}
	return sb.String(), nil
}

func formatRepairs(raw json.RawMessage) (string, error) {
	var resp struct {
		Repairs []map[string]any `json:"repairs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Repairs) == 0 {
		return "No deadline repairs recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d repair(s):\n\n", len(resp.Repairs))
	for i, r := range resp.Repairs {
		fmt.Fprintf(&sb, "%d. %s at %s (status %s)\n", i+1,
			getString(r, "action"), getString(r, "createdAt"), getString(r, "status"))
		if v := getString(r, "oldDeadline"); v != "" {
			fmt.Fprintf(&sb, "   Old deadline: %s\n", v)
		}
		if v := getString(r, "newCardDeadline"); v != "" {
			fmt.Fprintf(&sb, "   New card deadline: %s\n", v)
		}
		if v := getString(r, "newBankDeadline"); v != "" {
			fmt.Fprintf(&sb, "   New bank deadline: %s\n", v)
		}
	}
	return sb.String(), nil
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Disputes) == 0 {
		return "No open disputes.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d open dispute(s):\n\n", len(resp.Disputes))
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. %s [%s] %s on %s\n", i+1,
			getString(d, "id"), getString(d, "status"), getString(d, "type"), getString(d, "transactionId"))
		fmt.Fprintf(&sb, "   Deadline: %s", getString(d, "disputeDeadline"))
		if getString(d, "escalatedAt") != "" {
			sb.WriteString(" (escalated, needs a decision)")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatDispute(raw json.RawMessage) (string, error) {
	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	d := resp.Dispute
	if d == nil {
		return "", fmt.Errorf("response has no dispute")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s on transaction %s\n", getString(d, "id"), getString(d, "transactionId"))
	fmt.Fprintf(&sb, "Type: %s\n", getString(d, "type"))
	fmt.Fprintf(&sb, "Status: %s\n", getString(d, "status"))
	fmt.Fprintf(&sb, "Reported by: %s\n", getString(d, "reporterId"))
	if reason := getString(d, "reason"); reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", reason)
	}
	fmt.Fprintf(&sb, "Deadline: %s\n", getString(d, "disputeDeadline"))
	if v := getString(d, "escalatedAt"); v != "" {
		fmt.Fprintf(&sb, "Escalated: %s\n", v)
	}
	if v := getString(d, "resolvedAt"); v != "" {
		fmt.Fprintf(&sb, "Resolved: %s by %s\n", v, getString(d, "resolvedBy"))
		if pct, ok := getFloat(d, "refundPercentage"); ok {
			fmt.Fprintf(&sb, "Refund: %g%% (buyer %s, seller %s)\n",
				pct, getString(d, "buyerRefund"), getString(d, "sellerReceived"))
		}
		if res := getString(d, "resolution"); res != "" {
			fmt.Fprintf(&sb, "Resolution: %s\n", res)
		}
	}
	return sb.String(), nil
}

func formatMessages(raw json.RawMessage) (string, error) {
	var resp struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "No messages.\n", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Messages (%d):\n", len(resp.Messages))
	for _, m := range resp.Messages {
		sender := getString(m, "senderId")
		if getBool(m, "admin") {
			sender += " (admin)"
		}
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", getString(m, "createdAt"), sender, getString(m, "body"))
	}
	return sb.String(), nil
}

func formatSweep(raw json.RawMessage) (string, error) {
	var res struct {
		Processed int                       `json:"processed"`
		Errors    int                       `json:"errors"`
		Total     int                       `json:"total"`
		Duration  string                    `json:"duration"`
		Steps     map[string]map[string]any `json:"steps"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Sweep complete in %s: %d processed, %d errors, %d candidates\n",
		res.Duration, res.Processed, res.Errors, res.Total)
	for _, step := range sweepSteps {
		sr, ok := res.Steps[step]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "  %s: %s/%s processed, %s errors\n", step,
			getString(sr, "processed"), getString(sr, "total"), getString(sr, "errors"))
	}
	return sb.String(), nil
}

// sweepSteps is the order the sweeper runs its steps in.
var sweepSteps = []string{"repair", "expire", "activate_validation", "auto_validate", "escalate"}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
