package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
var Version = "dev"

// NewMCPServer creates a configured MCP server with all operations tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("trustline-ops", Version)
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolListTransactionRepairs, h.HandleListTransactionRepairs)
	s.AddTool(ToolListOpenDisputes, h.HandleListOpenDisputes)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolPostDisputeMessage, h.HandlePostDisputeMessage)
	s.AddTool(ToolRunSweep, h.HandleRunSweep)
	s.AddTool(ToolRepairDeadlines, h.HandleRepairDeadlines)

	return s
}
