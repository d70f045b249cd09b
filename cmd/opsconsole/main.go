// Trustline operations console - exposes the admin API as MCP tools so an
// operator's assistant can inspect transactions and settle disputes.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/trustline/internal/mcpserver"
)

// Build info - set by ldflags
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("TRUSTLINE_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("TRUSTLINE_ADMIN_SECRET"),
		APIKey:      os.Getenv("TRUSTLINE_API_KEY"),
	}

	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "TRUSTLINE_ADMIN_SECRET is required")
		os.Exit(1)
	}

	mcpserver.Version = Version
	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
