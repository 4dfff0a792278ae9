// tiltguard MCP server - exposes pre-trade risk checks as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tiltguard/internal/mcpserver"
	"github.com/mbd888/tiltguard/internal/security"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:        envOrDefault("TILTGUARD_API_URL", "http://localhost:8080"),
		APIKey:        os.Getenv("TILTGUARD_API_KEY"),
		DefaultUserID: os.Getenv("TILTGUARD_USER_ID"),
		DefaultPolicy: os.Getenv("TILTGUARD_POLICY_ID"),
	}

	if cfg.DefaultUserID == "" {
		fmt.Fprintln(os.Stderr, "TILTGUARD_USER_ID is required")
		os.Exit(1)
	}
	// The API normally runs on localhost next to the trading terminal.
	policy := security.EndpointPolicy{AllowPrivate: true}
	if err := policy.Validate(cfg.APIURL); err != nil {
		fmt.Fprintf(os.Stderr, "invalid TILTGUARD_API_URL: %v\n", err)
		os.Exit(1)
	}

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
