package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPAddrStdio selects the stdio transport in ServeMCP.
const MCPAddrStdio = "stdio"

// NewMCPServer exposes the host's operator actions as MCP tools.
func NewMCPServer(h *Host) *server.MCPServer {
	s := server.NewMCPServer("hostlink host", "1.0.0")

	listTool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List client sessions known to the host"),
		mcp.WithBoolean("include_closed",
			mcp.Description("Include sessions the client has shut down"),
		),
	)
	s.AddTool(listTool, h.handleListSessions)

	pushTool := mcp.NewTool("push_call",
		mcp.WithDescription("Invoke a method registered by a client plugin"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Target session"),
		),
		mcp.WithString("method",
			mcp.Required(),
			mcp.Description("Fully qualified method name, e.g. plugin.method"),
		),
		mcp.WithString("parameters",
			mcp.Description("JSON-encoded parameters passed to the method"),
		),
	)
	s.AddTool(pushTool, h.handlePushCall)

	reconnectTool := mcp.NewTool("reconnect_session",
		mcp.WithDescription("Ask a WebSocket client to replace its connection"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Target session"),
		),
	)
	s.AddTool(reconnectTool, h.handleReconnectSession)

	logsTool := mcp.NewTool("session_logs",
		mcp.WithDescription("Show log lines, errors and exceptions a client reported"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Target session"),
		),
	)
	s.AddTool(logsTool, h.handleSessionLogs)

	forgetTool := mcp.NewTool("forget_session",
		mcp.WithDescription("Drop a session from the host"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Target session"),
		),
	)
	s.AddTool(forgetTool, h.handleForgetSession)

	return s
}

func (h *Host) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	includeClosed := request.GetBool("include_closed", false)

	sessions := []SessionInfo{}
	for _, info := range h.Sessions() {
		if info.Closed && !includeClosed {
			continue
		}
		sessions = append(sessions, info)
	}
	result := map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}
	resultBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error formatting sessions: %v", err)), err
	}
	return mcp.NewToolResultText(string(resultBytes)), nil
}

func (h *Host) handlePushCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required and must be a string"), nil
	}
	method, err := request.RequireString("method")
	if err != nil {
		return mcp.NewToolResultError("method is required and must be a string"), nil
	}

	var args any
	if raw := request.GetString("parameters", ""); raw != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("parameters must be valid JSON"), nil
		}
		args = json.RawMessage(raw)
	}
	if err := h.Push(sessionID, method, args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to push call: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Call %s sent to session %s", method, sessionID)), nil
}

func (h *Host) handleReconnectSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required and must be a string"), nil
	}
	if err := h.Reconnect(sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconnect: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reconnect requested for session %s", sessionID)), nil
}

func (h *Host) handleSessionLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required and must be a string"), nil
	}
	s, ok := h.Session(sessionID)
	if !ok {
		return mcp.NewToolResultError(ErrSessionNotFound.Error()), nil
	}
	resultBytes, err := json.MarshalIndent(s.Logs(), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error formatting logs: %v", err)), err
	}
	return mcp.NewToolResultText(string(resultBytes)), nil
}

func (h *Host) handleForgetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required and must be a string"), nil
	}
	if err := h.Forget(sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session %s removed", sessionID)), nil
}

// ServeMCP runs s on stdio when addr is "stdio", otherwise as an SSE
// server listening on addr, until ctx is done.
func ServeMCP(ctx context.Context, s *server.MCPServer, addr string) error {
	if addr == MCPAddrStdio {
		slog.Info("Started stdio MCP server")
		defer slog.Info("Shut down stdio MCP server")
		return server.ServeStdio(s)
	}

	sse := server.NewSSEServer(s)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Started SSE MCP server", "addr", addr)
		err := sse.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("Shut down SSE MCP server", "addr", addr)
	return sse.Shutdown(shutdownCtx)
}
