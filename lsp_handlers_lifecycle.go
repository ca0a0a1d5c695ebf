// deepcorrect/lsp_handlers_lifecycle.go
// Contains LSP method handlers related to the server lifecycle (initialize, shutdown, exit).
package deepcorrect

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Lifecycle Method Handlers
// ============================================================================

// handleInitialize handles the 'initialize' request.
// It stores client capabilities and returns server capabilities.
func (s *Server) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InitializeParams, logger *slog.Logger) (any, error) {
	clientName, clientVersion := "unknown", ""
	if params.ClientInfo != nil {
		clientName, clientVersion = params.ClientInfo.Name, params.ClientInfo.Version
	}
	logger.Info("Handling initialize request", "client_name", clientName, "client_version", clientVersion)

	serverCapabilities := ServerCapabilities{
		TextDocumentSync: &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    TextDocumentSyncKindFull,
		},
		CodeActionProvider: true,
		ExecuteCommandProvider: &ExecuteCommandOptions{
			Commands: []string{CommandCorrectSelection, CommandListTasks, CommandResetTasks},
		},
	}

	result := InitializeResult{
		Capabilities: serverCapabilities,
		ServerInfo:   s.serverInfo,
	}

	s.stateMu.Lock()
	s.clientCaps = params.Capabilities
	s.shutdown = false
	s.stateMu.Unlock()

	if len(params.InitializationOptions) > 0 && string(params.InitializationOptions) != "null" {
		s.applySettings(json.RawMessage(params.InitializationOptions), logger)
	}

	logger.Info("Initialization successful", "apply_edit_supported", s.clientSupportsApplyEdit())
	return result, nil
}

// clientSupportsApplyEdit reports whether the client announced workspace/applyEdit.
// Clients that omit workspace capabilities are assumed to support it.
func (s *Server) clientSupportsApplyEdit() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.clientCaps.Workspace == nil {
		return true
	}
	return s.clientCaps.Workspace.ApplyEdit
}

// handleShutdown handles the 'shutdown' request.
// The server should prepare for termination but not exit yet.
func (s *Server) handleShutdown(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling shutdown request")
	s.stateMu.Lock()
	s.shutdown = true
	s.stateMu.Unlock()
	if n := s.corrector.Tasks().ActiveCount(); n > 0 {
		logger.Warn("Shutting down with corrections in flight", "active_tasks", n)
	}
	return nil, nil
}

// handleExit handles the 'exit' notification.
func (s *Server) handleExit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling exit notification")
	// Closing the connection signals ServeConn to return.
	go conn.Close()
	return nil, nil
}

// ShutdownRequested reports whether the client sent shutdown before exit.
func (s *Server) ShutdownRequested() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.shutdown
}
