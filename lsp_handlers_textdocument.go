// deepcorrect/lsp_handlers_textdocument.go
// Contains LSP method handlers related to text document synchronization and code actions.
package deepcorrect

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Text Document Method Handlers
// ============================================================================

// handleDidOpen handles the 'textDocument/didOpen' notification.
func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	openLogger := logger.With("uri", uri, "version", version, "size", len(params.TextDocument.Text))
	openLogger.Info("Handling textDocument/didOpen")

	s.filesMu.Lock()
	s.files[uri] = &OpenFile{
		URI:     uri,
		Content: params.TextDocument.Text,
		Version: version,
	}
	s.filesMu.Unlock()
	return nil, nil
}

// handleDidChange handles the 'textDocument/didChange' notification.
// Only full sync is supported, so the last change carries the whole document.
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	changeLogger := logger.With("uri", uri, "new_version", version)

	if len(params.ContentChanges) == 0 {
		changeLogger.Warn("Received didChange notification with no content changes")
		return nil, nil
	}
	newContent := params.ContentChanges[len(params.ContentChanges)-1].Text
	changeLogger.Info("Handling textDocument/didChange", "new_size", len(newContent))

	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	currentFile, exists := s.files[uri]
	if exists && version <= currentFile.Version {
		changeLogger.Warn("Ignoring out-of-order didChange notification", "received_version", version, "current_version", currentFile.Version)
		return nil, nil
	}
	s.files[uri] = &OpenFile{
		URI:     uri,
		Content: newContent,
		Version: version,
	}
	changeLogger.Debug("Updated file state")
	return nil, nil
}

// handleDidClose handles the 'textDocument/didClose' notification.
// In-flight corrections on the document keep running; their edits are still offered to
// the client, which decides whether a closed document can be edited.
func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	closeLogger := logger.With("uri", uri)
	closeLogger.Info("Handling textDocument/didClose")

	s.filesMu.Lock()
	delete(s.files, uri)
	s.filesMu.Unlock()
	return nil, nil
}

// handleCodeAction offers one "correct" action per known prompt for a non-empty range.
// When the range overlaps a correction in flight the actions are returned disabled.
func (s *Server) handleCodeAction(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params CodeActionParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	actionLogger := logger.With("uri", uri, "range_start_line", params.Range.Start.Line, "range_end_line", params.Range.End.Line)
	actionLogger.Debug("Handling textDocument/codeAction")

	file, ok := s.getFile(uri)
	if !ok {
		actionLogger.Warn("Code action requested for a document that is not open")
		return []CodeAction{}, nil
	}
	sel, err := lspRangeToSelection(file.Content, uri, params.Range)
	if err != nil {
		actionLogger.Warn("Cannot map code action range", "error", err)
		return []CodeAction{}, nil
	}
	if sel.IsEmpty() || !ValidateSelection(file.Content, sel) {
		return []CodeAction{}, nil
	}

	var disabled *CodeActionDisabled
	if conflicts := s.corrector.Tasks().GetConflictingTasks(sel); len(conflicts) > 0 {
		actionLogger.Debug("Selection is blocked by an in-flight correction", "conflicts", len(conflicts))
		disabled = &CodeActionDisabled{Reason: "A correction is already running on an overlapping selection"}
	}

	prompts := s.availablePrompts(actionLogger)
	actions := make([]CodeAction, 0, len(prompts))
	for _, p := range prompts {
		args := CorrectSelectionArgs{
			URI:      uri,
			Range:    params.Range,
			PromptID: p.ID,
			Version:  file.Version,
		}
		title := "Correct with: " + p.Name
		actions = append(actions, CodeAction{
			Title:    title,
			Kind:     CodeActionKindRefactorRewrite,
			Disabled: disabled,
			Command: &Command{
				Title:     title,
				Command:   CommandCorrectSelection,
				Arguments: []any{args},
			},
		})
	}
	actionLogger.Debug("Returning code actions", "count", len(actions))
	return actions, nil
}

// availablePrompts lists the prompt store, falling back to the configured default.
func (s *Server) availablePrompts(logger *slog.Logger) []Prompt {
	if store := s.corrector.PromptStore(); store != nil {
		prompts, err := store.List()
		if err == nil && len(prompts) > 0 {
			return prompts
		}
		if err != nil {
			logger.Warn("Listing prompts failed, offering the default prompt only", "error", err)
		}
	}
	id := s.corrector.GetCurrentConfig().DefaultPromptID
	return []Prompt{{ID: id, Name: id}}
}
