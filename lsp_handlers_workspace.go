// deepcorrect/lsp_handlers_workspace.go
// Contains LSP method handlers related to workspace events and commands.
package deepcorrect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tidwall/gjson"
)

// ============================================================================
// LSP Workspace Method Handlers
// ============================================================================

// handleDidChangeConfiguration handles configuration changes from the client.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	logger.Info("Handling workspace/didChangeConfiguration")
	if err := s.applySettings(params.Settings, logger); err != nil {
		s.sendShowMessage(conn, MessageTypeWarning, fmt.Sprintf("DeepCorrect: configuration rejected: %v", err))
	}
	return nil, nil
}

// applySettings merges client settings into the current configuration. Settings may be
// nested under a "deepcorrect" key or sent flat. Unknown keys are ignored.
func (s *Server) applySettings(raw json.RawMessage, logger *slog.Logger) error {
	section := gjson.GetBytes(raw, "deepcorrect")
	if !section.Exists() {
		section = gjson.ParseBytes(raw)
	}
	if !section.IsObject() {
		logger.Warn("Ignoring settings that are not a JSON object", "raw_settings", string(raw))
		return nil
	}

	var fileCfg FileConfig
	if err := json.Unmarshal([]byte(section.Raw), &fileCfg); err != nil {
		logger.Error("Failed to unmarshal settings", "error", err, "raw_settings", section.Raw)
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	newConfig := s.corrector.GetCurrentConfig()
	mergedFields := mergeFileConfig(&newConfig, fileCfg)
	if mergedFields == 0 {
		logger.Debug("No recognized settings in configuration change")
		return nil
	}
	logger.Info("Applying updated configuration from client", "fields_merged", mergedFields)
	if err := s.corrector.UpdateConfig(newConfig); err != nil {
		logger.Error("Failed to apply updated configuration", "error", err)
		return err
	}
	s.applyLogLevel(s.corrector.GetCurrentConfig().LogLevel, logger)
	return nil
}

// applyLogLevel adjusts the server log level when a LevelVar was supplied.
func (s *Server) applyLogLevel(levelStr string, logger *slog.Logger) {
	if s.levelVar == nil {
		return
	}
	level, err := ParseLogLevel(levelStr)
	if err != nil {
		logger.Warn("Ignoring invalid log level", "log_level", levelStr, "error", err)
		return
	}
	if s.levelVar.Level() != level {
		s.levelVar.Set(level)
		logger.Info("Log level changed", "new_level", level.String())
	}
}

// handleExecuteCommand dispatches workspace/executeCommand.
func (s *Server) handleExecuteCommand(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params ExecuteCommandParams, logger *slog.Logger) (any, error) {
	cmdLogger := logger.With("command", params.Command)
	cmdLogger.Info("Handling workspace/executeCommand")

	switch params.Command {
	case CommandCorrectSelection:
		if len(params.Arguments) != 1 {
			return nil, &jsonrpc2.Error{Code: JsonRpcInvalidParams, Message: fmt.Sprintf("%s expects exactly one argument", CommandCorrectSelection)}
		}
		var args CorrectSelectionArgs
		if err := json.Unmarshal(params.Arguments[0], &args); err != nil {
			return nil, &jsonrpc2.Error{Code: JsonRpcInvalidParams, Message: fmt.Sprintf("invalid %s argument: %v", CommandCorrectSelection, err)}
		}
		return s.correctSelection(ctx, conn, args, cmdLogger)

	case CommandListTasks:
		tasks := s.corrector.Tasks().GetActiveTasks()
		infos := make([]TaskInfo, 0, len(tasks))
		for _, t := range tasks {
			infos = append(infos, TaskInfo{
				ID:        t.ID,
				URI:       DocumentURI(t.Selection.DocumentURI),
				Range:     t.Selection.Range,
				StartTime: t.StartTime.Format(time.RFC3339Nano),
			})
		}
		return infos, nil

	case CommandResetTasks:
		n := s.corrector.Tasks().ActiveCount()
		s.corrector.Tasks().ClearAllTasks()
		cmdLogger.Warn("Cleared all active correction tasks", "cleared", n)
		return nil, nil

	default:
		return nil, &jsonrpc2.Error{Code: JsonRpcInvalidParams, Message: fmt.Sprintf("unknown command: %s", params.Command)}
	}
}

// correctSelection runs one correction against the server's copy of the document and
// asks the client to apply the result. If the document changed while the model was
// running, the edit is only sent when the selected text is still what was corrected.
func (s *Server) correctSelection(ctx context.Context, conn *jsonrpc2.Conn, args CorrectSelectionArgs, logger *slog.Logger) (any, error) {
	opLogger := logger.With("uri", args.URI, "prompt", args.PromptID)

	file, ok := s.getFile(args.URI)
	if !ok {
		return nil, &jsonrpc2.Error{Code: JsonRpcInvalidParams, Message: fmt.Sprintf("%v: %s", ErrDocumentNotOpen, args.URI)}
	}
	if args.Version != 0 && args.Version != file.Version {
		opLogger.Warn("Command issued against an older document version", "command_version", args.Version, "current_version", file.Version)
		return nil, &jsonrpc2.Error{Code: JsonRpcContentModified, Message: fmt.Sprintf("%v: version %d, current %d", ErrStaleDocument, args.Version, file.Version)}
	}
	sel, err := lspRangeToSelection(file.Content, args.URI, args.Range)
	if err != nil {
		return nil, &jsonrpc2.Error{Code: JsonRpcInvalidParams, Message: err.Error()}
	}

	res, err := s.corrector.Correct(ctx, CorrectionRequest{
		Selection:    sel,
		DocumentText: file.Content,
		PromptID:     args.PromptID,
	})
	if err != nil {
		rpcErr := correctionRPCError(err)
		if rpcErr.Code == JsonRpcRequestFailed {
			s.sendShowMessage(conn, MessageTypeWarning, "DeepCorrect: "+err.Error())
		}
		opLogger.Warn("Correction failed", "error", err)
		return nil, rpcErr
	}

	current, ok := s.getFile(args.URI)
	if !ok {
		current = file
	}
	if current.Version != file.Version {
		now, extractErr := ExtractSelectedText(current.Content, sel)
		if extractErr != nil || now != res.OriginalText {
			opLogger.Warn("Document changed under the selection during correction; discarding result", "from_version", file.Version, "to_version", current.Version)
			s.sendShowMessage(conn, MessageTypeWarning, "DeepCorrect: the selection was edited while it was being corrected; result discarded")
			return nil, &jsonrpc2.Error{Code: JsonRpcContentModified, Message: ErrStaleDocument.Error()}
		}
	}

	editRange, err := rangeToLSPRange(current.Content, sel.Range)
	if err != nil {
		return nil, &jsonrpc2.Error{Code: JsonRpcInternalError, Message: err.Error()}
	}
	result := CorrectSelectionResult{
		TaskID:        res.TaskID,
		OriginalText:  res.OriginalText,
		CorrectedText: res.CorrectedText,
		CacheHit:      res.CacheHit,
	}
	if res.CorrectedText == res.OriginalText {
		opLogger.Info("Model returned the selection unchanged; no edit sent")
		result.Applied = true
		return result, nil
	}
	if !s.clientSupportsApplyEdit() {
		result.FailureReason = "client does not support workspace/applyEdit"
		return result, nil
	}

	editParams := ApplyWorkspaceEditParams{
		Label: "DeepCorrect: " + res.PromptID,
		Edit: WorkspaceEdit{Changes: map[DocumentURI][]TextEdit{
			args.URI: {{Range: editRange, NewText: res.CorrectedText}},
		}},
	}
	var applyResult ApplyWorkspaceEditResult
	if err := conn.Call(ctx, "workspace/applyEdit", editParams, &applyResult); err != nil {
		opLogger.Error("workspace/applyEdit failed", "error", err)
		return nil, &jsonrpc2.Error{Code: JsonRpcRequestFailed, Message: fmt.Sprintf("applying edit: %v", err)}
	}
	result.Applied = applyResult.Applied
	result.FailureReason = applyResult.FailureReason
	opLogger.Info("Correction sent to client", "task_id", res.TaskID, "applied", applyResult.Applied)
	return result, nil
}

// correctionRPCError maps a Corrector error onto a JSON-RPC error code.
func correctionRPCError(err error) *jsonrpc2.Error {
	var code int64
	switch {
	case errors.Is(err, context.Canceled):
		code = JsonRpcRequestCancelled
	case errors.Is(err, ErrInvalidSelection), errors.Is(err, ErrEmptySelection),
		errors.Is(err, ErrSelectionTooLarge), errors.Is(err, ErrPromptNotFound):
		code = JsonRpcInvalidParams
	case errors.Is(err, ErrOverlappingSelection), errors.Is(err, ErrOllamaUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		code = JsonRpcRequestFailed
	default:
		code = JsonRpcInternalError
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}
