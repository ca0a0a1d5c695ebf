// deepcorrect/lsp_protocol.go
// Contains LSP specific data structures and position mapping helpers.
package deepcorrect

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// LSP Specific Structures
// ============================================================================

// DocumentURI represents the URI for a text document.
type DocumentURI string

// LSPPosition represents a 0-based line/character offset (LSP standard: UTF-16).
type LSPPosition struct {
	Line      uint32 `json:"line"`      // 0-based
	Character uint32 `json:"character"` // 0-based, UTF-16 offset
}

// LSPRange represents a range in a text document using LSP Positions (UTF-16).
type LSPRange struct {
	Start LSPPosition `json:"start"`
	End   LSPPosition `json:"end"`
}

// TextDocumentIdentifier identifies a specific text document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// TextDocumentItem represents a text document.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// InitializeParams parameters for the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId,omitempty"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions json.RawMessage    `json:"initializationOptions,omitempty"`
}

// ClientInfo information about the client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ClientCapabilities capabilities provided by the client.
type ClientCapabilities struct {
	Workspace *WorkspaceClientCapabilities `json:"workspace,omitempty"`
}

// WorkspaceClientCapabilities workspace specific client capabilities.
type WorkspaceClientCapabilities struct {
	ApplyEdit     bool `json:"applyEdit,omitempty"`
	Configuration bool `json:"configuration,omitempty"`
}

// InitializeResult result of the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerCapabilities capabilities provided by the server.
type ServerCapabilities struct {
	TextDocumentSync       *TextDocumentSyncOptions `json:"textDocumentSync,omitempty"`
	CodeActionProvider     bool                     `json:"codeActionProvider,omitempty"`
	ExecuteCommandProvider *ExecuteCommandOptions   `json:"executeCommandProvider,omitempty"`
}

// TextDocumentSyncOptions options for text document synchronization.
type TextDocumentSyncOptions struct {
	OpenClose bool                 `json:"openClose,omitempty"`
	Change    TextDocumentSyncKind `json:"change,omitempty"`
}

// TextDocumentSyncKind defines how text document changes are synced.
type TextDocumentSyncKind int

const (
	TextDocumentSyncKindNone TextDocumentSyncKind = 0
	TextDocumentSyncKindFull TextDocumentSyncKind = 1 // We only support Full sync
)

// ExecuteCommandOptions lists the commands the server executes.
type ExecuteCommandOptions struct {
	Commands []string `json:"commands"`
}

// ServerInfo information about the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// DidOpenTextDocumentParams parameters for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams parameters for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidChangeTextDocumentParams parameters for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"` // Full sync: the last entry is the document.
}

// VersionedTextDocumentIdentifier identifies a text document with a version number.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentContentChangeEvent an event describing a change to a text document.
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"` // The new full content of the document
}

// DidChangeConfigurationParams parameters for workspace/didChangeConfiguration.
type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"` // Parsed with gjson.
}

// CancelParams parameters for $/cancelRequest.
type CancelParams struct {
	ID any `json:"id"` // ID of the request to cancel (number or string)
}

// CodeActionParams parameters for textDocument/codeAction.
type CodeActionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Range        LSPRange               `json:"range"`
	Context      CodeActionContext      `json:"context"`
}

// CodeActionContext carries the diagnostics of the requested range. Unused.
type CodeActionContext struct {
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
	Only        []string        `json:"only,omitempty"`
}

// CodeActionKindRefactorRewrite is the kind reported for correction actions.
const CodeActionKindRefactorRewrite = "refactor.rewrite"

// CodeAction is a command offered for a range.
type CodeAction struct {
	Title    string              `json:"title"`
	Kind     string              `json:"kind,omitempty"`
	Disabled *CodeActionDisabled `json:"disabled,omitempty"`
	Command  *Command            `json:"command,omitempty"`
}

// CodeActionDisabled explains why an action cannot run right now.
type CodeActionDisabled struct {
	Reason string `json:"reason"`
}

// Command references a workspace/executeCommand invocation.
type Command struct {
	Title     string `json:"title"`
	Command   string `json:"command"`
	Arguments []any  `json:"arguments,omitempty"`
}

// ExecuteCommandParams parameters for workspace/executeCommand.
type ExecuteCommandParams struct {
	Command   string            `json:"command"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// CorrectSelectionArgs is the single argument of the correctSelection command.
type CorrectSelectionArgs struct {
	URI      DocumentURI `json:"uri"`
	Range    LSPRange    `json:"range"`
	PromptID string      `json:"promptId,omitempty"`
	Version  int         `json:"version"`
}

// CorrectSelectionResult is the reply to the correctSelection command.
type CorrectSelectionResult struct {
	TaskID        string `json:"taskId"`
	Applied       bool   `json:"applied"`
	OriginalText  string `json:"originalText"`
	CorrectedText string `json:"correctedText"`
	CacheHit      bool   `json:"cacheHit"`
	FailureReason string `json:"failureReason,omitempty"`
}

// TextEdit is a textual edit applicable to a document.
type TextEdit struct {
	Range   LSPRange `json:"range"`
	NewText string   `json:"newText"`
}

// WorkspaceEdit represents changes to many resources.
type WorkspaceEdit struct {
	Changes map[DocumentURI][]TextEdit `json:"changes"`
}

// ApplyWorkspaceEditParams parameters for the workspace/applyEdit request sent to the client.
type ApplyWorkspaceEditParams struct {
	Label string        `json:"label,omitempty"`
	Edit  WorkspaceEdit `json:"edit"`
}

// ApplyWorkspaceEditResult is the client's answer to workspace/applyEdit.
type ApplyWorkspaceEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}

// TaskInfo is the listTasks wire form of an ActiveTask.
type TaskInfo struct {
	ID        string      `json:"id"`
	URI       DocumentURI `json:"uri"`
	Range     Range       `json:"range"` // Byte coordinates.
	StartTime string      `json:"startTime"`
}

// MessageType for window/showMessage.
type MessageType int

const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

// ShowMessageParams parameters for window/showMessage notification.
type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ============================================================================
// JSON-RPC Structures
// ============================================================================

// JSON-RPC Standard Error Codes
const (
	JsonRpcParseError           int64 = -32700
	JsonRpcInvalidRequest       int64 = -32600
	JsonRpcMethodNotFound       int64 = -32601
	JsonRpcInvalidParams        int64 = -32602
	JsonRpcInternalError        int64 = -32603
	JsonRpcRequestCancelled     int64 = -32800
	JsonRpcServerNotInitialized int64 = -32002
	JsonRpcContentModified      int64 = -32801
	JsonRpcRequestFailed        int64 = -32803
)

// ============================================================================
// LSP Utility Functions
// ============================================================================

// lspRangeToSelection converts a UTF-16 LSP range over content to a byte TextSelection.
func lspRangeToSelection(content string, uri DocumentURI, r LSPRange) (TextSelection, error) {
	start, err := LSPPositionToPosition(content, r.Start)
	if err != nil {
		return TextSelection{}, fmt.Errorf("range start: %w", err)
	}
	end, err := LSPPositionToPosition(content, r.End)
	if err != nil {
		return TextSelection{}, fmt.Errorf("range end: %w", err)
	}
	return TextSelection{DocumentURI: string(uri), Range: Range{Start: start, End: end}}, nil
}

// rangeToLSPRange converts a byte Range over content to UTF-16 LSP coordinates.
func rangeToLSPRange(content string, r Range) (LSPRange, error) {
	start, err := PositionToLSPPosition(content, r.Start)
	if err != nil {
		return LSPRange{}, fmt.Errorf("range start: %w", err)
	}
	end, err := PositionToLSPPosition(content, r.End)
	if err != nil {
		return LSPRange{}, fmt.Errorf("range end: %w", err)
	}
	return LSPRange{Start: start, End: end}, nil
}
