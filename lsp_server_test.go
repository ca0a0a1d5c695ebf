// deepcorrect/lsp_server_test.go
package deepcorrect

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// lspClient is the editor side of an in-memory LSP session.
type lspClient struct {
	t        *testing.T
	conn     *jsonrpc2.Conn
	server   *Server
	served   chan struct{}
	mu       sync.Mutex
	edits    []ApplyWorkspaceEditParams
	messages []ShowMessageParams
}

// newLSPSession starts a Server over net.Pipe and returns an initialized client.
func newLSPSession(t *testing.T, c *Corrector) *lspClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	cl := &lspClient{t: t, served: make(chan struct{})}
	cl.server = NewServer(c, discardLogger(), "test")
	go func() {
		defer close(cl.served)
		cl.server.ServeConn(ctx, serverSide)
	}()

	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		switch req.Method {
		case "workspace/applyEdit":
			var params ApplyWorkspaceEditParams
			if err := json.Unmarshal(*req.Params, &params); err != nil {
				return nil, err
			}
			cl.mu.Lock()
			cl.edits = append(cl.edits, params)
			cl.mu.Unlock()
			return ApplyWorkspaceEditResult{Applied: true}, nil
		case "window/showMessage":
			var params ShowMessageParams
			if err := json.Unmarshal(*req.Params, &params); err == nil {
				cl.mu.Lock()
				cl.messages = append(cl.messages, params)
				cl.mu.Unlock()
			}
		}
		return nil, nil
	})
	cl.conn = jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}), jsonrpc2.AsyncHandler(handler))
	t.Cleanup(func() {
		cl.conn.Close()
		cancel()
		select {
		case <-cl.served:
		case <-time.After(5 * time.Second):
			t.Error("ServeConn did not return after the client disconnected")
		}
	})

	var init InitializeResult
	if err := cl.call("initialize", InitializeParams{
		ClientInfo:   &ClientInfo{Name: "test-client"},
		Capabilities: ClientCapabilities{Workspace: &WorkspaceClientCapabilities{ApplyEdit: true}},
	}, &init); err != nil {
		t.Fatalf("initialize unexpected error: %v", err)
	}
	cl.notify("initialized", struct{}{})
	return cl
}

func (cl *lspClient) call(method string, params, result any, opts ...jsonrpc2.CallOption) error {
	cl.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return cl.conn.Call(ctx, method, params, result, opts...)
}

func (cl *lspClient) notify(method string, params any) {
	cl.t.Helper()
	if err := cl.conn.Notify(context.Background(), method, params); err != nil {
		cl.t.Fatalf("Notify(%s) unexpected error: %v", method, err)
	}
}

func (cl *lspClient) open(uri DocumentURI, text string, version int) {
	cl.notify("textDocument/didOpen", DidOpenTextDocumentParams{TextDocument: TextDocumentItem{URI: uri, LanguageID: "plaintext", Version: version, Text: text}})
}

func (cl *lspClient) correct(args CorrectSelectionArgs, opts ...jsonrpc2.CallOption) (CorrectSelectionResult, error) {
	var res CorrectSelectionResult
	err := cl.call("workspace/executeCommand", ExecuteCommandParams{
		Command:   CommandCorrectSelection,
		Arguments: []json.RawMessage{mustJSON(cl.t, args)},
	}, &res, opts...)
	return res, err
}

func (cl *lspClient) listTasks() []TaskInfo {
	cl.t.Helper()
	var tasks []TaskInfo
	if err := cl.call("workspace/executeCommand", ExecuteCommandParams{Command: CommandListTasks}, &tasks); err != nil {
		cl.t.Fatalf("listTasks unexpected error: %v", err)
	}
	return tasks
}

func (cl *lspClient) appliedEdits() []ApplyWorkspaceEditParams {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return append([]ApplyWorkspaceEditParams(nil), cl.edits...)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() unexpected error: %v", err)
	}
	return data
}

func rpcCode(err error) int64 {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}

func lspRange(sl, sc, el, ec uint32) LSPRange {
	return LSPRange{Start: LSPPosition{Line: sl, Character: sc}, End: LSPPosition{Line: el, Character: ec}}
}

// ============================================================================
// Tests
// ============================================================================

func TestServer_Initialize(t *testing.T) {
	c := newTestCorrector(t, getDefaultConfig(), &fakeLLM{}, WithoutCache())
	serverSide, clientSide := net.Pipe()
	srv := NewServer(c, discardLogger(), "1.2.3")
	go srv.ServeConn(context.Background(), serverSide)

	conn := jsonrpc2.NewConn(context.Background(), jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}), jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) { return nil, nil })))
	defer conn.Close()

	var res InitializeResult
	if err := conn.Call(context.Background(), "initialize", InitializeParams{}, &res); err != nil {
		t.Fatalf("initialize unexpected error: %v", err)
	}
	if !res.Capabilities.CodeActionProvider {
		t.Errorf("CodeActionProvider got = false, want true")
	}
	if res.Capabilities.TextDocumentSync == nil || res.Capabilities.TextDocumentSync.Change != TextDocumentSyncKindFull {
		t.Errorf("TextDocumentSync got = %+v, want full sync", res.Capabilities.TextDocumentSync)
	}
	cmds := res.Capabilities.ExecuteCommandProvider
	if cmds == nil || len(cmds.Commands) != 3 || cmds.Commands[0] != CommandCorrectSelection {
		t.Errorf("ExecuteCommandProvider got = %+v", cmds)
	}
	if res.ServerInfo == nil || res.ServerInfo.Version != "1.2.3" {
		t.Errorf("ServerInfo got = %+v", res.ServerInfo)
	}

	err := conn.Call(context.Background(), "textDocument/hover", struct{}{}, nil)
	if rpcCode(err) != JsonRpcMethodNotFound {
		t.Errorf("unknown method error = %v, want MethodNotFound", err)
	}

	if err := conn.Call(context.Background(), "shutdown", nil, nil); err != nil {
		t.Fatalf("shutdown unexpected error: %v", err)
	}
	if !srv.ShutdownRequested() {
		t.Errorf("ShutdownRequested() got = false after shutdown")
	}
	conn.Notify(context.Background(), "exit", nil)
}

func TestServer_CodeActionAndCorrect(t *testing.T) {
	c := newTestCorrector(t, getDefaultConfig(), &fakeLLM{}, WithoutCache())
	cl := newLSPSession(t, c)

	uri := DocumentURI("file:///doc.txt")
	cl.open(uri, "Hello wrld, héllo 😂 x\nline two", 1)

	var actions []CodeAction
	if err := cl.call("textDocument/codeAction", CodeActionParams{TextDocument: TextDocumentIdentifier{URI: uri}, Range: lspRange(0, 6, 0, 10)}, &actions); err != nil {
		t.Fatalf("codeAction unexpected error: %v", err)
	}
	if len(actions) != len(builtInPrompts) {
		t.Fatalf("codeAction returned %d actions, want %d", len(actions), len(builtInPrompts))
	}
	for _, a := range actions {
		if a.Disabled != nil || a.Command == nil || a.Command.Command != CommandCorrectSelection || a.Kind != CodeActionKindRefactorRewrite {
			t.Errorf("unexpected action %+v", a)
		}
	}

	var none []CodeAction
	if err := cl.call("textDocument/codeAction", CodeActionParams{TextDocument: TextDocumentIdentifier{URI: uri}, Range: lspRange(0, 3, 0, 3)}, &none); err != nil || len(none) != 0 {
		t.Errorf("codeAction on empty range got = (%v, %v), want no actions", none, err)
	}

	// The range is given in UTF-16 units; "héllo" starts at 12 and ends at 17.
	res, err := cl.correct(CorrectSelectionArgs{URI: uri, Range: lspRange(0, 12, 0, 17), PromptID: "proofread", Version: 1})
	if err != nil {
		t.Fatalf("correctSelection unexpected error: %v", err)
	}
	if !res.Applied || res.OriginalText != "héllo" || res.CorrectedText != "HÉLLO" {
		t.Errorf("correctSelection result got = %+v", res)
	}

	edits := cl.appliedEdits()
	if len(edits) != 1 {
		t.Fatalf("client received %d applyEdit requests, want 1", len(edits))
	}
	textEdits := edits[0].Edit.Changes[uri]
	if len(textEdits) != 1 || textEdits[0].Range != lspRange(0, 12, 0, 17) || textEdits[0].NewText != "HÉLLO" {
		t.Errorf("applyEdit got = %+v", textEdits)
	}
	if tasks := cl.listTasks(); len(tasks) != 0 {
		t.Errorf("listTasks after completion got = %+v, want none", tasks)
	}
}

func TestServer_CommandErrors(t *testing.T) {
	c := newTestCorrector(t, getDefaultConfig(), &fakeLLM{}, WithoutCache())
	cl := newLSPSession(t, c)
	uri := DocumentURI("file:///doc.txt")
	cl.open(uri, "some text\n   \n", 3)

	tests := []struct {
		name     string
		args     CorrectSelectionArgs
		wantCode int64
	}{
		{"Not open", CorrectSelectionArgs{URI: "file:///other.txt", Range: lspRange(0, 0, 0, 4)}, JsonRpcInvalidParams},
		{"Old version", CorrectSelectionArgs{URI: uri, Range: lspRange(0, 0, 0, 4), Version: 2}, JsonRpcContentModified},
		{"Blank selection", CorrectSelectionArgs{URI: uri, Range: lspRange(1, 0, 1, 3)}, JsonRpcInvalidParams},
		{"Unknown prompt", CorrectSelectionArgs{URI: uri, Range: lspRange(0, 0, 0, 4), PromptID: "nope"}, JsonRpcInvalidParams},
		{"Line out of range", CorrectSelectionArgs{URI: uri, Range: lspRange(9, 0, 9, 1)}, JsonRpcInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cl.correct(tt.args)
			if rpcCode(err) != tt.wantCode {
				t.Errorf("correctSelection error = %v, want code %d", err, tt.wantCode)
			}
		})
	}

	err := cl.call("workspace/executeCommand", ExecuteCommandParams{Command: "deepcorrect.nope"}, nil)
	if rpcCode(err) != JsonRpcInvalidParams {
		t.Errorf("unknown command error = %v, want InvalidParams", err)
	}
	if edits := cl.appliedEdits(); len(edits) != 0 {
		t.Errorf("failed commands sent %d edits", len(edits))
	}
}

// startGatedCorrection runs correctSelection in the background and waits until the
// model call is in flight.
func startGatedCorrection(t *testing.T, cl *lspClient, llm *fakeLLM, args CorrectSelectionArgs, opts ...jsonrpc2.CallOption) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		_, err := cl.correct(args, opts...)
		errCh <- err
	}()
	select {
	case <-llm.started:
	case <-time.After(5 * time.Second):
		t.Fatal("correction never reached the model")
	}
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("correction did not finish")
		return nil
	}
}

func TestServer_OverlapWhileInFlight(t *testing.T) {
	llm := &fakeLLM{gate: make(chan struct{}), started: make(chan string, 1)}
	c := newTestCorrector(t, getDefaultConfig(), llm, WithoutCache())
	cl := newLSPSession(t, c)
	uri := DocumentURI("file:///doc.txt")
	cl.open(uri, "alpha beta gamma\ndelta epsilon", 1)

	errCh := startGatedCorrection(t, cl, llm, CorrectSelectionArgs{URI: uri, Range: lspRange(0, 6, 1, 5), Version: 1})

	tasks := cl.listTasks()
	if len(tasks) != 1 || tasks[0].URI != uri || tasks[0].Range != (Range{Start: Position{0, 6}, End: Position{1, 5}}) {
		t.Errorf("listTasks got = %+v, want the in-flight selection", tasks)
	}

	var actions []CodeAction
	if err := cl.call("textDocument/codeAction", CodeActionParams{TextDocument: TextDocumentIdentifier{URI: uri}, Range: lspRange(0, 0, 0, 10)}, &actions); err != nil {
		t.Fatalf("codeAction unexpected error: %v", err)
	}
	if len(actions) == 0 || actions[0].Disabled == nil {
		t.Errorf("codeAction on a blocked range got = %+v, want disabled actions", actions)
	}
	// Decode into a fresh slice; omitted fields would keep the blocked call's values.
	var adjacent []CodeAction
	if err := cl.call("textDocument/codeAction", CodeActionParams{TextDocument: TextDocumentIdentifier{URI: uri}, Range: lspRange(0, 0, 0, 6)}, &adjacent); err != nil {
		t.Fatalf("codeAction unexpected error: %v", err)
	}
	if len(adjacent) == 0 {
		t.Fatalf("codeAction on an adjacent range returned no actions")
	}
	for _, a := range adjacent {
		if a.Disabled != nil {
			t.Errorf("codeAction on an adjacent range got disabled action %q (%s), want enabled", a.Title, a.Disabled.Reason)
		}
	}

	if _, err := cl.correct(CorrectSelectionArgs{URI: uri, Range: lspRange(1, 0, 1, 3), Version: 1}); rpcCode(err) != JsonRpcRequestFailed {
		t.Errorf("overlapping correctSelection error = %v, want RequestFailed", err)
	}

	close(llm.gate)
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("first correctSelection unexpected error: %v", err)
	}
	edits := cl.appliedEdits()
	if len(edits) != 1 || edits[0].Edit.Changes[uri][0].NewText != "BETA GAMMA\nDELTA" {
		t.Errorf("applyEdit got = %+v", edits)
	}
}

func TestServer_StaleDocumentGuard(t *testing.T) {
	uri := DocumentURI("file:///doc.txt")
	tests := []struct {
		name      string
		newText   string
		wantEdit  bool
		wantRange LSPRange
	}{
		{name: "Edit elsewhere keeps selection", newText: "first line changed a lot\nline two", wantEdit: true, wantRange: lspRange(1, 0, 1, 4)},
		{name: "Edit inside selection discards result", newText: "first line\nLiNe two", wantEdit: false},
		{name: "Selection deleted", newText: "first line", wantEdit: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &fakeLLM{gate: make(chan struct{}), started: make(chan string, 1)}
			c := newTestCorrector(t, getDefaultConfig(), llm, WithoutCache())
			cl := newLSPSession(t, c)
			cl.open(uri, "first line\nline two", 1)

			errCh := startGatedCorrection(t, cl, llm, CorrectSelectionArgs{URI: uri, Range: lspRange(1, 0, 1, 4), Version: 1})

			cl.notify("textDocument/didChange", DidChangeTextDocumentParams{
				TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: 2},
				ContentChanges: []TextDocumentContentChangeEvent{{Text: tt.newText}},
			})
			// didChange is handled in order, so any later request observes it.
			cl.listTasks()
			close(llm.gate)

			err := waitErr(t, errCh)
			edits := cl.appliedEdits()
			if tt.wantEdit {
				if err != nil {
					t.Fatalf("correctSelection unexpected error: %v", err)
				}
				if len(edits) != 1 || edits[0].Edit.Changes[uri][0].Range != tt.wantRange || edits[0].Edit.Changes[uri][0].NewText != "LINE" {
					t.Errorf("applyEdit got = %+v", edits)
				}
				return
			}
			if rpcCode(err) != JsonRpcContentModified {
				t.Errorf("correctSelection error = %v, want ContentModified", err)
			}
			if len(edits) != 0 {
				t.Errorf("stale correction still sent edits: %+v", edits)
			}
		})
	}
}

func TestServer_CancelRequest(t *testing.T) {
	llm := &fakeLLM{gate: make(chan struct{}), started: make(chan string, 1)}
	c := newTestCorrector(t, getDefaultConfig(), llm, WithoutCache())
	cl := newLSPSession(t, c)
	uri := DocumentURI("file:///doc.txt")
	cl.open(uri, "cancel me", 1)

	errCh := startGatedCorrection(t, cl, llm, CorrectSelectionArgs{URI: uri, Range: lspRange(0, 0, 0, 6)}, jsonrpc2.PickID(jsonrpc2.ID{Num: 4242}))
	cl.notify("$/cancelRequest", CancelParams{ID: 4242})

	if err := waitErr(t, errCh); rpcCode(err) != JsonRpcRequestCancelled {
		t.Errorf("cancelled correctSelection error = %v, want RequestCancelled", err)
	}
	if n := c.Tasks().ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() after cancel got = %d, want 0", n)
	}
}

func TestServer_ResetTasksAndConfiguration(t *testing.T) {
	c := newTestCorrector(t, getDefaultConfig(), &fakeLLM{}, WithoutCache())
	cl := newLSPSession(t, c)

	if _, err := c.Tasks().StartTask(NewTextSelection("file:///x", 0, 0, 0, 1)); err != nil {
		t.Fatalf("StartTask() unexpected error: %v", err)
	}
	if err := cl.call("workspace/executeCommand", ExecuteCommandParams{Command: CommandResetTasks}, nil); err != nil {
		t.Fatalf("resetTasks unexpected error: %v", err)
	}
	if n := c.Tasks().ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() after resetTasks got = %d, want 0", n)
	}

	tests := []struct {
		name      string
		settings  string
		wantModel string
	}{
		{"Nested section", `{"deepcorrect": {"model": "nested-model"}, "other": {"model": "ignored"}}`, "nested-model"},
		{"Flat settings", `{"model": "flat-model"}`, "flat-model"},
		{"Invalid value rejected", `{"deepcorrect": {"ollama_url": "not a url"}}`, "flat-model"},
		{"Not an object", `"hello"`, "flat-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl.notify("workspace/didChangeConfiguration", DidChangeConfigurationParams{Settings: json.RawMessage(tt.settings)})
			cl.listTasks() // Orders the notification before the check.
			if got := c.GetCurrentConfig().Model; got != tt.wantModel {
				t.Errorf("Model after didChangeConfiguration got = %q, want %q", got, tt.wantModel)
			}
		})
	}
}

func TestServer_DidChangeOutOfOrderIgnored(t *testing.T) {
	c := newTestCorrector(t, getDefaultConfig(), &fakeLLM{}, WithoutCache())
	cl := newLSPSession(t, c)
	uri := DocumentURI("file:///doc.txt")
	cl.open(uri, "v1", 1)

	change := func(version int, text string) {
		cl.notify("textDocument/didChange", DidChangeTextDocumentParams{
			TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: version},
			ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
		})
	}
	change(3, "v3")
	change(2, "v2")
	cl.listTasks()

	f, ok := cl.server.getFile(uri)
	if !ok || f.Version != 3 || f.Content != "v3" {
		t.Errorf("file state got = %+v, want version 3", f)
	}

	cl.notify("textDocument/didClose", DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})
	cl.listTasks()
	if _, ok := cl.server.getFile(uri); ok {
		t.Errorf("file still tracked after didClose")
	}
}
