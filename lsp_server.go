// deepcorrect/lsp_server.go
// Implements the Language Server Protocol (LSP) server logic.
package deepcorrect

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// Commands accepted by workspace/executeCommand.
const (
	CommandCorrectSelection = "deepcorrect.correctSelection"
	CommandListTasks        = "deepcorrect.listTasks"
	CommandResetTasks       = "deepcorrect.resetTasks"
)

// ============================================================================
// LSP Server Implementation
// ============================================================================

// Server represents the LSP server instance.
type Server struct {
	logger         *slog.Logger
	levelVar       *slog.LevelVar // Optional; adjusted when log_level changes.
	corrector      *Corrector
	files          map[DocumentURI]*OpenFile
	filesMu        sync.RWMutex
	clientCaps     ClientCapabilities
	serverInfo     *ServerInfo
	requestTracker *RequestTracker
	stateMu        sync.Mutex
	shutdown       bool
}

// OpenFile represents a file currently open in the client editor.
type OpenFile struct {
	URI     DocumentURI
	Content string
	Version int
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithLogLevelVar lets configuration changes adjust the level of the handler that
// produced the server's logger.
func WithLogLevelVar(lv *slog.LevelVar) ServerOption {
	return func(s *Server) { s.levelVar = lv }
}

// NewServer creates a new LSP server instance.
func NewServer(corrector *Corrector, logger *slog.Logger, version string, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger:    logger,
		corrector: corrector,
		files:     make(map[DocumentURI]*OpenFile),
		serverInfo: &ServerInfo{
			Name:    "DeepCorrect LSP",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	publishExpvarMetrics(s)
	return s
}

// Run serves LSP over r and w (typically stdin/stdout) until the connection closes.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.ServeConn(context.Background(), &stdrwc{r: r, w: w})
}

// ServeConn serves LSP over rwc until the peer disconnects, the client sends exit, or
// ctx is cancelled.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) {
	s.logger.Info("Starting LSP server run loop")

	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	base := jsonrpc2.HandlerWithError(s.handle)
	conn := jsonrpc2.NewConn(ctx, stream, &orderedHandler{sync: base, async: jsonrpc2.AsyncHandler(base)})
	s.logger.Info("JSON-RPC connection established")

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
		<-conn.DisconnectNotify()
	}
	s.logger.Info("JSON-RPC connection closed")
}

// orderedHandler runs lifecycle and document-sync messages on the read loop, in arrival
// order, and everything else concurrently. Concurrent handlers may call back into the
// client (workspace/applyEdit) without blocking the read loop.
type orderedHandler struct {
	sync  jsonrpc2.Handler
	async jsonrpc2.Handler
}

func (h *orderedHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case "initialize", "initialized", "shutdown", "exit",
		"textDocument/didOpen", "textDocument/didChange", "textDocument/didClose",
		"workspace/didChangeConfiguration", "$/cancelRequest":
		h.sync.Handle(ctx, conn, req)
	default:
		h.async.Handle(ctx, conn, req)
	}
}

// stdrwc is a simple ReadWriteCloser that wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil }

// handle routes incoming LSP requests/notifications to appropriate methods.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	if !req.Notif {
		methodLogger = methodLogger.With("req_id", req.ID.String())
	}
	methodLogger.Debug("Received request/notification")

	defer func() {
		if r := recover(); r != nil {
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", string(debug.Stack()))
			panicData, marshalErr := json.Marshal(fmt.Sprintf("Panic: %v", r))
			if marshalErr != nil {
				panicData = []byte(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)
			err = &jsonrpc2.Error{
				Code:    JsonRpcInternalError,
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	if !req.Notif {
		var cancel context.CancelFunc
		ctx, cancel = s.requestTracker.Add(req.ID, ctx)
		defer cancel()
		defer s.requestTracker.Remove(req.ID)
	}
	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: JsonRpcRequestCancelled, Message: "Request cancelled"}
	default:
	}

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}
	invalidParams := func(what string, err error) error {
		methodLogger.Error("Failed to unmarshal params", "error", err)
		return &jsonrpc2.Error{Code: JsonRpcInvalidParams, Message: fmt.Sprintf("Invalid %s params: %v", what, err)}
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams("initialize", err)
		}
		return s.handleInitialize(ctx, conn, req, params, methodLogger)

	case "initialized":
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case "shutdown":
		return s.handleShutdown(ctx, conn, req, methodLogger)

	case "exit":
		return s.handleExit(ctx, conn, req, methodLogger)

	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didOpen params", "error", err)
			return nil, nil
		}
		return s.handleDidOpen(ctx, conn, req, params, methodLogger)

	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChange params", "error", err)
			return nil, nil
		}
		return s.handleDidChange(ctx, conn, req, params, methodLogger)

	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didClose params", "error", err)
			return nil, nil
		}
		return s.handleDidClose(ctx, conn, req, params, methodLogger)

	case "textDocument/codeAction":
		var params CodeActionParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams("codeAction", err)
		}
		return s.handleCodeAction(ctx, conn, req, params, methodLogger)

	case "workspace/executeCommand":
		var params ExecuteCommandParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams("executeCommand", err)
		}
		return s.handleExecuteCommand(ctx, conn, req, params, methodLogger)

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChangeConfiguration params", "error", err)
			return nil, nil
		}
		return s.handleDidChangeConfiguration(ctx, conn, req, params, methodLogger)

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil
		}
		var cancelID jsonrpc2.ID
		switch idVal := params.ID.(type) {
		case float64:
			cancelID = jsonrpc2.ID{Num: uint64(idVal)}
		case string:
			cancelID = jsonrpc2.ID{Str: idVal, IsString: true}
		default:
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		methodLogger.Info("Cancellation request processed", "cancelled_id", cancelID.String())
		return nil, nil

	default:
		if req.Notif {
			methodLogger.Debug("Ignoring unhandled notification")
			return nil, nil
		}
		methodLogger.Warn("Unhandled LSP method")
		return nil, &jsonrpc2.Error{Code: JsonRpcMethodNotFound, Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// getFile returns a copy of the open file state for uri.
func (s *Server) getFile(uri DocumentURI) (OpenFile, bool) {
	s.filesMu.RLock()
	defer s.filesMu.RUnlock()
	f, ok := s.files[uri]
	if !ok {
		return OpenFile{}, false
	}
	return *f, true
}

// ============================================================================
// LSP Notification Sending Helpers
// ============================================================================

func (s *Server) sendShowMessage(conn *jsonrpc2.Conn, msgType MessageType, message string) {
	if conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	if err := conn.Notify(context.Background(), "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	} else {
		s.logger.Debug("Sent window/showMessage notification", "message_type", msgType)
	}
}

// ============================================================================
// Metrics Publishing
// ============================================================================

var (
	expvarOnce   sync.Once
	expvarServer atomic.Pointer[Server] // Most recently created server.
)

// publishExpvarMetrics exposes server and cache counters through expvar. The variables
// are registered once per process and always report on the latest server.
func publishExpvarMetrics(s *Server) {
	expvarServer.Store(s)
	expvarOnce.Do(func() {
		startTime := time.Now()
		expvar.Publish("serverInfo", expvar.Func(func() any {
			if srv := expvarServer.Load(); srv != nil {
				return srv.serverInfo
			}
			return nil
		}))
		expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
		expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
		expvar.Publish("memory.allocBytes", expvar.Func(func() any {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc
		}))
		expvar.Publish("lsp.openFiles", expvar.Func(func() any {
			srv := expvarServer.Load()
			if srv == nil {
				return 0
			}
			srv.filesMu.RLock()
			defer srv.filesMu.RUnlock()
			return len(srv.files)
		}))
		expvar.Publish("lsp.pendingRequests", expvar.Func(func() any {
			if srv := expvarServer.Load(); srv != nil {
				return srv.requestTracker.Count()
			}
			return 0
		}))
		expvar.Publish("corrections.active", expvar.Func(func() any {
			if srv := expvarServer.Load(); srv != nil && srv.corrector != nil {
				return srv.corrector.Tasks().ActiveCount()
			}
			return 0
		}))
		cacheMetric := func(read func(hits, misses, keysAdded, keysEvicted uint64) uint64) expvar.Func {
			return func() any {
				srv := expvarServer.Load()
				if srv == nil || srv.corrector == nil {
					return uint64(0)
				}
				m := srv.corrector.CacheMetrics()
				if m == nil {
					return uint64(0)
				}
				return read(m.Hits(), m.Misses(), m.KeysAdded(), m.KeysEvicted())
			}
		}
		expvar.Publish("cache.memory.hits", cacheMetric(func(h, _, _, _ uint64) uint64 { return h }))
		expvar.Publish("cache.memory.misses", cacheMetric(func(_, m, _, _ uint64) uint64 { return m }))
		expvar.Publish("cache.memory.keysAdded", cacheMetric(func(_, _, a, _ uint64) uint64 { return a }))
		expvar.Publish("cache.memory.keysEvicted", cacheMetric(func(_, _, _, e uint64) uint64 { return e }))
	})
	s.logger.Debug("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for ongoing LSP requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[jsonrpc2.ID]context.CancelFunc),
	}
}

// Add registers a request ID and returns the context the handler must use so that
// $/cancelRequest can abort it.
func (rt *RequestTracker) Add(id jsonrpc2.ID, ctx context.Context) (context.Context, context.CancelFunc) {
	reqCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.requests[id] = cancel
	rt.mu.Unlock()
	return reqCtx, cancel
}

// Remove deregisters a request ID.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.requests, id)
}

// Cancel finds the cancel function for a request ID and calls it.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) bool {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id)
	}
	rt.mu.Unlock()

	if found {
		cancel()
	}
	return found
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
