// Package lsp serves diagnostics, completion and hover to editors over the
// Language Server Protocol.
package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/jsonrpc2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/phobologic/tryton-analyzer/internal/analyzer"
	"github.com/phobologic/tryton-analyzer/internal/complete"
	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/manifest"
	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/workspace"
)

var tracer = otel.Tracer("github.com/phobologic/tryton-analyzer/internal/lsp")

// Source names the server in published diagnostics.
const Source = "TrytonLSP"

// ErrNoShutdown is returned by Serve when the editor sent exit without a
// shutdown request first.
var ErrNoShutdown = errors.New("exit without shutdown")

// Workspace is what the server needs from the workspace. It is implemented
// by *workspace.Workspace.
type Workspace interface {
	Locate(path string) (*workspace.File, error)
	Diagnose(ctx context.Context, path string, source []byte) (*analyzer.Report, error)
	Complete(ctx context.Context, path string, source []byte, pos model.Position) (iter.Seq[complete.Candidate], error)
	Hover(ctx context.Context, path string, source []byte, pos model.Position) (*complete.Hover, error)
	Reload(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// CompletionLimit caps the items of a completion answer. A value <= 0
	// sends them all.
	CompletionLimit int
	Logger          *slog.Logger
	Version         string
}

type document struct {
	uri     string
	path    string
	version int
	text    []byte
}

// Server answers one editor connection.
type Server struct {
	ws     Workspace
	opts   Options
	logger *slog.Logger
	conn   atomic.Pointer[jsonrpc2.Conn]

	mu          sync.Mutex
	ctx         context.Context
	initialized bool
	shutdown    bool
	docs        map[string]*document
	requests    map[string]context.CancelFunc
	completing  map[string]string
	diagnosing  map[string]context.CancelFunc
	watched     map[string]bool
	watcher     *fsnotify.Watcher

	exitOnce sync.Once
	exited   chan struct{}
	wg       sync.WaitGroup
}

// NewServer returns a server over ws.
func NewServer(ws Workspace, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = ctxlog.Discard()
	}
	s := &Server{
		ws:         ws,
		opts:       opts,
		docs:       make(map[string]*document),
		requests:   make(map[string]context.CancelFunc),
		completing: make(map[string]string),
		diagnosing: make(map[string]context.CancelFunc),
		watched:    make(map[string]bool),
		exited:     make(chan struct{}),
	}
	s.logger = slog.New(&editorHandler{next: opts.Logger.Handler(), notify: s.logMessage})
	return s
}

// Serve runs the protocol over rwc until the editor disconnects, sends
// exit, or ctx is done.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = ctxlog.WithLogger(ctx, s.logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	s.mu.Lock()
	s.ctx = ctx
	s.watcher = watcher
	s.mu.Unlock()

	conn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), s)
	s.conn.Store(conn)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(ctx, conn, watcher)
	}()

	select {
	case <-conn.DisconnectNotify():
	case <-s.exited:
	case <-ctx.Done():
	}
	s.conn.Store(nil)
	_ = conn.Close()
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.exited:
		if !s.shutdown {
			return ErrNoShutdown
		}
	default:
	}
	return nil
}

// Handle implements jsonrpc2.Handler. Messages are handled in arrival
// order, except completion and hover which run concurrently and can be
// canceled.
func (s *Server) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Method == methodCompletion || req.Method == methodHover {
		s.async(ctx, conn, req)
		return
	}
	start := time.Now()
	result, err := s.dispatch(ctx, conn, req)
	s.reply(ctx, conn, req, start, result, err)
}

func (s *Server) reply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, start time.Time, result any, err error) {
	requestSeconds.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	status := "ok"
	var rpcErr *jsonrpc2.Error
	switch {
	case err == nil:
	case errors.As(err, &rpcErr):
		status = "error"
		if rpcErr.Code == codeRequestCancelled {
			status = "canceled"
		}
	default:
		status = "error"
		rpcErr = &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
	}
	requestsTotal.WithLabelValues(req.Method, status).Inc()

	if req.Notif {
		if err != nil {
			s.logger.Warn("notification failed", "method", req.Method, "error", err)
		}
		return
	}
	if rpcErr != nil {
		if status != "canceled" {
			s.logger.Debug("request failed", "method", req.Method, "error", rpcErr.Message)
		}
		err = conn.ReplyWithError(ctx, req.ID, rpcErr)
	} else {
		err = conn.Reply(ctx, req.ID, result)
	}
	if err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		s.logger.Debug("sending reply", "method", req.Method, "error", err)
	}
}

// async runs a request in its own goroutine. A newer completion on the same
// document cancels the older one.
func (s *Server) async(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	start := time.Now()
	var params TextDocumentPositionParams
	if err := decode(req, &params); err != nil {
		s.reply(ctx, conn, req, start, nil, err)
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	key := req.ID.String()
	uri := params.TextDocument.URI

	s.mu.Lock()
	s.requests[key] = cancel
	if req.Method == methodCompletion {
		if prev, ok := s.completing[uri]; ok {
			if c := s.requests[prev]; c != nil {
				c()
			}
		}
		s.completing[uri] = key
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.requests, key)
			if s.completing[uri] == key {
				delete(s.completing, uri)
			}
			s.mu.Unlock()
		}()

		var (
			result any
			err    error
		)
		if err = s.ready(); err == nil {
			if req.Method == methodCompletion {
				result, err = s.completion(rctx, params)
			} else {
				result, err = s.hover(rctx, params)
			}
		}
		if rctx.Err() != nil && ctx.Err() == nil {
			result, err = nil, &jsonrpc2.Error{Code: codeRequestCancelled, Message: "request cancelled"}
		}
		s.reply(ctx, conn, req, start, result, err)
	}()
}

func (s *Server) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.initialized:
		return &jsonrpc2.Error{Code: codeServerNotInitialized, Message: "server not initialized"}
	case s.shutdown:
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "server is shutting down"}
	}
	return nil
}

func decode(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case methodInitialize:
		return s.initialize(ctx, req)
	case methodExit:
		s.exitOnce.Do(func() { close(s.exited) })
		return nil, nil
	}
	if err := s.ready(); err != nil {
		if req.Notif {
			return nil, nil
		}
		return nil, err
	}

	switch req.Method {
	case methodInitialized:
		return nil, nil
	case methodShutdown:
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		return nil, nil
	case methodCancelRequest:
		var params struct {
			ID jsonrpc2.ID `json:"id"`
		}
		if err := decode(req, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		if cancel := s.requests[params.ID.String()]; cancel != nil {
			cancel()
		}
		s.mu.Unlock()
		return nil, nil
	case methodDidOpen:
		var params DidOpenTextDocumentParams
		if err := decode(req, &params); err != nil {
			return nil, err
		}
		return nil, s.didOpen(ctx, conn, params)
	case methodDidChange:
		var params DidChangeTextDocumentParams
		if err := decode(req, &params); err != nil {
			return nil, err
		}
		s.didChange(conn, params)
		return nil, nil
	case methodDidSave:
		var params DidSaveTextDocumentParams
		if err := decode(req, &params); err != nil {
			return nil, err
		}
		s.reload(ctx, conn)
		return nil, nil
	case methodDidClose:
		var params DidCloseTextDocumentParams
		if err := decode(req, &params); err != nil {
			return nil, err
		}
		s.didClose(ctx, conn, params)
		return nil, nil
	}
	if req.Notif {
		return nil, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not supported: " + req.Method}
}

func (s *Server) initialize(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var params InitializeParams
	if err := decode(req, &params); err != nil {
		return nil, err
	}
	if params.ClientInfo != nil {
		ctxlog.FromContext(ctx).Info("editor connected", "client", params.ClientInfo.Name, "version", params.ClientInfo.Version)
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return InitializeResult{
		Capabilities: ServerCapabilities{
			TextDocumentSync: TextDocumentSyncOptions{
				OpenClose: true,
				Change:    textDocumentSyncFull,
				Save:      &SaveOptions{},
			},
			CompletionProvider: CompletionOptions{TriggerCharacters: []string{"."}},
			HoverProvider:      true,
		},
		ServerInfo: ServerInfo{Name: Source, Version: s.opts.Version},
	}, nil
}

func (s *Server) didOpen(ctx context.Context, conn *jsonrpc2.Conn, params DidOpenTextDocumentParams) error {
	item := params.TextDocument
	path, err := uriToPath(item.URI)
	if err != nil {
		return err
	}
	doc := &document{uri: item.URI, path: path, version: item.Version, text: []byte(item.Text)}
	s.mu.Lock()
	if _, ok := s.docs[item.URI]; !ok {
		openDocuments.Inc()
	}
	s.docs[item.URI] = doc
	s.mu.Unlock()

	s.watchModule(ctx, path)
	s.diagnose(conn, *doc)
	return nil
}

// didChange applies a full-text change. Changes older than the stored
// version are dropped.
func (s *Server) didChange(conn *jsonrpc2.Conn, params DidChangeTextDocumentParams) {
	if len(params.ContentChanges) == 0 {
		return
	}
	s.mu.Lock()
	doc, ok := s.docs[params.TextDocument.URI]
	if !ok || params.TextDocument.Version <= doc.version {
		s.mu.Unlock()
		return
	}
	doc.version = params.TextDocument.Version
	doc.text = []byte(params.ContentChanges[len(params.ContentChanges)-1].Text)
	snapshot := *doc
	s.mu.Unlock()

	s.diagnose(conn, snapshot)
}

func (s *Server) didClose(ctx context.Context, conn *jsonrpc2.Conn, params DidCloseTextDocumentParams) {
	uri := params.TextDocument.URI
	s.mu.Lock()
	if _, ok := s.docs[uri]; ok {
		openDocuments.Dec()
	}
	delete(s.docs, uri)
	if cancel := s.diagnosing[uri]; cancel != nil {
		cancel()
		delete(s.diagnosing, uri)
	}
	s.mu.Unlock()

	s.notify(ctx, conn, methodPublishDiagnostics, PublishDiagnosticsParams{URI: uri, Diagnostics: []Diagnostic{}})
}

func (s *Server) lookup(uri string) (document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uri]
	if !ok {
		return document{}, false
	}
	return *doc, true
}

func (s *Server) open() []document {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]document, 0, len(s.docs))
	for _, uri := range slices.Sorted(maps.Keys(s.docs)) {
		docs = append(docs, *s.docs[uri])
	}
	return docs
}

// diagnose analyzes a document snapshot in the background, replacing any
// analysis still running for it. Results for a superseded version are not
// published.
func (s *Server) diagnose(conn *jsonrpc2.Conn, doc document) {
	s.mu.Lock()
	if cancel := s.diagnosing[doc.uri]; cancel != nil {
		cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.diagnosing[doc.uri] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		ctx, span := tracer.Start(ctx, "lsp.diagnose", trace.WithAttributes(
			attribute.String("uri", doc.uri),
			attribute.Int("version", doc.version),
		))
		defer span.End()

		report, err := s.ws.Diagnose(ctx, doc.path, doc.text)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, workspace.ErrUnsupported), errors.Is(err, manifest.ErrNoModule):
				s.logger.Debug("not analyzing document", "path", doc.path, "reason", err)
			default:
				s.logger.Warn("analyzing document", "path", doc.path, "error", err)
			}
			return
		}
		if cur, ok := s.lookup(doc.uri); !ok || cur.version != doc.version {
			return
		}
		s.publish(ctx, conn, doc, report.Diagnostics)
	}()
}

func (s *Server) publish(ctx context.Context, conn *jsonrpc2.Conn, doc document, diags []model.Diagnostic) {
	t := newText(doc.text)
	out := make([]Diagnostic, 0, len(diags))
	for _, d := range diags {
		out = append(out, Diagnostic{
			Range:    t.span(d.Span),
			Severity: int(d.Severity),
			Code:     string(d.Code),
			Source:   Source,
			Message:  fmt.Sprintf("%s: %s", d.Code, d.Message),
		})
	}
	version := doc.version
	s.notify(ctx, conn, methodPublishDiagnostics, PublishDiagnosticsParams{URI: doc.uri, Version: &version, Diagnostics: out})
}

func (s *Server) notify(ctx context.Context, conn *jsonrpc2.Conn, method string, params any) {
	if err := conn.Notify(ctx, method, params); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		s.logger.Debug("sending notification", "method", method, "error", err)
	}
}

func (s *Server) logMessage(p LogMessageParams) {
	conn := s.conn.Load()
	if conn == nil {
		return
	}
	// Failures are not logged: that would loop back here.
	_ = conn.Notify(context.Background(), methodLogMessage, p)
}

// Rediagnose analyzes every open document again, for instance after the
// introspection worker restarted.
func (s *Server) Rediagnose() {
	conn := s.conn.Load()
	if conn == nil {
		return
	}
	for _, doc := range s.open() {
		s.diagnose(conn, doc)
	}
}

// reload rereads module metadata and analyzes every open document again.
func (s *Server) reload(ctx context.Context, conn *jsonrpc2.Conn) {
	if err := s.ws.Reload(ctx); err != nil {
		s.logger.Warn("reloading modules", "error", err)
	}
	for _, doc := range s.open() {
		s.diagnose(conn, doc)
	}
}

// watchModule watches the module directory of path for manifest and
// __init__.py changes.
func (s *Server) watchModule(ctx context.Context, path string) {
	f, err := s.ws.Locate(path)
	if err != nil || f.Manifest == nil {
		return
	}
	dir := f.Manifest.Dir
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watched[dir] || s.watcher == nil {
		return
	}
	if err := s.watcher.Add(dir); err != nil {
		ctxlog.FromContext(ctx).Warn("watching module", "dir", dir, "error", err)
		return
	}
	s.watched[dir] = true
}

func (s *Server) watch(ctx context.Context, conn *jsonrpc2.Conn, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !workspace.Watched(ev.Name) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			s.logger.Debug("module changed on disk", "path", ev.Name, "op", ev.Op.String())
			s.reload(ctx, conn)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher", "error", err)
		}
	}
}

func itemKind(k model.MemberKind) int {
	switch k {
	case model.MemberField:
		return completionField
	case model.MemberState:
		return completionVariable
	case model.MemberMethod:
		return completionMethod
	}
	return completionProperty
}

func (s *Server) completion(ctx context.Context, params TextDocumentPositionParams) (*CompletionList, error) {
	list := &CompletionList{Items: []CompletionItem{}}
	doc, ok := s.lookup(params.TextDocument.URI)
	if !ok {
		return list, nil
	}
	t := newText(doc.text)
	seq, err := s.ws.Complete(ctx, doc.path, doc.text, t.toByte(params.Position))
	if err != nil {
		if errors.Is(err, workspace.ErrUnsupported) || errors.Is(err, manifest.ErrNoModule) {
			return list, nil
		}
		return nil, err
	}
	cands, incomplete := complete.Select(seq, s.opts.CompletionLimit)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list.IsIncomplete = incomplete
	for i, c := range cands {
		item := CompletionItem{
			Label:    c.Name,
			Kind:     itemKind(c.Kind),
			Detail:   c.Detail,
			SortText: fmt.Sprintf("%04d", i),
		}
		if c.Doc != "" {
			item.Documentation = &MarkupContent{Kind: markdown, Value: c.Doc}
		}
		list.Items = append(list.Items, item)
	}
	return list, nil
}

func (s *Server) hover(ctx context.Context, params TextDocumentPositionParams) (*Hover, error) {
	doc, ok := s.lookup(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	t := newText(doc.text)
	h, err := s.ws.Hover(ctx, doc.path, doc.text, t.toByte(params.Position))
	if err != nil {
		if errors.Is(err, workspace.ErrUnsupported) || errors.Is(err, manifest.ErrNoModule) {
			return nil, nil
		}
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	r := t.span(h.Span)
	return &Hover{Contents: MarkupContent{Kind: markdown, Value: h.Markdown}, Range: &r}, nil
}
