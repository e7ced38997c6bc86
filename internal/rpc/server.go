package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/clipvec/clipvec/internal/orchestrator"
	"github.com/clipvec/clipvec/internal/version"
)

// Server implements the tool-call protocol over stdio, one newline-delimited
// JSON message per line in either direction.
type Server struct {
	orch *orchestrator.Orchestrator

	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex

	initialized bool
	initMu      sync.Mutex

	handlers map[string]Handler
	tools    *ToolsHandler
}

// Handler handles one JSON-RPC method.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// ServerConfig configures a Server.
type ServerConfig struct {
	Orchestrator *orchestrator.Orchestrator
}

// NewServer constructs a Server reading from stdin and writing to stdout.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		orch:     cfg.Orchestrator,
		reader:   bufio.NewReader(os.Stdin),
		writer:   os.Stdout,
		handlers: make(map[string]Handler),
		tools:    NewToolsHandler(cfg.Orchestrator),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["initialize"] = s.handleInitialize
	s.handlers["initialized"] = s.handleInitialized
	s.handlers["ping"] = s.handlePing
	s.handlers["tools/list"] = s.handleToolsList
	s.handlers["tools/call"] = s.handleToolsCall
}

// Run reads newline-delimited requests until ctx is canceled or stdin
// closes.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("rpc: read: %w", err)
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, ParseError, "parse error", err.Error())
			continue
		}

		s.handleRequest(ctx, req)
	}
}

func (s *Server) handleRequest(ctx context.Context, req Request) {
	if req.JSONRPC != "2.0" {
		s.sendError(req.ID, InvalidRequest, "invalid request", "jsonrpc must be 2.0")
		return
	}

	if req.Method != "initialize" && req.Method != "initialized" && req.Method != "ping" {
		s.initMu.Lock()
		initialized := s.initialized
		s.initMu.Unlock()
		if !initialized {
			s.sendError(req.ID, InvalidRequest, "server not initialized", nil)
			return
		}
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		s.sendError(req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		s.sendError(req.ID, InternalError, err.Error(), nil)
		return
	}

	if req.ID != nil {
		s.sendResponse(NewResponse(req.ID, result))
	}
}

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var initParams InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo: Implementation{
			Name:    "clipvecd",
			Version: version.Version,
		},
		Instructions: "clipvecd exposes semantic search over local clipboard history. " +
			"Use clipvec_search to find previously copied text, clipvec_status to " +
			"check indexing/model state, and clipvec_download_model to fetch the " +
			"embedding model.",
	}, nil
}

func (s *Server) handleInitialized(ctx context.Context, params json.RawMessage) (interface{}, error) {
	s.initMu.Lock()
	s.initialized = true
	s.initMu.Unlock()
	return nil, nil
}

func (s *Server) handlePing(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]string{}, nil
}

func (s *Server) handleToolsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.tools.ListTools(), nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var callParams CallToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.tools.CallTool(ctx, callParams.Name, callParams.Arguments)
}

func (s *Server) sendResponse(resp Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rpc: failed to marshal response: %v\n", err)
		return
	}
	s.writer.Write(data)
	s.writer.Write([]byte("\n"))
}

func (s *Server) sendError(id interface{}, code int, message string, data interface{}) {
	s.sendResponse(NewErrorResponse(id, code, message, data))
}

func (s *Server) sendNotification(method string, params interface{}) error {
	notif, err := NewNotification(method, params)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	s.writer.Write(data)
	s.writer.Write([]byte("\n"))
	return nil
}

// Log sends a logging notification to the client.
func (s *Server) Log(level LoggingLevel, logger string, data interface{}) {
	_ = s.sendNotification("notifications/message", LoggingMessageParams{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}
