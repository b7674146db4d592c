package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kernelbox/kernelbox/config"
	"github.com/kernelbox/kernelbox/session"
)

// Dispatcher is the server's view of the session core.
type Dispatcher interface {
	Execute(ctx context.Context, key, code string, timeout time.Duration) (session.ExecResult, error)
	Upload(ctx context.Context, key, name string, data []byte) (session.FileRecord, error)
	ListFiles(key string) []session.FileRecord
	Download(key, idOrName string) (session.FileRecord, string, error)
	Terminate(ctx context.Context, key string) error
}

// Server exposes the session core over the Model Context Protocol.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	dispatcher Dispatcher
	aliases    *session.AliasTable
	mcpServer  *server.MCPServer
}

// New creates the MCP server and registers its tools.
func New(cfg *config.Config, logger *zap.Logger, dispatcher Dispatcher) (*Server, error) {
	s := &Server{
		config:     cfg,
		logger:     logger,
		dispatcher: dispatcher,
		aliases:    session.NewAliasTable(),
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.String("sandbox.interpreter", cfg.Sandbox.Interpreter),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int64("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Int("sessions.max_sessions", cfg.Sessions.MaxSessions),
		zap.Int("sessions.idle_ttl_sec", cfg.Sessions.IdleTTLSec),
		zap.String("data.host_dir", cfg.Data.HostDir),
		zap.String("data.container_dir", cfg.Data.ContainerDir),
	)

	s.mcpServer = server.NewMCPServer("kernelbox", "A stateful sandboxed code interpreter")
	s.registerTools()

	return s, nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_code",
		Description: "Execute Python code in the session's sandbox. Omit session_id to start a new session; pass it back to keep using the same sandbox and its files.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code to run",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier from a previous call (optional)",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        []string{"python"},
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Execution deadline in seconds (optional, server default applies)",
				},
			},
			Required: []string{"code"},
		},
	}, s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "upload_file",
		Description: "Place a file into the session's working directory so code can read it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"file_name": map[string]any{
					"type":        "string",
					"description": "Name the file will have in the working directory",
				},
				"content_b64": map[string]any{
					"type":        "string",
					"description": "Base64-encoded file content",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier (optional, a new session is created when omitted)",
				},
			},
			Required: []string{"file_name", "content_b64"},
		},
	}, s.handleUploadFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_files",
		Description: "List the files in the session's working directory.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier",
				},
			},
			Required: []string{"session_id"},
		},
	}, s.handleListFiles)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "download_file",
		Description: "Fetch a file from the session's working directory by id or name.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier",
				},
				"file_id": map[string]any{
					"type":        "string",
					"description": "File id, or a file name as a fallback",
				},
			},
			Required: []string{"session_id", "file_id"},
		},
	}, s.handleDownloadFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "terminate_session",
		Description: "Tear the session's sandbox down. Interpreter state and file ids do not survive.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier",
				},
			},
			Required: []string{"session_id"},
		},
	}, s.handleTerminateSession)
}

// resolveSession translates the client-facing session id into the internal
// key. A missing id mints a fresh session; an id this server issued maps to
// its key; anything else is sanitized and adopted as the key itself, so
// clients with their own naming scheme keep working. The returned alias is
// the only identifier echoed back.
func (s *Server) resolveSession(sessionID string) (key, alias string) {
	if sessionID == "" {
		key = session.NewSessionKey()
		return key, s.aliases.EnsureAlias(key)
	}
	if key, ok := s.aliases.ResolveAlias(sessionID); ok {
		return key, sessionID
	}
	key = session.SanitizeKey(sessionID)
	if key == "" {
		key = session.NewSessionKey()
	}
	return key, s.aliases.EnsureAlias(key)
}

type fileInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	DownloadURL string `json:"download_url"`
}

func (s *Server) fileInfos(alias string, records []session.FileRecord) []fileInfo {
	infos := make([]fileInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, fileInfo{
			ID:          rec.ID,
			Name:        rec.Name,
			ContentType: rec.ContentType,
			DownloadURL: fmt.Sprintf("/download/%s/%s", alias, rec.ID),
		})
	}
	return infos
}

func textResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(payload)},
		},
	}, nil
}

// errorResult reports a failed operation to the client as a tool error
// carrying the stable error kind, never as a protocol failure.
func (s *Server) errorResult(err error) *mcp.CallToolResult {
	payload, _ := json.Marshal(map[string]string{
		"error":   session.Kind(err),
		"message": err.Error(),
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(payload)},
		},
		IsError: true,
	}
}

func (s *Server) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	if language := request.GetString("language", "python"); language != "python" {
		return s.errorResult(fmt.Errorf("%w: unsupported language %q", session.ErrValidation, language)), nil
	}
	timeout := time.Duration(request.GetInt("timeout_sec", 0)) * time.Second
	key, alias := s.resolveSession(request.GetString("session_id", ""))

	s.logger.Info("code execution requested",
		zap.String("session", key),
		zap.Int("code_len", len(code)))

	res, err := s.dispatcher.Execute(ctx, key, code, timeout)
	if err != nil {
		s.logger.Warn("execution failed",
			zap.String("session", key),
			zap.String("kind", session.Kind(err)),
			zap.Error(err))
		return s.errorResult(err), nil
	}

	s.logger.Info("code execution completed",
		zap.String("session", key),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Int("new_files", len(res.NewFiles)))

	return textResult(map[string]any{
		"session_id": alias,
		"stdout":     res.Stdout,
		"stderr":     res.Stderr,
		"exit_code":  res.ExitCode,
		"timed_out":  res.TimedOut,
		"files":      s.fileInfos(alias, res.NewFiles),
	})
}

func (s *Server) handleUploadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("file_name")
	if err != nil {
		return nil, fmt.Errorf("file_name parameter is required: %w", err)
	}
	contentB64, err := request.RequireString("content_b64")
	if err != nil {
		return nil, fmt.Errorf("content_b64 parameter is required: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return s.errorResult(fmt.Errorf("%w: content_b64 is not valid base64", session.ErrValidation)), nil
	}
	key, alias := s.resolveSession(request.GetString("session_id", ""))

	rec, err := s.dispatcher.Upload(ctx, key, name, data)
	if err != nil {
		return s.errorResult(err), nil
	}

	s.logger.Info("file uploaded",
		zap.String("session", key),
		zap.String("name", rec.Name),
		zap.Int("size", len(data)))

	return textResult(map[string]any{
		"session_id": alias,
		"file":       s.fileInfos(alias, []session.FileRecord{rec})[0],
	})
}

func (s *Server) handleListFiles(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	key, alias := s.resolveSession(sessionID)

	return textResult(map[string]any{
		"session_id": alias,
		"files":      s.fileInfos(alias, s.dispatcher.ListFiles(key)),
	})
}

func (s *Server) handleDownloadFile(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	file, err := request.RequireString("file_id")
	if err != nil {
		return nil, fmt.Errorf("file_id parameter is required: %w", err)
	}
	key, alias := s.resolveSession(sessionID)

	rec, hostPath, err := s.dispatcher.Download(key, file)
	if err != nil {
		return s.errorResult(err), nil
	}
	content, err := os.ReadFile(hostPath)
	if err != nil {
		return s.errorResult(fmt.Errorf("%w: %s", session.ErrFileNotFound, rec.Name)), nil
	}

	return textResult(map[string]any{
		"session_id":  alias,
		"file":        s.fileInfos(alias, []session.FileRecord{rec})[0],
		"content_b64": base64.StdEncoding.EncodeToString(content),
	})
}

func (s *Server) handleTerminateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	key, alias := s.resolveSession(sessionID)

	if err := s.dispatcher.Terminate(ctx, key); err != nil {
		return s.errorResult(err), nil
	}
	s.aliases.Drop(key)

	s.logger.Info("session terminated", zap.String("session", key))

	return textResult(map[string]any{
		"session_id": alias,
		"terminated": true,
	})
}

// handleDownload serves file content over plain HTTP at
// /download/{session_id}/{file}. Only ids this server issued resolve.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/download/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	key, ok := s.aliases.ResolveAlias(parts[0])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rec, hostPath, err := s.dispatcher.Download(key, parts[1])
	if err != nil {
		http.Error(w, session.Kind(err), statusForKind(session.Kind(err)))
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Name))
	http.ServeFile(w, r, hostPath)
}

func statusForKind(kind string) int {
	switch kind {
	case session.KindValidation:
		return http.StatusBadRequest
	case session.KindSessionNotFound, session.KindFileNotFound:
		return http.StatusNotFound
	case session.KindResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ServeStdio starts the server on stdio.
func (s *Server) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the streamable HTTP transport plus the download route.
func (s *Server) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcpServer))
	mux.HandleFunc("/download/", s.handleDownload)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// GetMCPServer returns the underlying MCP server for fx.
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
