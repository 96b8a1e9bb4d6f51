// Package rpc exposes the JSON request/response tool-call endpoint (C12)
// used by external agents to pause/resume/compute/inspect the daemon.
package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"shadowdog/internal/logging"
)

// Request is the incoming tool-call envelope.
type Request struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response is the outgoing envelope; exactly one of Result/Error is set.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BadRequestError is the RpcBadRequest error from the §7 taxonomy.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return e.Reason }

// ToolSchema documents one RPC method for list_tools introspection.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Handler is a single tool's implementation.
type Handler func(args json.RawMessage) (any, error)

// Server wires the static tool table to an HTTP endpoint.
type Server struct {
	Host string
	Port int
	Path string

	tools   map[string]Handler
	schemas []ToolSchema

	engine *gin.Engine
}

// NewServer creates a Server with an empty tool table; RegisterTool adds
// entries. Host/Port/Path default to the §6 RPC endpoint defaults.
func NewServer(host string, port int) *Server {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 8473
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		Host:   host,
		Port:   port,
		Path:   "/mcp",
		tools:  make(map[string]Handler),
		engine: engine,
	}

	engine.Use(corsMiddleware())
	engine.POST(s.Path, s.handle)

	return s
}

// RegisterTool adds name to the static dispatch table with its schema.
func (s *Server) RegisterTool(schema ToolSchema, handler Handler) {
	s.tools[schema.Name] = handler
	s.schemas = append(s.schemas, schema)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handle(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: (&BadRequestError{Reason: err.Error()}).Error()})
		return
	}

	if req.Tool == "list_tools" {
		c.JSON(http.StatusOK, Response{Result: s.schemas})
		return
	}

	handler, ok := s.tools[req.Tool]
	if !ok {
		c.JSON(http.StatusBadRequest, Response{Error: (&BadRequestError{Reason: "unknown tool: " + req.Tool}).Error()})
		return
	}

	result, err := handler(req.Arguments)
	if err != nil {
		c.JSON(http.StatusOK, Response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, Response{Result: result})
}

// ListenAndServe starts the HTTP listener; it blocks until the server stops
// or errors.
func (s *Server) ListenAndServe() error {
	addr := s.Host + ":" + strconv.Itoa(s.Port)
	logger := logging.WithComponent("rpc")
	logger.Info().Str("addr", addr).Str("path", s.Path).Msg("rpc listening")
	return http.ListenAndServe(addr, s.engine)
}
