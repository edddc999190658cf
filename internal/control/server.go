// Package control is the daemon's loopback HTTP control surface (§4.8):
// session-started webhook, tracked-session listing, spawn-session/
// stop-session commands, and a stop endpoint that shuts the daemon down,
// for the CLI and `happy doctor` to drive the running daemon.
// Grounded on the teacher's internal/agentctl/api/control_server.go
// (gin.Engine, single-purpose handler methods, gin.H error bodies),
// adapted from instance CRUD to session CRUD and extended with the
// bearer-token auth the spec's Open Question #1 resolution calls for.
package control

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
	"github.com/kandev/happy/internal/obstrace"
)

const tracerName = "happy-control-surface"

// DaemonOps is the subset of daemonsvc.Daemon the control surface drives.
// Defined here (not in daemonsvc) so daemonsvc can depend on control
// without an import cycle.
type DaemonOps interface {
	SessionStarted(hostPID int, sessionID string, metadata map[string]any) bool
	ListSessions() []model.ProcessRecord
	SpawnSession(ctx context.Context, directory, sessionID string) (model.ProcessRecord, error)
	StopSession(ctx context.Context, sessionID string) bool
	Shutdown()
}

// Server is the 127.0.0.1-bound gin server described by §4.8.
type Server struct {
	ops    DaemonOps
	token  string
	logger *obslog.Logger
	router *gin.Engine

	listener net.Listener
	httpSrv  *http.Server
}

// NewServer builds the control server. token is the per-daemon shared
// secret (daemon.state.json's controlToken); every request must carry it
// as "Authorization: Bearer <token>" per DESIGN.md's Open Question #1.
func NewServer(ops DaemonOps, token string, logger *obslog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		ops:    ops,
		token:  token,
		logger: logger.With(zap.String("component", "control-server")),
		router: gin.New(),
	}
	s.router.Use(s.tracingMiddleware(), s.authMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.POST("/session-started", s.handleSessionStarted)
	s.router.GET("/list", s.handleList)
	s.router.POST("/spawn-session", s.handleSpawnSession)
	s.router.POST("/stop-session", s.handleStopSession)
	s.router.POST("/stop", s.handleStop)
}

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	tracer := obstrace.Tracer(tracerName)
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "control."+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(attribute.String("http.method", c.Request.Method))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := "Bearer " + s.token
		if c.GetHeader("Authorization") != want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid control token"})
			return
		}
		c.Next()
	}
}

// Listen binds to 127.0.0.1 on a random port (or the given port if nonzero)
// and returns the bound port without yet serving — so the caller can
// persist the port to daemon.state.json before traffic flows.
func (s *Server) Listen(port int) (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return 0, err
	}
	s.listener = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve blocks, serving the control surface until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.httpSrv = &http.Server{Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(s.listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type sessionStartedRequest struct {
	SessionID string         `json:"sessionId"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleSessionStarted(c *gin.Context) {
	var req sessionStartedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	hostPID, _ := req.Metadata["hostPid"].(float64)
	matched := s.ops.SessionStarted(int(hostPID), req.SessionID, req.Metadata)
	s.logger.Info("session-started webhook", zap.String("sessionId", req.SessionID), zap.Bool("matchedAwaiter", matched))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.ops.ListSessions())
}

type spawnSessionRequest struct {
	Directory string `json:"directory"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSpawnSession(c *gin.Context) {
	var req spawnSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Directory == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "directory is required"})
		return
	}

	rec, err := s.ops.SpawnSession(c.Request.Context(), req.Directory, req.SessionID)
	if err != nil {
		s.logger.Error("spawn-session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

type stopSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleStopSession(c *gin.Context) {
	var req stopSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if !s.ops.StopSession(c.Request.Context(), req.SessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
	go s.ops.Shutdown()
}
