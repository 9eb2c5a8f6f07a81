// Package server exposes the daemon's control API over loopback HTTP.
// Every /api route requires the per-run bearer token; the health and
// metrics endpoints are open.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sessiond/sessiond/internal/authtoken"
	"github.com/sessiond/sessiond/internal/metrics"
	"github.com/sessiond/sessiond/internal/orchestrator"
	"github.com/sessiond/sessiond/internal/registry"
	"github.com/sessiond/sessiond/internal/sessionid"
	"github.com/sessiond/sessiond/internal/shutdown"
	"github.com/sessiond/sessiond/internal/state"
)

// Server is the control API endpoint.
type Server struct {
	orch   *orchestrator.Orchestrator
	reg    *registry.Registry
	st     *state.Store
	shut   *shutdown.Coordinator
	tok    *authtoken.Token
	log    *slog.Logger
	httpd  *http.Server
	expose bool // serve /metrics
}

func New(orch *orchestrator.Orchestrator, reg *registry.Registry, st *state.Store, shut *shutdown.Coordinator, tok *authtoken.Token, exposeMetrics bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{orch: orch, reg: reg, st: st, shut: shut, tok: tok, log: log, expose: exposeMetrics}
}

// Handler builds the route table. Split out for httptest use.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	if s.expose {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := g.Group("/api")
	api.Use(s.tok.GinAuth())
	api.POST("/sessions", s.handleSpawn)
	api.POST("/sessions/stop", s.handleStop)
	api.GET("/sessions", s.handleList)
	api.POST("/sessions/report", s.handleReport)
	api.GET("/status", s.handleStatus)
	api.POST("/shutdown", s.handleShutdown)
	return g
}

// Start binds the loopback listener and serves in the background. The
// bound port is returned so the daemon can persist it even when port 0
// was requested.
func (s *Server) Start(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, fmt.Errorf("bind control port: %w", err)
	}
	s.httpd = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.httpd.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control server failed", "error", err)
			s.shut.Request(shutdown.CauseAPIRequest)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Close shuts the listener down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	if s.httpd == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpd.Shutdown(ctx)
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// SpawnBody is the spawn request payload.
type SpawnBody struct {
	Directory  string `json:"directory"`
	SessionID  string `json:"session_id,omitempty"`
	Agent      string `json:"agent,omitempty"`
	Approved   bool   `json:"approved,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// SpawnReply is the spawn response payload.
type SpawnReply struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	Synthetic bool   `json:"synthetic"`
}

// StopBody is the stop request payload.
type StopBody struct {
	SessionID string `json:"session_id"`
}

// ReportBody is the child self-report payload.
type ReportBody struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	StartedBy string `json:"started_by,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// SessionInfo is one registry entry as reported by the list endpoint.
type SessionInfo struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id,omitempty"`
	Origin    string    `json:"origin"`
	StartedAt time.Time `json:"started_at"`
	Directory string    `json:"directory,omitempty"`
	StartedBy string    `json:"started_by,omitempty"`
}

// StatusReply describes the running daemon.
type StatusReply struct {
	Record   *state.DaemonRecord `json:"record,omitempty"`
	Sessions int                 `json:"sessions"`
}

func (s *Server) handleSpawn(c *gin.Context) {
	var body SpawnBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := s.orch.Spawn(orchestrator.SpawnRequest{
		Directory:  body.Directory,
		SessionID:  body.SessionID,
		Agent:      body.Agent,
		Approved:   body.Approved,
		Credential: body.Credential,
	})
	if err != nil {
		var approval *orchestrator.ApprovalRequiredError
		switch {
		case errors.As(err, &approval):
			c.JSON(http.StatusConflict, gin.H{
				"error":     "approval_required",
				"message":   approval.Error(),
				"directory": approval.Directory,
			})
		case errors.Is(err, sessionid.ErrInvalid):
			c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		default:
			c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, SpawnReply{SessionID: res.SessionID, PID: res.PID, Synthetic: res.Synthetic})
}

func (s *Server) handleStop(c *gin.Context) {
	var body StopBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if body.SessionID == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "session_id required"})
		return
	}
	if !s.orch.Stop(body.SessionID) {
		c.JSON(http.StatusNotFound, errorResp{Error: "no such session: " + body.SessionID})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleList(c *gin.Context) {
	snap := s.reg.Snapshot()
	out := make([]SessionInfo, len(snap))
	for i, ts := range snap {
		out[i] = SessionInfo{
			PID:       ts.PID,
			SessionID: ts.SessionID,
			Origin:    string(ts.Origin),
			StartedAt: ts.StartedAt,
			Directory: ts.Meta.Directory,
			StartedBy: ts.Meta.StartedBy,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleReport(c *gin.Context) {
	var body ReportBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, err := sessionid.Normalize(body.SessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if body.PID <= 0 {
		c.JSON(http.StatusBadRequest, errorResp{Error: "pid required"})
		return
	}
	s.reg.UpsertFromReport(id, body.PID, registry.Meta{
		StartedBy: body.StartedBy,
		Directory: body.Directory,
	})
	metrics.SessionReported()
	metrics.SetTrackedSessions(s.reg.Len())
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleStatus(c *gin.Context) {
	rec, _ := s.st.Read()
	c.JSON(http.StatusOK, StatusReply{Record: rec, Sessions: s.reg.Len()})
}

func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, okResp{OK: true})
	s.shut.Request(shutdown.CauseAPIRequest)
}
