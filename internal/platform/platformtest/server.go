// Package platformtest runs an in-process fake of the platform REST API.
package platformtest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/zcp/internal/platform"
)

// Server is a fake platform API. Fields may be changed between requests
// through the setters.
type Server struct {
	*httptest.Server

	ProjectID string
	Token     string

	mu        sync.Mutex
	export    string
	envExport string
	stacks    map[string][]platform.ServiceStack
	logs      map[string][]string
	requests  []string
}

// NewServer starts the fake and closes it when the test ends.
func NewServer(t testing.TB, projectID, token string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		ProjectID: projectID,
		Token:     token,
		stacks:    make(map[string][]platform.ServiceStack),
		logs:      make(map[string][]string),
	}

	r := gin.New()
	r.Use(s.auth)
	r.GET("/project/:projectId/export", s.handleExport)
	r.GET("/project/:projectId/env-export", s.handleEnvExport)
	r.GET("/service-stack/:id", s.handleStack)
	r.GET("/service-stack/:id/log", s.handleLogs)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// PlatformClient returns a platform client pointed at the fake.
func (s *Server) PlatformClient() *platform.Client {
	return platform.NewClient(s.URL, s.Token, s.ProjectID, 0)
}

func (s *Server) SetExport(yamlText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.export = yamlText
}

func (s *Server) SetEnvExport(dotenv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envExport = dotenv
}

// SetStatusSequence queues stack states for id; the last one repeats.
func (s *Server) SetStatusSequence(id string, seq ...platform.ServiceStack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stacks[id] = seq
}

func (s *Server) SetLogs(id string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = lines
}

// Requests returns the request paths served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) auth(c *gin.Context) {
	s.mu.Lock()
	s.requests = append(s.requests, c.Request.URL.Path)
	s.mu.Unlock()
	if c.GetHeader("Authorization") != "Bearer "+s.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHORIZED", "message": "bad token"}})
		return
	}
	c.Next()
}

func (s *Server) checkProject(c *gin.Context) bool {
	if c.Param("projectId") != s.ProjectID {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "project not found"}})
		return false
	}
	return true
}

func (s *Server) handleExport(c *gin.Context) {
	if !s.checkProject(c) {
		return
	}
	s.mu.Lock()
	body := s.export
	s.mu.Unlock()
	if body == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "UNAVAILABLE", "message": "export not ready"}})
		return
	}
	c.Data(http.StatusOK, "application/yaml", []byte(body))
}

func (s *Server) handleEnvExport(c *gin.Context) {
	if !s.checkProject(c) {
		return
	}
	s.mu.Lock()
	body := s.envExport
	s.mu.Unlock()
	if body == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "UNAVAILABLE", "message": "env export not ready"}})
		return
	}
	c.Data(http.StatusOK, "text/plain", []byte(body))
}

func (s *Server) handleStack(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	seq := s.stacks[id]
	var stack platform.ServiceStack
	found := len(seq) > 0
	if found {
		stack = seq[0]
		if len(seq) > 1 {
			s.stacks[id] = seq[1:]
		}
	}
	s.mu.Unlock()
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "service stack not found"}})
		return
	}
	c.JSON(http.StatusOK, stack)
}

func (s *Server) handleLogs(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	s.mu.Lock()
	lines := s.logs[id]
	s.mu.Unlock()
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	items := make([]gin.H, 0, len(lines))
	for _, l := range lines {
		items = append(items, gin.H{"message": l})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
