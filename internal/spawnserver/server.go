// Copyright 2024 The spawnsrv Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spawnserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"spawnsrv/internal/spawnwire"
)

// Version is stamped into the identity document served at GET /.
const Version = "0.1.0"

// Server wires a Driver onto the HTTP surface described in spec.md §6:
// POST /posix_spawn, GET / and GET /healthz.
type Server struct {
	driver  *Driver
	log     *logrus.Logger
	limiter *rate.Limiter
	engine  *gin.Engine
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default logrus.Logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithRateLimit bounds accepted /posix_spawn requests to perSec per
// second, with a one-request burst. perSec <= 0 disables the limiter.
func WithRateLimit(perSec float64) Option {
	return func(s *Server) {
		if perSec <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// New builds a Server ready to Run or to have its Engine mounted
// elsewhere (e.g. behind a systemd-activated listener).
func New(opts ...Option) *Server {
	s := &Server{
		driver: NewDriver(),
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(s.accessLog(), gin.Recovery())
	s.registerRoutes()
	return s
}

// Engine exposes the underlying router, e.g. for http.Serve(listener, s.Engine()).
func (s *Server) Engine() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleIdentity)
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.POST("/posix_spawn", s.handleSpawn)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Info("request handled")
	}
}

func (s *Server) handleIdentity(c *gin.Context) {
	c.JSON(http.StatusOK, spawnwire.Identity{Server: "spawnsrv", Version: Version})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleSpawn(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, spawnwire.ErrorResponse{Error: "rate limit exceeded"})
		return
	}

	var req spawnwire.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, spawnwire.ErrorResponse{Error: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, spawnwire.ErrorResponse{Error: err.Error()})
		return
	}

	result, err := s.driver.Spawn(&req)
	if err != nil {
		resp := spawnwire.ErrorResponse{Error: err.Error()}
		if se, ok := asSyscallError(err); ok {
			resp.Syscall = se.Syscall
			resp.Errno = se.Errno.Error()
		}
		s.log.WithFields(logrus.Fields{
			"client_pid": req.ClientPid,
			"executable": req.Executable,
			"error":      err,
		}).Error("spawn failed")
		c.JSON(http.StatusInternalServerError, resp)
		return
	}

	s.log.WithFields(logrus.Fields{
		"client_pid":  req.ClientPid,
		"spawner_pid": result.SpawnerPid,
		"target_pid":  result.TargetPid,
	}).Info("spawn succeeded")

	c.JSON(http.StatusOK, spawnwire.SpawnResponse{
		SpawnerPid: result.SpawnerPid,
		TargetPid:  result.TargetPid,
	})
}

func asSyscallError(err error) (*SyscallError, bool) {
	var se *SyscallError
	ok := errors.As(err, &se)
	return se, ok
}
