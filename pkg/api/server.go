// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/log"
	"github.com/growvia/tracking/pkg/pipeline"
)

// APIKeyHeader carries the caller's key on every authenticated route.
const APIKeyHeader = "X-API-Key"

// Config controls the HTTP surface.
type Config struct {
	// APIKeys maps key -> organization id. Empty means auth is disabled
	// (local development).
	APIKeys map[string]string

	// AllowOrigins for CORS. Empty allows all origins.
	AllowOrigins []string

	// ReleaseMode switches gin out of debug logging.
	ReleaseMode bool
}

// Server exposes the tracking pipeline over HTTP. Structural failures
// map to 4xx; business-rule rejections are 200 responses with
// success=false so SDKs never retry them.
type Server struct {
	cfg      Config
	pipeline *pipeline.Orchestrator
	router   *gin.Engine
	upgrader websocket.Upgrader
	log      log.Logger

	mu      sync.Mutex
	streams map[chan *core.TrackingEvent]struct{}
}

// NewServer builds the router around the orchestrator.
func NewServer(cfg Config, orch *pipeline.Orchestrator, logger log.Logger) *Server {
	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		pipeline: orch,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		streams: make(map[chan *core.TrackingEvent]struct{}),
	}

	orch.OnTerminal(s.broadcast)

	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", APIKeyHeader}
	router.Use(cors.New(corsCfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api := router.Group("/api/v1")
	api.Use(s.authenticate)
	{
		api.POST("/track", s.handleTrack)
		api.POST("/conversions/validate", s.handleValidate)
		api.GET("/events/:id", s.handleGetEvent)
		api.GET("/stream", s.handleStream)
	}

	s.router = router
	return s
}

// Handler returns the http handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.router
}

// authenticate rejects requests without a known API key. When a key is
// bound to an organization, requests for other organizations are
// refused.
func (s *Server) authenticate(c *gin.Context) {
	if len(s.cfg.APIKeys) == 0 {
		c.Next()
		return
	}
	key := c.GetHeader(APIKeyHeader)
	org, ok := s.cfg.APIKeys[key]
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": string(core.KindUnauthorized),
		})
		return
	}
	c.Set("organization_id", org)
	c.Next()
}

func (s *Server) keyOrganization(c *gin.Context) string {
	if v, ok := c.Get("organization_id"); ok {
		if org, ok := v.(string); ok {
			return org
		}
	}
	return ""
}

func (s *Server) handleTrack(c *gin.Context) {
	var req core.TrackEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if org := s.keyOrganization(c); org != "" && req.OrganizationID != org {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": string(core.KindUnauthorized),
		})
		return
	}

	// Complete attacker-omittable fields from the transport before the
	// pipeline sanitizes them.
	if req.Context.IP == "" {
		req.Context.IP = c.ClientIP()
	}
	if req.Context.UserAgent == "" {
		req.Context.UserAgent = c.Request.UserAgent()
	}

	resp, err := s.pipeline.Process(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleValidate(c *gin.Context) {
	var req core.ValidateConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if org := s.keyOrganization(c); org != "" && req.OrganizationID != org {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": string(core.KindUnauthorized),
		})
		return
	}

	resp, err := s.pipeline.ValidateConversion(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetEvent(c *gin.Context) {
	evt, err := s.pipeline.Event(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if org := s.keyOrganization(c); org != "" && evt.OrganizationID != org {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": string(core.KindUnauthorized),
		})
		return
	}
	c.JSON(http.StatusOK, evt)
}

// handleStream upgrades to a websocket and pushes every event that
// reaches a terminal status. Slow consumers lose events rather than
// backpressuring the pipeline.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("stream upgrade failed", log.Error(err))
		return
	}

	ch := make(chan *core.TrackingEvent, 256)
	s.mu.Lock()
	s.streams[ch] = struct{}{}
	s.mu.Unlock()

	org := s.keyOrganization(c)

	defer func() {
		s.mu.Lock()
		delete(s.streams, ch)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain the read side so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for evt := range ch {
		if org != "" && evt.OrganizationID != org {
			continue
		}
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(evt *core.TrackingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.streams {
		select {
		case ch <- evt:
		default:
		}
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Only
// structural problems become transport errors.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := core.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case core.KindInvalidEvent, core.KindInvalidOrganization,
		core.KindInvalidCampaign, core.KindInvalidAffiliate,
		core.KindValidationFailed:
		status = http.StatusBadRequest
	case core.KindUnauthorized:
		status = http.StatusUnauthorized
	case core.KindRateLimitExceeded:
		status = http.StatusTooManyRequests
	}

	body := gin.H{"error": err.Error()}
	if kind != "" {
		body["kind"] = string(kind)
	}
	var typed *core.Error
	if errors.As(err, &typed) && len(typed.Violations) > 0 {
		body["violations"] = typed.Violations
	}
	c.JSON(status, body)
}
