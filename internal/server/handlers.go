package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"banto/internal/decisionlog"
	banterr "banto/internal/errors"
	"banto/internal/orchestrator"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"error_kind,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

type readyResponse struct {
	Status        string `json:"status"`
	EmergencyStop bool   `json:"emergency_stop"`
}

type resolveRequest struct {
	Choice string `json:"choice"`
}

type emergencyStopRequest struct {
	Enabled *bool `json:"enabled"`
}

type emergencyStopResponse struct {
	EmergencyStop bool `json:"emergency_stop"`
}

type decisionsResponse struct {
	Entries []decisionlog.Entry `json:"entries"`
}

// statusFor maps the error taxonomy onto HTTP statuses: validation 400,
// authority 403, collaborator timeout 504, everything else 500.
func statusFor(err error) int {
	switch banterr.KindOf(err) {
	case banterr.KindValidation:
		return http.StatusBadRequest
	case banterr.KindAuthority:
		return http.StatusForbidden
	case banterr.KindCollaboratorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a classified error. Internal failures get a
// generic message; their detail belongs in logs, not responses.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(status, errorResponse{Error: msg, Kind: banterr.KindOf(err).String()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: msg, Kind: banterr.KindValidation.String()})
}

func (s *Server) handleMessage(c *gin.Context) {
	var in orchestrator.Inbound
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	if !s.limiter.allow(rateLimitKey(c, in.UserID)) {
		c.JSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	resp, err := s.orch.Process(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// rateLimitKey prefers the claimed user over the client address so one
// chatty user cannot consume a shared gateway's budget.
func rateLimitKey(c *gin.Context, userID string) string {
	if id := strings.TrimSpace(userID); id != "" {
		return "user:" + id
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "anonymous"
}

func (s *Server) handleTeach(c *gin.Context) {
	var input orchestrator.TeachInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	result, err := s.orch.Teach(c.Request.Context(), input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleResolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	result, err := s.orch.ResolveConflict(c.Request.Context(), c.Param("id"), req.Choice)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleState(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		badRequest(c, "user_id query parameter is required")
		return
	}

	state, err := s.orch.State(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Version:   s.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	resp := readyResponse{Status: "ready", EmergencyStop: s.runtime.Load().EmergencyStop}
	if !s.ready.Load() {
		resp.Status = "shutting_down"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.AdminToken == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: "admin endpoints disabled: no admin token configured"})
		return
	}

	token := c.GetHeader("X-Admin-Token")
	if token == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AdminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid admin token"})
		return
	}
	c.Next()
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		badRequest(c, `body must be {"enabled": true|false}`)
		return
	}

	next := s.runtime.SetEmergencyStop(*req.Enabled)
	if next.EmergencyStop {
		s.logger.Warn("emergency stop engaged via admin endpoint")
	} else {
		s.logger.Info("emergency stop released via admin endpoint")
	}
	c.JSON(http.StatusOK, emergencyStopResponse{EmergencyStop: next.EmergencyStop})
}

func (s *Server) handleMaintenance(c *gin.Context) {
	if s.maintenance == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "maintenance scheduler not running"})
		return
	}
	summary := s.maintenance.RunNow(c.Request.Context())
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleRecentDecisions(c *gin.Context) {
	if s.decisions == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "decision log not configured"})
		return
	}
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		badRequest(c, "conversation_id query parameter is required")
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.decisions.Recent(c.Request.Context(), conversationID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decisionsResponse{Entries: entries})
}

// handleEvents upgrades to a websocket and streams hub events until the
// client disconnects or the hub closes. Events carry identifiers and
// verdicts only, so the feed is safe for operational dashboards.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	events, cancel := s.hub.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingInterval)
	defer func() {
		ticker.Stop()
		cancel()
		_ = conn.Close()
		<-done
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
