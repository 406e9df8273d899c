package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/messaging"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/protocol"
	"github.com/voltwork/messaging/internal/transport"
)

const (
	authHeaderKey = "Authorization"
	bearerPrefix  = "Bearer "

	// maxFrameBytes bounds a frame posted over HTTP.
	maxFrameBytes = 64 << 10
)

var errExpectedAuth = errors.New("expected auth frame")

// Handler returns the HTTP handler serving the realtime endpoints, the REST
// fallback and the operational endpoints.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(s.logger))
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the dev server routes on r.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET(transport.WebSocketPath, s.handleWebSocket)

	poll := r.Group(transport.PollingPath)
	{
		poll.POST("/connect", s.handlePollConnect)
		poll.GET("/:sid", s.handlePoll)
		poll.POST("/:sid", s.handlePollSend)
		poll.DELETE("/:sid", s.handlePollClose)
	}

	api := r.Group("/api", s.requireAuth())
	{
		api.GET("/conversations/:id/messages", s.handleListMessages)
		api.POST("/conversations/:id/messages", s.handlePostMessage)
		api.POST("/push-tokens", s.handlePushToken)
		api.POST("/notify", s.handleNotify)
	}

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// requireAuth validates the bearer token and stores the user id in the
// context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(authHeaderKey)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}
		if !strings.HasPrefix(header, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format",
			})
			return
		}

		userID, err := s.authenticate(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.Set(logging.FieldUserID, userID)
		c.Next()
	}
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, rw, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		logger := logging.Ctx(c.Request.Context())
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var r io.Reader = conn
	if rw != nil {
		r = rw.Reader
	}
	go s.serveWebSocket(conn, r)
}

// serveWebSocket authenticates a fresh socket and then reads frames from it
// until it fails. The first frame must be auth; an auth frame naming a
// polling session of the same user takes that session over.
func (s *Server) serveWebSocket(conn net.Conn, r io.Reader) {
	if s.config.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}

	data, err := wsutil.ReadClientText(struct {
		io.Reader
		io.Writer
	}{r, conn})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket handshake read")
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, userID, err := s.readAuth(data)
	if err != nil {
		s.rejectWebSocket(conn, err.Error())
		return
	}

	var p *Peer
	if req.SessionID != "" {
		p = s.Peer(req.SessionID)
		if p == nil || p.UserID != userID || p.Transport() != transport.NamePolling {
			s.rejectWebSocket(conn, "unknown session")
			return
		}
		if err := s.upgradePeer(p, conn, ackFrame(p)); err != nil {
			s.logger.Debug().Err(err).Str("sid", p.ID).Msg("upgrade failed")
			s.removePeer(p)
			conn.Close()
			return
		}
	} else {
		p = newSession(userID, transport.NameWebSocket)
		p.conn = conn

		// Frames sent to the new peer wait on writeMu until the ack is out.
		p.writeMu.Lock()
		s.addPeer(p)
		err := writeFrame(conn, ackFrame(p))
		p.writeMu.Unlock()
		if err != nil {
			s.removePeer(p)
			return
		}
	}

	rwc := struct {
		io.Reader
		io.Writer
	}{r, &peerWriter{p: p, conn: conn}}
	for {
		data, op, err := wsutil.ReadClientData(rwc)
		if err != nil {
			break
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		s.Dispatch(p, data)
	}
	s.removePeer(p)
}

// ackFrame is the connect acknowledgment for p.
func ackFrame(p *Peer) []byte {
	ack, _ := protocol.NewFrame(protocol.EventConnect, protocol.ConnectAck{SessionID: p.ID, UserID: p.UserID})
	return ack
}

func (s *Server) rejectWebSocket(conn net.Conn, reason string) {
	s.logger.Info().Str("reason", reason).Msg("websocket rejected")
	if frame, err := protocol.NewFrame(protocol.EventConnectError, protocol.ConnectError{Message: reason}); err == nil {
		_ = writeFrame(conn, frame)
	}
	_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason))
	conn.Close()
}

// readAuth decodes an auth frame and verifies its token.
func (s *Server) readAuth(data []byte) (protocol.AuthPayload, string, error) {
	var req protocol.AuthPayload

	f, err := protocol.ParseFrame(data)
	if err != nil {
		return req, "", err
	}
	if f.Event != protocol.EventAuth {
		return req, "", errExpectedAuth
	}
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return req, "", errExpectedAuth
	}

	userID, err := s.authenticate(req.Token)
	if err != nil {
		return req, "", err
	}
	return req, userID, nil
}

// peerWriter routes control-frame replies through the peer's write lock.
type peerWriter struct {
	p    *Peer
	conn net.Conn
}

func (w *peerWriter) Write(b []byte) (int, error) {
	w.p.writeMu.Lock()
	defer w.p.writeMu.Unlock()
	return w.conn.Write(b)
}

// ---------------------------------------------------------------------------
// Long-polling
// ---------------------------------------------------------------------------

func (s *Server) handlePollConnect(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBytes))
	if err != nil {
		s.pollReject(c, "unreadable auth frame")
		return
	}
	_, userID, err := s.readAuth(body)
	if err != nil {
		s.pollReject(c, err.Error())
		return
	}

	p := newSession(userID, transport.NamePolling)
	s.addPeer(p)
	c.Data(http.StatusOK, "application/json", ackFrame(p))
}

func (s *Server) pollReject(c *gin.Context, reason string) {
	frame, err := protocol.NewFrame(protocol.EventConnectError, protocol.ConnectError{Message: reason})
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Data(http.StatusUnauthorized, "application/json", frame)
}

// pollingPeer returns the polling session named in the path, or nil after
// answering 404.
func (s *Server) pollingPeer(c *gin.Context) *Peer {
	p := s.Peer(c.Param("sid"))
	if p == nil || p.Transport() != transport.NamePolling {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil
	}
	return p
}

func (s *Server) handlePoll(c *gin.Context) {
	p := s.pollingPeer(c)
	if p == nil {
		return
	}

	frames := p.take(c.Request.Context(), s.config.PollTimeout)
	out := make([]json.RawMessage, 0, len(frames))
	for _, f := range frames {
		out = append(out, f)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePollSend(c *gin.Context) {
	p := s.pollingPeer(c)
	if p == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable frame"})
		return
	}
	s.Dispatch(p, body)
	c.Status(http.StatusNoContent)
}

// handlePollClose drops a polling session. Sessions that moved to another
// transport are left alone, since the client closes the old link after an
// upgrade.
func (s *Server) handlePollClose(c *gin.Context) {
	if p := s.Peer(c.Param("sid")); p != nil && p.Transport() == transport.NamePolling {
		s.removePeer(p)
	}
	c.Status(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// REST
// ---------------------------------------------------------------------------

type postMessageRequest struct {
	Content     string               `json:"content"`
	MessageType protocol.MessageType `json:"messageType"`
}

func (s *Server) handleListMessages(c *gin.Context) {
	c.JSON(http.StatusOK, s.Messages(c.Param("id")))
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	msg, err := s.PostMessage(c.GetString(logging.FieldUserID), c.Param("id"), req.Content, req.MessageType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type pushTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform"`
}

func (s *Server) handlePushToken(c *gin.Context) {
	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	s.RegisterPushToken(c.GetString(logging.FieldUserID), req.Token, req.Platform)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleNotify(c *gin.Context) {
	var req messaging.NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and event are required"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"delivered": s.NotifyRaw(req.UserID, req.Event, req.Data)})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"peers":  s.PeerCount(),
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}
