package server

import (
	"context"
	"net/url"

	"emoguchi/internal/events"
	"emoguchi/internal/wshub"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxSessionIDLength = 64

// acceptOptions turns the CORS origin list into websocket origin patterns.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, o := range origins {
		if o == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		} else {
			opts.OriginPatterns = append(opts.OriginPatterns, o)
		}
	}
	return opts
}

// handleWS upgrades the connection and runs the dispatcher read loop. The
// session id comes from ?session= so a reload can reclaim its seat; a client
// without one gets a fresh id in the connected greeting.
func (s *Server) handleWS(c *gin.Context) {
	sessionID := c.Query("session")
	if sessionID == "" || len(sessionID) > maxSessionIDLength {
		sessionID = uuid.NewString()
	}

	conn, err := websocket.Accept(c.Writer, c.Request, acceptOptions(s.Cfg.AllowedOrigins))
	if err != nil {
		s.Log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	client := wshub.NewClient(sessionID, conn)
	s.Metrics.ConnectionOpened()
	defer s.Metrics.ConnectionClosed()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go client.WritePump(ctx)

	greeting, err := events.Encode(events.Connected, events.ConnectedPayload{SessionID: sessionID})
	if err == nil {
		client.Enqueue(greeting)
	}

	log := s.Log.With(zap.String("session", sessionID), zap.String("conn", client.ID))
	log.Debug("websocket connected")
	if err := s.Dispatch.Serve(ctx, client); err != nil {
		log.Debug("websocket read ended", zap.Error(err))
	}
	s.Dispatch.Disconnect(client)
	conn.Close(websocket.StatusNormalClosure, "")
}
