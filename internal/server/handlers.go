package server

import (
	"context"
	"net/http"
	"time"

	"emoguchi/internal/apperr"
	"emoguchi/internal/auth"
	"emoguchi/internal/config"
	"emoguchi/internal/dispatch"
	"emoguchi/internal/emotions"
	"emoguchi/internal/events"
	"emoguchi/internal/game"
	"emoguchi/internal/metrics"
	"emoguchi/internal/rooms"
	"emoguchi/internal/wshub"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Prefetcher warms the phrase queue for a mode.
type Prefetcher interface {
	Prefetch(mode emotions.Mode)
}

// LastResults reads the cached outcome of a room's latest round.
type LastResults interface {
	Last(ctx context.Context, roomID string) (game.Snapshot, bool, error)
}

// HealthChecker is anything with a liveness check, such as the database.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Cfg      config.Config
	Rooms    *rooms.Store
	Hub      *wshub.Hub
	Dispatch *dispatch.Dispatcher
	Auth     *auth.Manager
	Metrics  *metrics.Metrics
	Phrases  Prefetcher
	Last     LastResults   // nil without Redis
	DB       HealthChecker // nil without a database
	Log      *zap.Logger
}

type createRoomRequest struct {
	RoomID string `json:"room_id"`
	events.ConfigPatch
}

type createRoomResponse struct {
	RoomID    string         `json:"roomId"`
	HostToken string         `json:"hostToken"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Room      game.RoomState `json:"room"`
}

func (s *Server) defaultRoomConfig() game.RoomConfig {
	cfg := game.DefaultConfig()
	if s.Cfg.MaxPlayers > 0 {
		cfg.MaxPlayers = s.Cfg.MaxPlayers
	}
	if s.Cfg.VoteTimeout > 0 {
		cfg.VoteTimeout = int(s.Cfg.VoteTimeout / time.Second)
	}
	return cfg
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
			return
		}
	}

	created, err := s.Rooms.Create(req.RoomID, s.defaultRoomConfig().Apply(req.ConfigPatch))
	if err != nil {
		writeError(c, err)
		return
	}
	roomID := created.Snapshot.RoomID

	token, err := s.Auth.Issue(roomID, created.HostTokenID)
	if err != nil {
		s.Dispatch.CloseRoom(roomID, "error")
		writeError(c, err)
		return
	}

	resp := createRoomResponse{RoomID: roomID, HostToken: token, Room: created.Snapshot.RoomState}
	if ttl := s.Auth.TTL(); ttl > 0 {
		exp := time.Now().Add(ttl)
		resp.ExpiresAt = &exp
	}
	s.Log.Info("room created via api", zap.String("room", roomID), zap.String("ip", c.ClientIP()))
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGetRoom(c *gin.Context) {
	code, err := rooms.NormalizeCode(c.Param("id"))
	if err != nil {
		writeError(c, apperr.New(apperr.NotFound, "room not found"))
		return
	}
	snap, ok := s.Rooms.Snapshot(code)
	if !ok {
		writeError(c, apperr.Newf(apperr.NotFound, "room %s not found", code))
		return
	}
	c.JSON(http.StatusOK, snap.RoomState)
}

func (s *Server) handleLastResult(c *gin.Context) {
	code, err := rooms.NormalizeCode(c.Param("id"))
	if err != nil || s.Last == nil {
		writeError(c, apperr.New(apperr.NotFound, "no result recorded"))
		return
	}
	snap, ok, err := s.Last.Last(c.Request.Context(), code)
	if err != nil {
		s.Log.Warn("reading last result", zap.String("room", code), zap.Error(err))
		writeError(c, apperr.Wrap(apperr.Internal, "", err))
		return
	}
	if !ok {
		writeError(c, apperr.New(apperr.NotFound, "no result recorded"))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCloseRoom(c *gin.Context) {
	code := c.GetString(ctxRoomID)
	if err := s.Dispatch.CloseRoom(code, "closed_by_host"); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	code := c.GetString(ctxRoomID)
	var patch events.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}
	err := s.Dispatch.Apply(code, func(r *game.Room) ([]events.Outbound, error) {
		return r.ApplyConfig(patch)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	snap, _ := s.Rooms.Snapshot(code)
	c.JSON(http.StatusOK, snap.RoomState)
}

func (s *Server) handlePrefetch(c *gin.Context) {
	code := c.GetString(ctxRoomID)
	snap, ok := s.Rooms.Snapshot(code)
	if !ok {
		writeError(c, apperr.Newf(apperr.NotFound, "room %s not found", code))
		return
	}
	if s.Phrases != nil {
		s.Phrases.Prefetch(snap.Config.Mode)
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "mode": snap.Config.Mode})
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"rooms":       s.Rooms.Count(),
		"connections": s.Hub.Bound(),
	}
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			body["status"] = "db_error"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(code), events.ErrorPayload{
		Code:    string(code),
		Message: apperr.Message(err),
	})
}
