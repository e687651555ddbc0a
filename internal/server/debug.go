package server

import (
	"crypto/subtle"
	"net/http"
	"sort"

	"emoguchi/internal/apperr"
	"emoguchi/internal/events"
	"emoguchi/internal/game"
	"emoguchi/internal/rooms"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// debugRoom is one live room as operators see it. Sockets tells, per public
// player id, whether a websocket is currently bound for that player.
type debugRoom struct {
	game.RoomState
	GameID         string          `json:"gameId,omitempty"`
	ConnectedCount int             `json:"connectedCount"`
	LastActive     string          `json:"lastActive"`
	Sockets        map[string]bool `json:"sockets"`
}

// requireAdmin guards the debug routes with the static ADMIN_TOKEN.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, events.ErrorPayload{
				Code:    "UNAUTHORIZED",
				Message: "admin token required",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.Cfg.AdminToken)) != 1 {
			writeError(c, apperr.New(apperr.Forbidden, "invalid admin token"))
			return
		}
		c.Next()
	}
}

func (s *Server) handleDebugRooms(c *gin.Context) {
	snaps := s.Rooms.List()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].RoomID < snaps[j].RoomID })

	out := make([]debugRoom, 0, len(snaps))
	for _, snap := range snaps {
		sockets := make(map[string]bool, len(snap.Players))
		for _, p := range snap.Players {
			sockets[p.ID] = s.Hub.SessionBound(snap.RoomID, p.SessionID)
		}
		out = append(out, debugRoom{
			RoomState:      snap.RoomState,
			GameID:         snap.GameID,
			ConnectedCount: snap.ConnectedCount,
			LastActive:     snap.LastActive.UTC().Format(http.TimeFormat),
			Sockets:        sockets,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out, "count": len(out)})
}

// handleCompleteRound closes the open round as if its vote had timed out.
func (s *Server) handleCompleteRound(c *gin.Context) {
	code, err := rooms.NormalizeCode(c.Param("id"))
	if err != nil {
		writeError(c, apperr.New(apperr.NotFound, "room not found"))
		return
	}
	var roundID string
	err = s.Dispatch.Apply(code, func(r *game.Room) ([]events.Outbound, error) {
		rd := r.CurrentRound()
		if rd == nil {
			return nil, apperr.Newf(apperr.Conflict, "room %s has no open round", code)
		}
		roundID = rd.ID
		return r.ForceClose(rd.ID)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.Log.Info("round completed by admin", zap.String("room", code), zap.String("round", roundID))
	snap, _ := s.Rooms.Snapshot(code)
	c.JSON(http.StatusOK, gin.H{"roundId": roundID, "room": snap.RoomState})
}
