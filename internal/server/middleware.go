package server

import (
	"net/http"
	"strings"
	"time"

	"emoguchi/internal/apperr"
	"emoguchi/internal/events"
	"emoguchi/internal/rooms"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ctxRoomID = "roomID"

// requireHost checks the Bearer host token against the room in the path and
// stores the normalized room code in the context.
func (s *Server) requireHost() gin.HandlerFunc {
	return func(c *gin.Context) {
		code, err := rooms.NormalizeCode(c.Param("id"))
		if err != nil {
			writeError(c, apperr.New(apperr.NotFound, "room not found"))
			return
		}
		tokenID, ok := s.Rooms.HostTokenID(code)
		if !ok {
			writeError(c, apperr.Newf(apperr.NotFound, "room %s not found", code))
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, events.ErrorPayload{
				Code:    "UNAUTHORIZED",
				Message: "host token required",
			})
			return
		}
		if err := s.Auth.Verify(token, code, tokenID); err != nil {
			s.Log.Debug("host token rejected", zap.String("room", code), zap.Error(err))
			writeError(c, err)
			return
		}

		c.Set(ctxRoomID, code)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" || c.FullPath() == "/metrics" {
			return
		}
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
