// Package http exposes a small diagnostics API over a running session.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsession/internal/app/session"
	"github.com/dkeye/rtcsession/internal/config"
	"github.com/dkeye/rtcsession/internal/domain"
)

// Session is the part of the coordinator the router drives.
type Session interface {
	Snapshot() session.Snapshot
	SendData(ctx context.Context, payload []byte, r domain.Reliability, topic string) error
}

var _ Session = (*session.Coordinator)(nil)

type sendRequest struct {
	Payload     string `json:"payload" binding:"required"`
	Reliability string `json:"reliability"`
	Topic       string `json:"topic"`
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware tags every request with a per-operator cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, s Session) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.DebugSecret))
	r.Use(sessions.Sessions("rtcsession", store))
	r.Use(ClientTokenMiddleware())

	api := r.Group("/api")

	api.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})

	api.POST("/data", func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rel := domain.Reliable
		switch req.Reliability {
		case "", "reliable":
		case "lossy":
			rel = domain.Lossy
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "reliability must be reliable or lossy"})
			return
		}

		if err := s.SendData(c.Request.Context(), []byte(req.Payload), rel, req.Topic); err != nil {
			log.Warn().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Err(err).Msg("send data failed")
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		sess := sessions.Default(c)
		sent, _ := sess.Get("sent").(int)
		sent++
		sess.Set("sent", sent)
		if err := sess.Save(); err != nil {
			log.Warn().Str("module", "adapters.http").Err(err).Msg("session save failed")
		}
		c.JSON(http.StatusAccepted, gin.H{"sent": sent})
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func statusFor(err error) int {
	var te *domain.TimeoutError
	switch {
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrNotOpen), errors.Is(err, domain.ErrClosed), errors.Is(err, domain.ErrNoTransport):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
