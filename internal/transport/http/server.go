package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat-server/internal/config"
	"github.com/driftchat/driftchat-server/internal/identity"
	"github.com/driftchat/driftchat-server/internal/match"
	"github.com/driftchat/driftchat-server/internal/session"
)

// NewServer builds the HTTP server: session issuance over REST, the
// rendezvous and chat protocol over WebSocket.
func NewServer(matcher *match.Matcher, channel *session.Channel, identities *identity.Service, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	api := NewAPIHandlers(identities, logger)
	router.GET("/health", api.Health)
	router.POST("/api/session", api.CreateSession)

	ws := NewWSHandler(matcher, channel, identities, cfg, logger)
	router.GET("/ws", gin.WrapH(ws))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
