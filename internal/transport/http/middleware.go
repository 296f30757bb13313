package http

import (
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat-server/internal/identity"
)

// LoggerMiddleware logs HTTP requests with method, path, status and latency.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

// sessionFromRequest extracts and validates the session token. Browsers
// cannot set headers on WebSocket upgrades, so a token query parameter
// is accepted alongside the Authorization header.
func sessionFromRequest(identities *identity.Service, r *stdhttp.Request) (*identity.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	return identities.Validate(token)
}
