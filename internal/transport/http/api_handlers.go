package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat-server/internal/identity"
)

// APIHandlers provides HTTP handlers for REST API endpoints.
type APIHandlers struct {
	identities *identity.Service
	log        *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(identities *identity.Service, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		identities: identities,
		log:        logger,
	}
}

// SessionResponse represents the anonymous session response body.
type SessionResponse struct {
	RequesterID  string `json:"requester_id"`
	Token        string `json:"token"`
	Name         string `json:"name"`
	Color        string `json:"color"`
	AvatarLetter string `json:"avatar_letter"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Health reports liveness.
// GET /health
func (h *APIHandlers) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// CreateSession issues a new anonymous session: requester id, display
// identity and a signed token. No credentials are involved; every call
// mints a fresh visitor.
// POST /api/session
func (h *APIHandlers) CreateSession(c *gin.Context) {
	sess, err := h.identities.Issue()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to issue session")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.log.Info().Str("requester_id", sess.RequesterID).Msg("session issued")
	c.JSON(http.StatusCreated, SessionResponse{
		RequesterID:  sess.RequesterID,
		Token:        sess.Token,
		Name:         sess.Identity.Name,
		Color:        sess.Identity.Color,
		AvatarLetter: sess.Identity.AvatarLetter,
	})
}
