package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/driftchat/driftchat-server/internal/store"
)

// Session is one issued anonymous session: a stable requester id, the
// generated display identity and a signed token binding them.
type Session struct {
	RequesterID string
	Identity    store.Identity
	Token       string
}

// Service issues anonymous sessions. Requester ids are opaque to the
// rest of the system; nothing here is persisted.
type Service struct {
	jwtConfig *JWTConfig
}

// NewService creates a session service with the given token settings.
func NewService(jwtConfig *JWTConfig) *Service {
	return &Service{jwtConfig: jwtConfig}
}

// Issue mints a new anonymous session with a random requester id and a
// generated display identity.
func (s *Service) Issue() (*Session, error) {
	requesterID := uuid.NewString()
	display := GenerateDisplay()

	token, err := GenerateToken(s.jwtConfig, requesterID, display.Name)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	return &Session{
		RequesterID: requesterID,
		Identity:    display,
		Token:       token,
	}, nil
}

// Validate checks a session token and returns its claims.
func (s *Service) Validate(token string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, token)
}

var adjectives = []string{
	"Quiet", "Sly", "Bold", "Gentle", "Swift", "Curious", "Drifting",
	"Hidden", "Mellow", "Restless", "Wandering", "Patient", "Lucky",
}

var animals = []string{
	"Fox", "Otter", "Heron", "Lynx", "Badger", "Raven", "Marten",
	"Seal", "Falcon", "Hare", "Moth", "Newt", "Wren",
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#008080", "#9a6324", "#800000",
}

// GenerateDisplay produces a human-facing identity tuple. The matcher
// and the stores forward it without interpretation.
func GenerateDisplay() store.Identity {
	name := adjectives[rand.Intn(len(adjectives))] + " " + animals[rand.Intn(len(animals))]
	return store.Identity{
		Name:         name,
		Color:        palette[rand.Intn(len(palette))],
		AvatarLetter: firstLetter(name),
	}
}

func firstLetter(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "?"
	}
	r, _ := utf8.DecodeRuneInString(name)
	return strings.ToUpper(string(r))
}
