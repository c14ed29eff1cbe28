package tunnel

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is the identity one login produced. It is a value: a re-login
// replaces it wholesale.
type Session struct {
	AccessToken   string
	UserID        string
	DeviceID      uuid.UUID
	EstablishedAt time.Time
}

func NewSession(deviceID uuid.UUID, userID, accessToken string) Session {
	return Session{
		AccessToken:   accessToken,
		UserID:        userID,
		DeviceID:      deviceID,
		EstablishedAt: time.Now(),
	}
}

// Authenticated reports whether the session belongs to a known user.
func (s Session) Authenticated() bool { return s.UserID != "" }

// Authenticator produces a fresh Session when the manager decides the current
// credentials are stale.
type Authenticator interface {
	Login(ctx context.Context) (Session, error)
}

// TokenSink is told about every new access token (the tunnel executor).
type TokenSink interface {
	SetToken(token string)
}
