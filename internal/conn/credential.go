package conn

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the client learns from its own credential.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry at now.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// ParseCredential reads the subject and expiry of a bearer JWT. The signature
// is not checked: the server is the authority, the client only needs its own
// user id and to avoid dialing with a token that is already expired.
func ParseCredential(token string) (Identity, error) {
	if token == "" {
		return Identity{}, &AuthError{Reason: "missing credential"}
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, &AuthError{Reason: "malformed credential", Err: err}
	}
	if claims.Subject == "" {
		return Identity{}, &AuthError{Reason: "credential has no subject"}
	}
	id := Identity{UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if id.Expired(time.Now()) {
		return Identity{}, &AuthError{Reason: "credential expired"}
	}
	return id, nil
}
