package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned when a request carries no bearer token.
var ErrNoCredential = errors.New("relay: authorization header required")

// Authenticator issues and verifies the HMAC-signed credentials the relay
// accepts on both the websocket and the HTTP API.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("relay: empty signing secret")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// Issue signs a credential for userID valid for ttl.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks the signature and expiry of token and returns its user id.
func (a *Authenticator) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.Subject, nil
}

// mediaClaims is the body of a media session token.
type mediaClaims struct {
	ChannelID string `json:"channel_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// IssueMedia signs a short-lived token for partyID to join channelID.
func (a *Authenticator) IssueMedia(channelID, partyID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := mediaClaims{
		ChannelID: channelID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// bearer extracts the token from an Authorization header.
func bearer(h http.Header) (string, error) {
	authHeader := h.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoCredential
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errors.New("relay: invalid authorization header format")
	}
	return parts[1], nil
}
