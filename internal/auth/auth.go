// Package auth issues and checks the host tokens handed out at room creation.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"emoguchi/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "emoguchi"

// HostClaims binds a token to one room and to that room's token id, so a
// recreated room with the same code does not accept old tokens.
type HostClaims struct {
	jwt.RegisteredClaims
}

type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager builds a manager. An empty secret gets a random one, which means
// tokens do not survive a restart.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
	}
	return &Manager{secret: key, ttl: ttl, now: time.Now}, nil
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue signs a host token for roomID.
func (m *Manager) Issue(roomID, tokenID string) (string, error) {
	now := m.now()
	claims := HostClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  roomID,
		ID:       tokenID,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if m.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "signing host token", err)
	}
	return signed, nil
}

// Verify checks that token was issued by this manager for roomID and tokenID.
// Any mismatch, bad signature or expiry is Forbidden.
func (m *Manager) Verify(token, roomID, tokenID string) error {
	if token == "" {
		return apperr.New(apperr.Forbidden, "host token required")
	}
	claims := &HostClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return apperr.Wrap(apperr.Forbidden, "host token expired", err)
		}
		return apperr.Wrap(apperr.Forbidden, "invalid host token", err)
	}
	if claims.Subject != roomID || claims.ID != tokenID {
		return apperr.New(apperr.Forbidden, "host token does not match this room")
	}
	return nil
}
