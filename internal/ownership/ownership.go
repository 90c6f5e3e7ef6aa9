// Package ownership mints and verifies quest ownership tokens: HS256 JWTs
// bound to one quest id and the "ownership" purpose. Nothing is stored; a
// token is valid as long as its signature, purpose, expiry and subject check
// out against the server secret.
package ownership

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Purpose is the audience claim every ownership token carries.
	Purpose = "ownership"
	Issuer  = "imo"

	DefaultTTL = 180 * 24 * time.Hour
)

var ErrNoSecret = errors.New("ownership secret not configured")

type Signer struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

type Claims struct {
	jwt.RegisteredClaims
}

func NewSigner(secret string, ttl time.Duration) Signer {
	return Signer{Secret: []byte(secret), TTL: ttl, Now: time.Now}
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Signer) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultTTL
}

// Mint issues a token for questID.
func (s Signer) Mint(questID string) (string, error) {
	if len(s.Secret) == 0 {
		return "", ErrNoSecret
	}
	if strings.TrimSpace(questID) == "" {
		return "", errors.New("quest id required")
	}
	now := s.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   questID,
		Audience:  jwt.ClaimStrings{Purpose},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl())),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("sign ownership token: %w", err)
	}
	return signed, nil
}

// Parse validates signature, purpose and expiry and returns the claims.
func (s Signer) Parse(token string) (Claims, error) {
	if len(s.Secret) == 0 {
		return Claims{}, ErrNoSecret
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Purpose),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.Secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return claims, nil
}

// Verify reports whether token grants ownership of questID. Any failure is
// simply false.
func (s Signer) Verify(token, questID string) bool {
	token = strings.TrimSpace(token)
	if token == "" || questID == "" {
		return false
	}
	claims, err := s.Parse(token)
	if err != nil {
		return false
	}
	return claims.Subject == questID
}
