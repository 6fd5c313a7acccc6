package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
)

const (
	defaultTokenIssuer = "dealroom"
	defaultTokenTTL    = 24 * time.Hour
	defaultTokenLeeway = 30 * time.Second
)

// TokenClaims are the session token claims binding a holder to
// (room, role, user identifier).
type TokenClaims struct {
	RoomID         string `json:"room"`
	Role           string `json:"role"`
	UserIdentifier string `json:"uid"`
	jwt.RegisteredClaims
}

// TokenSigner issues and validates HS256 session tokens.
type TokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
}

// TokenSignerOptions configures session token signing.
type TokenSignerOptions struct {
	Issuer string
	TTL    time.Duration
	Leeway time.Duration
}

// NewTokenSigner builds a signer from a shared secret.
func NewTokenSigner(secret []byte, opts TokenSignerOptions) (*TokenSigner, error) {
	if len(secret) < 16 {
		return nil, errors.New("session token secret too short")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = defaultTokenIssuer
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = defaultTokenLeeway
	}
	return &TokenSigner{secret: secret, issuer: issuer, ttl: ttl, leeway: leeway}, nil
}

// Issue creates a signed session token for the binding.
func (s *TokenSigner) Issue(roomID string, role domain.Role, userIdentifier string) (string, error) {
	now := time.Now().UTC()
	claims := TokenClaims{
		RoomID:         roomID,
		Role:           string(role),
		UserIdentifier: userIdentifier,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        util.NewID(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse validates a session token and returns its claims.
func (s *TokenSigner) Parse(token string) (TokenClaims, error) {
	claims := TokenClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrInvalidSession
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
	)
	if err != nil || !parsed.Valid {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.RoomID == "" || claims.UserIdentifier == "" {
		return TokenClaims{}, ErrInvalidSession
	}
	return claims, nil
}
