package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"dealroom/pkg/domain"
)

// DefaultJoinTTL is the freshness window for join tokens. Invitation tokens
// carry an explicit expiry instead.
const DefaultJoinTTL = 5 * time.Minute

var (
	// ErrInvalidToken covers malformed, tampered, and unparseable tokens as
	// well as payloads carrying a role outside the join enumeration. Callers
	// never see a partial payload alongside this error.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when an otherwise valid token is past its
	// explicit expiry.
	ErrTokenExpired = errors.New("token expired")
)

// Payload is the plaintext carried inside an opaque token. The random nonce
// makes tokens unique even for identical payloads issued at the same instant.
type Payload struct {
	RoomID       string      `json:"roomId"`
	Role         domain.Role `json:"role"`
	Email        string      `json:"email,omitempty"`
	PinHash      string      `json:"pinHash,omitempty"`
	InvitationID string      `json:"invitationId,omitempty"`
	IssuedAt     time.Time   `json:"issuedAt"`
	ExpiresAt    time.Time   `json:"expiresAt,omitempty"`
	Nonce        string      `json:"nonce"`
}

// Options configures the codec.
type Options struct {
	// Now overrides the clock, used by expiry tests.
	Now func() time.Time
}

// Codec encrypts and authenticates token payloads with XChaCha20-Poly1305.
// It is a pure function of the key and its inputs; no state is kept between
// Issue and Verify.
type Codec struct {
	aead cipher.AEAD
	now  func() time.Time
}

// NewCodec builds a codec from a 32-byte symmetric key.
func NewCodec(key []byte, opts Options) (*Codec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Codec{aead: aead, now: now}, nil
}

// Issue encrypts the payload into an opaque URL-safe token. IssuedAt and the
// random nonce are stamped here; callers only supply the identity fields.
func (c *Codec) Issue(p Payload) (string, error) {
	if p.RoomID == "" {
		return "", errors.New("room id required")
	}
	if p.Role != domain.RoleBuyer && p.Role != domain.RoleSeller {
		return "", fmt.Errorf("role %q not issuable", p.Role)
	}
	p.IssuedAt = c.now().UTC()
	p.Nonce = randomNonce()

	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Verify decrypts and validates a token. Any decode, decrypt, or shape
// failure yields ErrInvalidToken; a valid token past its explicit expiry
// yields ErrTokenExpired.
func (c *Codec) Verify(token string) (Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) <= nonceSize {
		return Payload{}, ErrInvalidToken
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Payload{}, ErrInvalidToken
	}
	if p.RoomID == "" || p.Nonce == "" {
		return Payload{}, ErrInvalidToken
	}
	if p.Role != domain.RoleBuyer && p.Role != domain.RoleSeller {
		return Payload{}, ErrInvalidToken
	}
	if !p.ExpiresAt.IsZero() && c.now().UTC().After(p.ExpiresAt) {
		return Payload{}, ErrTokenExpired
	}
	return p, nil
}

// IsExpired reports whether a token issued at issuedAt has outlived ttl.
// Used for join tokens, which rely on the freshness window rather than an
// embedded expiry.
func (c *Codec) IsExpired(issuedAt time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultJoinTTL
	}
	return c.now().UTC().After(issuedAt.Add(ttl))
}

func randomNonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
