package token

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"dealroom/pkg/domain"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T, now func() time.Time) *Codec {
	t.Helper()
	c, err := NewCodec(testKey, Options{Now: now})
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return c
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	c := newTestCodec(t, nil)
	tok, err := c.Issue(Payload{
		RoomID:  "room-1",
		Role:    domain.RoleBuyer,
		Email:   "buyer@example.com",
		PinHash: "$2a$10$hash",
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	got, err := c.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.RoomID != "room-1" || got.Role != domain.RoleBuyer || got.Email != "buyer@example.com" {
		t.Fatalf("Verify() payload = %+v", got)
	}
	if got.IssuedAt.IsZero() || got.Nonce == "" {
		t.Fatalf("Verify() missing stamped fields: %+v", got)
	}
}

func TestIssueRejectsModeratorRole(t *testing.T) {
	c := newTestCodec(t, nil)
	if _, err := c.Issue(Payload{RoomID: "room-1", Role: domain.RoleModerator}); err == nil {
		t.Fatalf("Issue() accepted moderator role")
	}
}

func TestIssueUniqueTokensForIdenticalPayloads(t *testing.T) {
	c := newTestCodec(t, nil)
	p := Payload{RoomID: "room-1", Role: domain.RoleSeller}
	a, err := c.Issue(p)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	b, err := c.Issue(p)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if a == b {
		t.Fatalf("identical payloads produced identical tokens")
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	c := newTestCodec(t, nil)
	tok, err := c.Issue(Payload{RoomID: "room-1", Role: domain.RoleBuyer})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	// Flip one bit anywhere in the sealed blob.
	raw[len(raw)/2] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	if _, err := c.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(tampered) error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	c := newTestCodec(t, nil)
	for _, tok := range []string{"", "not-a-token", "%%%", base64.RawURLEncoding.EncodeToString([]byte("short"))} {
		if _, err := c.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q) error = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestVerifyExplicitExpiry(t *testing.T) {
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestCodec(t, func() time.Time { return current })

	tok, err := c.Issue(Payload{
		RoomID:    "room-1",
		Role:      domain.RoleBuyer,
		ExpiresAt: current.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := c.Verify(tok); err != nil {
		t.Fatalf("Verify() before expiry error = %v", err)
	}
	current = current.Add(2 * time.Hour)
	if _, err := c.Verify(tok); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Verify() after expiry error = %v, want ErrTokenExpired", err)
	}
}

func TestIsExpiredUsesFreshnessWindow(t *testing.T) {
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestCodec(t, func() time.Time { return current })

	issued := current.Add(-4 * time.Minute)
	if c.IsExpired(issued, 0) {
		t.Fatalf("IsExpired() = true inside the default window")
	}
	issued = current.Add(-6 * time.Minute)
	if !c.IsExpired(issued, 0) {
		t.Fatalf("IsExpired() = false outside the default window")
	}
}

func TestNewCodecRejectsShortKey(t *testing.T) {
	if _, err := NewCodec([]byte("short"), Options{}); err == nil {
		t.Fatalf("NewCodec() accepted a short key")
	}
}
