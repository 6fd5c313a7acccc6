package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/pkg/store"
	"dealroom/pkg/token"
)

const (
	pinLength = 6

	// maxPinAttempts consecutive mismatches lock the invitation for
	// lockoutWindow. The window is fixed rather than per-call configurable.
	maxPinAttempts = 5
	lockoutWindow  = 15 * time.Minute

	defaultInvitationTTL = 72 * time.Hour
	redisTimeout         = 2 * time.Second
)

// Guard creates PIN-protected invitations and enforces the attempt-limited
// lockout. Attempt counters live in Redis so the 5-attempt limit is exact
// under concurrent requests; the invitation record mirrors them for display.
type Guard struct {
	store     store.Store
	client    *redis.Client
	codec     *token.Codec
	keyPrefix string
	joinTTL   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// GuardConfig wires Guard dependencies.
type GuardConfig struct {
	Store     store.Store
	RedisAddr string
	RedisPass string
	// Client overrides RedisAddr, used by tests.
	Client    *redis.Client
	Codec     *token.Codec
	KeyPrefix string
	// JoinTTL is the freshness window for join tokens minted after a
	// successful PIN check. Defaults to token.DefaultJoinTTL.
	JoinTTL time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewGuard constructs the invitation guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Store == nil {
		return nil, errors.New("invite guard store required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("invite guard token codec required")
	}
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.RedisAddr)
		if addr == "" {
			return nil, errors.New("invite guard redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPass})
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "dealroom:invite"
	}
	joinTTL := cfg.JoinTTL
	if joinTTL <= 0 {
		joinTTL = token.DefaultJoinTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:     cfg.Store,
		client:    client,
		codec:     cfg.Codec,
		keyPrefix: prefix,
		joinTTL:   joinTTL,
		now:       now,
		logger:    logger,
	}, nil
}

// CreateInvitation generates a 6-digit PIN (uniform, leading zeros allowed)
// and an encrypted token binding {room, role, email}, and persists the
// invitation. The plaintext PIN is returned once for delivery and never
// stored.
func (g *Guard) CreateInvitation(roomID, inviter, email string, role domain.Role, ttl time.Duration) (domain.RoomInvitation, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.RoomInvitation{}, "", err
	}
	if role != domain.RoleBuyer && role != domain.RoleSeller {
		return domain.RoomInvitation{}, "", fmt.Errorf("role %q not invitable", role)
	}
	if ttl <= 0 {
		ttl = defaultInvitationTTL
	}
	now := g.now().UTC()
	expiresAt := now.Add(ttl)

	pin, err := generatePin(pinLength)
	if err != nil {
		return domain.RoomInvitation{}, "", fmt.Errorf("generate pin: %w", err)
	}
	pinHash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return domain.RoomInvitation{}, "", fmt.Errorf("hash pin: %w", err)
	}
	tok, err := g.codec.Issue(token.Payload{
		RoomID:    roomID,
		Role:      role,
		Email:     email,
		PinHash:   string(pinHash),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return domain.RoomInvitation{}, "", fmt.Errorf("issue invitation token: %w", err)
	}

	inv := domain.RoomInvitation{
		ID:             util.NewID(),
		RoomID:         roomID,
		Inviter:        inviter,
		InviteeEmail:   email,
		EncryptedToken: tok,
		PinHash:        string(pinHash),
		Role:           role,
		ExpiresAt:      expiresAt,
		IsActive:       true,
		CreatedAt:      now,
	}
	if err := g.store.SaveInvitation(inv); err != nil {
		return domain.RoomInvitation{}, "", fmt.Errorf("save invitation: %w", err)
	}
	g.logger.Info("invitation created",
		"invitation_id", inv.ID, "room_id", roomID, "role", string(role))
	return inv, pin, nil
}

// ResolveToken verifies an invitation token and returns the matching active
// invitation.
func (g *Guard) ResolveToken(tok string) (domain.RoomInvitation, error) {
	payload, err := g.codec.Verify(tok)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return domain.RoomInvitation{}, ErrInvitationExpired
		}
		return domain.RoomInvitation{}, ErrInvalidToken
	}
	invitations, err := g.store.ListRoomInvitations(payload.RoomID)
	if err != nil {
		return domain.RoomInvitation{}, fmt.Errorf("list invitations: %w", err)
	}
	for _, inv := range invitations {
		if inv.EncryptedToken == tok {
			if inv.Expired(g.now().UTC()) || !inv.IsActive {
				return domain.RoomInvitation{}, ErrInvitationExpired
			}
			return inv, nil
		}
	}
	return domain.RoomInvitation{}, ErrInvalidToken
}

// IssueJoinToken mints a short-lived token for an invitation whose PIN was
// just verified. Unlike the invitation token it names the invitation
// directly and relies on the freshness window instead of an embedded expiry.
func (g *Guard) IssueJoinToken(inv domain.RoomInvitation) (string, error) {
	tok, err := g.codec.Issue(token.Payload{
		RoomID:       inv.RoomID,
		Role:         inv.Role,
		Email:        inv.InviteeEmail,
		InvitationID: inv.ID,
	})
	if err != nil {
		return "", fmt.Errorf("issue join token: %w", err)
	}
	return tok, nil
}

// ResolveJoinToken verifies a join token, enforces the freshness window,
// and returns the invitation it was minted for. Tokens without an
// invitation reference are not join tokens and fail with ErrInvalidToken.
func (g *Guard) ResolveJoinToken(tok string) (domain.RoomInvitation, error) {
	payload, err := g.codec.Verify(tok)
	if err != nil {
		return domain.RoomInvitation{}, ErrInvalidToken
	}
	if payload.InvitationID == "" {
		return domain.RoomInvitation{}, ErrInvalidToken
	}
	if g.codec.IsExpired(payload.IssuedAt, g.joinTTL) {
		return domain.RoomInvitation{}, ErrJoinTokenExpired
	}
	inv, ok, err := g.store.GetInvitation(payload.InvitationID)
	if err != nil {
		return domain.RoomInvitation{}, fmt.Errorf("get invitation: %w", err)
	}
	if !ok {
		return domain.RoomInvitation{}, ErrInvitationNotFound
	}
	if inv.Expired(g.now().UTC()) || !inv.IsActive {
		return domain.RoomInvitation{}, g.deactivate(inv)
	}
	return inv, nil
}

// VerifyPin checks the candidate PIN against the invitation. A locked
// invitation rejects immediately without consuming an attempt; a mismatch
// increments the shared attempt counter and locks after the fifth; a match
// resets the counter to zero.
func (g *Guard) VerifyPin(invitationID, candidate string) error {
	inv, ok, err := g.store.GetInvitation(invitationID)
	if err != nil {
		return fmt.Errorf("get invitation: %w", err)
	}
	if !ok {
		return ErrInvitationNotFound
	}
	now := g.now().UTC()
	if inv.Expired(now) || !inv.IsActive {
		return g.deactivate(inv)
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ErrPinRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if until, locked := g.lockedUntil(ctx, inv); locked {
		return &PinLockedError{Until: until}
	}

	if bcrypt.CompareHashAndPassword([]byte(inv.PinHash), []byte(candidate)) != nil {
		attempts, err := g.client.Incr(ctx, g.attemptsKey(inv.ID)).Result()
		if err != nil {
			return fmt.Errorf("count pin attempt: %w", err)
		}
		_ = g.client.PExpire(ctx, g.attemptsKey(inv.ID), lockoutWindow).Err()

		inv.PinAttempts = int(attempts)
		if attempts >= maxPinAttempts {
			until := now.Add(lockoutWindow)
			if err := g.client.Set(ctx, g.lockKey(inv.ID), until.Format(time.RFC3339), lockoutWindow).Err(); err != nil {
				return fmt.Errorf("set pin lock: %w", err)
			}
			inv.PinLockedUntil = until
			_ = g.store.SaveInvitation(inv)
			return &PinLockedError{Until: until}
		}
		_ = g.store.SaveInvitation(inv)
		return &PinAttemptError{Remaining: maxPinAttempts - int(attempts)}
	}

	_ = g.client.Del(ctx, g.attemptsKey(inv.ID)).Err()
	inv.PinAttempts = 0
	inv.PinLockedUntil = time.Time{}
	if err := g.store.SaveInvitation(inv); err != nil {
		return fmt.Errorf("reset pin attempts: %w", err)
	}
	return nil
}

// Accept records acceptance metadata once; repeat calls are no-ops.
func (g *Guard) Accept(invitationID, user, ip, userAgent string) (domain.RoomInvitation, error) {
	inv, ok, err := g.store.GetInvitation(invitationID)
	if err != nil {
		return domain.RoomInvitation{}, fmt.Errorf("get invitation: %w", err)
	}
	if !ok {
		return domain.RoomInvitation{}, ErrInvitationNotFound
	}
	now := g.now().UTC()
	if inv.Expired(now) || !inv.IsActive {
		return domain.RoomInvitation{}, g.deactivate(inv)
	}
	if !inv.AcceptedAt.IsZero() {
		return inv, nil
	}
	inv.AcceptedAt = now
	inv.AcceptedBy = user
	inv.AcceptedIP = ip
	inv.AcceptedUA = userAgent
	if err := g.store.SaveInvitation(inv); err != nil {
		return domain.RoomInvitation{}, fmt.Errorf("save acceptance: %w", err)
	}
	return inv, nil
}

// MarkAsJoined stamps the join time. The transition is one-way.
func (g *Guard) MarkAsJoined(invitationID string) error {
	inv, ok, err := g.store.GetInvitation(invitationID)
	if err != nil {
		return fmt.Errorf("get invitation: %w", err)
	}
	if !ok {
		return ErrInvitationNotFound
	}
	if !inv.JoinedAt.IsZero() {
		return nil
	}
	inv.JoinedAt = g.now().UTC()
	if err := g.store.SaveInvitation(inv); err != nil {
		return fmt.Errorf("save join: %w", err)
	}
	return nil
}

// Invitations lists a room's invitations, deactivating any that expired.
func (g *Guard) Invitations(roomID string) ([]domain.RoomInvitation, error) {
	invitations, err := g.store.ListRoomInvitations(roomID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	now := g.now().UTC()
	for i, inv := range invitations {
		if inv.IsActive && inv.Expired(now) {
			inv.IsActive = false
			if err := g.store.SaveInvitation(inv); err != nil {
				g.logger.Warn("deactivate expired invitation",
					"invitation_id", inv.ID, "err", err)
				continue
			}
			invitations[i] = inv
		}
	}
	return invitations, nil
}

func (g *Guard) deactivate(inv domain.RoomInvitation) error {
	if inv.IsActive {
		inv.IsActive = false
		if err := g.store.SaveInvitation(inv); err != nil {
			g.logger.Warn("deactivate invitation", "invitation_id", inv.ID, "err", err)
		}
	}
	return ErrInvitationExpired
}

func (g *Guard) lockedUntil(ctx context.Context, inv domain.RoomInvitation) (time.Time, bool) {
	raw, err := g.client.Get(ctx, g.lockKey(inv.ID)).Result()
	if err == nil {
		if until, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			return until, true
		}
	}
	// Fall back to the persisted mirror when Redis lost the lock key.
	now := g.now().UTC()
	if !inv.PinLockedUntil.IsZero() && now.Before(inv.PinLockedUntil) {
		return inv.PinLockedUntil, true
	}
	return time.Time{}, false
}

func (g *Guard) attemptsKey(id string) string {
	return g.keyPrefix + ":attempts:" + id
}

func (g *Guard) lockKey(id string) string {
	return g.keyPrefix + ":lock:" + id
}

func generatePin(length int) (string, error) {
	if length <= 0 {
		length = pinLength
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", errors.New("email required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", errors.New("invalid email address")
	}
	return email, nil
}
