package session

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/pkg/store"
)

// Suggested actions surfaced by CanJoinRoom.
const (
	ActionRedirectToActive = "redirect_to_active"
)

// Join denial reasons.
const (
	ReasonActiveElsewhere = "user already active in another room"
	ReasonRoleTaken       = "role already held by an online session"
	ReasonRoomMissing     = "room not found"
)

// JoinDecision is the result of a pre-flight join check.
type JoinDecision struct {
	CanJoin         bool   `json:"canJoin"`
	Reason          string `json:"reason,omitempty"`
	SuggestedAction string `json:"suggestedAction,omitempty"`
	ActiveRoomID    string `json:"activeRoomId,omitempty"`
}

// PresencePublisher receives online/offline flips so the transport can fan
// them out to room members. Optional; a nil publisher drops the events.
type PresencePublisher interface {
	PublishPresence(roomID string, change domain.PresenceChange)
}

// Registry tracks per-user active room/role bindings and per-session
// liveness, and enforces the single-active-room invariant.
//
// Policy note: an *offline* session holding the requested role does not
// block a new claimant. A holder who disconnects without leaving can
// therefore lose the role to a third party; confirm before hardening.
type Registry struct {
	store    store.Store
	signer   *TokenSigner
	presence PresencePublisher
	now      func() time.Time
	logger   *slog.Logger

	// joinLocks linearizes check-then-act joins per user identifier and
	// per (room, role), so neither two joins by one user nor two users
	// racing for one role can both pass the check.
	joinLocks keyedMutex
}

// Config wires Registry dependencies.
type Config struct {
	Store    store.Store
	Signer   *TokenSigner
	Presence PresencePublisher
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewRegistry constructs a session registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry store required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("registry token signer required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    cfg.Store,
		signer:   cfg.Signer,
		presence: cfg.Presence,
		now:      now,
		logger:   logger,
	}, nil
}

// CanJoinRoom checks whether the user may claim the role in the room. The
// decision is advisory; RegisterSession re-checks under the user's join lock.
func (r *Registry) CanJoinRoom(roomID string, role domain.Role, userIdentifier string) (JoinDecision, error) {
	if _, ok, err := r.store.GetRoom(roomID); err != nil {
		return JoinDecision{}, fmt.Errorf("get room: %w", err)
	} else if !ok {
		return JoinDecision{CanJoin: false, Reason: ReasonRoomMissing}, nil
	}

	activeRoom, err := r.activeRoomFor(userIdentifier)
	if err != nil {
		return JoinDecision{}, err
	}
	if activeRoom != "" && activeRoom != roomID {
		return JoinDecision{
			CanJoin:         false,
			Reason:          ReasonActiveElsewhere,
			SuggestedAction: ActionRedirectToActive,
			ActiveRoomID:    activeRoom,
		}, nil
	}

	taken, err := r.roleHeldOnline(roomID, role, userIdentifier)
	if err != nil {
		return JoinDecision{}, err
	}
	if taken {
		return JoinDecision{CanJoin: false, Reason: ReasonRoleTaken}, nil
	}
	return JoinDecision{CanJoin: true}, nil
}

// RegisterSession claims the role for the user and returns the session with
// a fresh token. The join check and session creation happen atomically per
// user identifier and per (room, role), so neither two concurrent joins by
// the same user nor two users racing for the same role can both succeed.
func (r *Registry) RegisterSession(roomID string, role domain.Role, userIdentifier, deviceFingerprint string) (domain.RoomSession, error) {
	unlock := r.joinLocks.lockPair(userIdentifier, roomID+"|"+string(role))
	defer unlock()

	decision, err := r.CanJoinRoom(roomID, role, userIdentifier)
	if err != nil {
		return domain.RoomSession{}, err
	}
	if !decision.CanJoin {
		if decision.Reason == ReasonRoomMissing {
			return domain.RoomSession{}, ErrRoomNotFound
		}
		return domain.RoomSession{}, fmt.Errorf("%w: %s", ErrSessionConflict, decision.Reason)
	}

	now := r.now().UTC()
	token, err := r.signer.Issue(roomID, role, userIdentifier)
	if err != nil {
		return domain.RoomSession{}, fmt.Errorf("issue session token: %w", err)
	}
	candidate := domain.RoomSession{
		ID:                util.NewID(),
		RoomID:            roomID,
		Role:              role,
		UserIdentifier:    userIdentifier,
		SessionToken:      token,
		DeviceFingerprint: deviceFingerprint,
		IsOnline:          true,
		JoinedAt:          now,
		LastSeen:          now,
	}
	sess, created, err := r.store.FindOrCreateSession(candidate)
	if err != nil {
		return domain.RoomSession{}, fmt.Errorf("find or create session: %w", err)
	}
	if !created {
		// Rejoin: rotate the token and bring the session back online.
		sess.SessionToken = token
		sess.DeviceFingerprint = deviceFingerprint
		sess.IsOnline = true
		sess.LastSeen = now
		sess.OfflineAt = time.Time{}
		if err := r.store.SaveSession(sess); err != nil {
			return domain.RoomSession{}, fmt.Errorf("update session: %w", err)
		}
	}
	if err := r.store.SetRoomStatus(roomID, domain.RoomInUse); err != nil {
		return domain.RoomSession{}, fmt.Errorf("mark room in use: %w", err)
	}
	r.publishPresence(sess, true)
	r.logger.Info("session registered",
		"room_id", roomID, "role", string(role), "user", userIdentifier, "new", created)
	return sess, nil
}

// ValidateToken verifies a session token and resolves its session record.
func (r *Registry) ValidateToken(token string) (domain.RoomSession, error) {
	if _, err := r.signer.Parse(token); err != nil {
		return domain.RoomSession{}, err
	}
	sess, ok, err := r.store.GetSessionByToken(token)
	if err != nil {
		return domain.RoomSession{}, fmt.Errorf("get session: %w", err)
	}
	if !ok {
		return domain.RoomSession{}, ErrInvalidSession
	}
	return sess, nil
}

// Heartbeat refreshes liveness for the session holding the token.
func (r *Registry) Heartbeat(token string) error {
	sess, err := r.ValidateToken(token)
	if err != nil {
		return err
	}
	wasOffline := !sess.IsOnline
	sess.IsOnline = true
	sess.LastSeen = r.now().UTC()
	sess.OfflineAt = time.Time{}
	if err := r.store.SaveSession(sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if wasOffline {
		if err := r.store.SetRoomStatus(sess.RoomID, domain.RoomInUse); err != nil {
			return fmt.Errorf("mark room in use: %w", err)
		}
		r.publishPresence(sess, true)
	}
	return nil
}

// MarkOffline flips the session offline. When it was the last online session
// in the room, the room reverts to its free state.
func (r *Registry) MarkOffline(token string) error {
	sess, err := r.ValidateToken(token)
	if err != nil {
		return err
	}
	return r.markSessionOffline(sess)
}

// ExpireIdleSessions sweeps sessions idle past idleThreshold, marking them
// offline, and purges sessions inactive past purgeThreshold entirely.
// A failure on one session does not abort the sweep of the rest.
func (r *Registry) ExpireIdleSessions(idleThreshold, purgeThreshold time.Duration) {
	now := r.now().UTC()
	idle, err := r.store.ListSessionsIdleSince(now.Add(-idleThreshold))
	if err != nil {
		r.logger.Error("list idle sessions", "err", err)
	} else {
		for _, sess := range idle {
			if err := r.markSessionOffline(sess); err != nil {
				r.logger.Warn("expire idle session",
					"session_id", sess.ID, "room_id", sess.RoomID, "err", err)
			}
		}
	}
	if purgeThreshold > 0 {
		purged, err := r.store.PurgeSessionsBefore(now.Add(-purgeThreshold))
		if err != nil {
			r.logger.Error("purge stale sessions", "err", err)
		} else if purged > 0 {
			r.logger.Info("purged stale sessions", "count", purged)
		}
	}
}

func (r *Registry) markSessionOffline(sess domain.RoomSession) error {
	if !sess.IsOnline {
		return nil
	}
	sess.IsOnline = false
	sess.OfflineAt = r.now().UTC()
	if err := r.store.SaveSession(sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	online, err := r.store.ListRoomSessions(sess.RoomID, true)
	if err != nil {
		return fmt.Errorf("list online sessions: %w", err)
	}
	if len(online) == 0 {
		if err := r.store.SetRoomStatus(sess.RoomID, domain.RoomFree); err != nil {
			return fmt.Errorf("mark room free: %w", err)
		}
	}
	r.publishPresence(sess, false)
	return nil
}

// activeRoomFor returns the room the user is bound to whose transaction is
// still non-terminal, or "" when none.
func (r *Registry) activeRoomFor(userIdentifier string) (string, error) {
	sessions, err := r.store.ListUserSessions(userIdentifier)
	if err != nil {
		return "", fmt.Errorf("list user sessions: %w", err)
	}
	for _, sess := range sessions {
		_, active, err := r.store.GetActiveTransactionByRoom(sess.RoomID)
		if err != nil {
			return "", fmt.Errorf("get active transaction: %w", err)
		}
		if active {
			return sess.RoomID, nil
		}
	}
	return "", nil
}

func (r *Registry) roleHeldOnline(roomID string, role domain.Role, userIdentifier string) (bool, error) {
	if role == domain.RoleModerator {
		return false, nil
	}
	online, err := r.store.ListRoomSessions(roomID, true)
	if err != nil {
		return false, fmt.Errorf("list online sessions: %w", err)
	}
	for _, sess := range online {
		if sess.Role == role && sess.UserIdentifier != userIdentifier {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) publishPresence(sess domain.RoomSession, online bool) {
	if r.presence == nil {
		return
	}
	r.presence.PublishPresence(sess.RoomID, domain.PresenceChange{
		UserIdentifier: sess.UserIdentifier,
		Role:           sess.Role,
		Online:         online,
	})
}

// keyedMutex provides a mutex sharded by string key.
type keyedMutex struct {
	shards [64]sync.Mutex
}

func (k *keyedMutex) shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}

func (k *keyedMutex) lock(key string) func() {
	shard := &k.shards[k.shardIndex(key)]
	shard.Lock()
	return shard.Unlock
}

// lockPair holds the shards for both keys. Shards are acquired in index
// order so concurrent pair locks cannot deadlock, and a shared shard is
// acquired once.
func (k *keyedMutex) lockPair(a, b string) func() {
	i, j := k.shardIndex(a), k.shardIndex(b)
	if i == j {
		k.shards[i].Lock()
		return k.shards[i].Unlock
	}
	if j < i {
		i, j = j, i
	}
	k.shards[i].Lock()
	k.shards[j].Lock()
	return func() {
		k.shards[j].Unlock()
		k.shards[i].Unlock()
	}
}
