package store

import (
	"sort"
	"sync"
	"time"

	"dealroom/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and local runs
// and mirrors GormStore semantics, including the compare-and-swap updates.
type MemoryStore struct {
	mu          sync.RWMutex
	rooms       map[string]domain.Room
	sessions    map[string]domain.RoomSession // key: session ID
	invitations map[string]domain.RoomInvitation
	txs         map[string]domain.Transaction
	files       map[string]domain.TransactionFile
	messages    map[string][]domain.RoomMessage // key: room ID
	nextSeq     int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:       make(map[string]domain.Room),
		sessions:    make(map[string]domain.RoomSession),
		invitations: make(map[string]domain.RoomInvitation),
		txs:         make(map[string]domain.Transaction),
		files:       make(map[string]domain.TransactionFile),
		messages:    make(map[string][]domain.RoomMessage),
	}
}

// SaveRoom stores or replaces a room.
func (m *MemoryStore) SaveRoom(r domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = r
	return nil
}

// GetRoom returns a room by ID.
func (m *MemoryStore) GetRoom(id string) (domain.Room, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok, nil
}

// SetRoomStatus flips the free/in_use flag.
func (m *MemoryStore) SetRoomStatus(id string, status domain.RoomStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	m.rooms[id] = r
	return nil
}

// SaveSession stores or replaces a session.
func (m *MemoryStore) SaveSession(s domain.RoomSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

// GetSessionByToken resolves a session by its token.
func (m *MemoryStore) GetSessionByToken(token string) (domain.RoomSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.SessionToken == token {
			return s, true, nil
		}
	}
	return domain.RoomSession{}, false, nil
}

// FindOrCreateSession returns the existing (room, role, user) session or
// inserts the given one.
func (m *MemoryStore) FindOrCreateSession(s domain.RoomSession) (domain.RoomSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.RoomID == s.RoomID && existing.Role == s.Role &&
			existing.UserIdentifier == s.UserIdentifier {
			return existing, false, nil
		}
	}
	m.sessions[s.ID] = s
	return s, true, nil
}

// ListRoomSessions returns sessions for a room, optionally only online ones.
func (m *MemoryStore) ListRoomSessions(roomID string, onlineOnly bool) ([]domain.RoomSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.RoomSession, 0)
	for _, s := range m.sessions {
		if s.RoomID != roomID {
			continue
		}
		if onlineOnly && !s.IsOnline {
			continue
		}
		res = append(res, s)
	}
	sortSessions(res)
	return res, nil
}

// ListUserSessions returns every session held by a user identifier.
func (m *MemoryStore) ListUserSessions(userIdentifier string) ([]domain.RoomSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.RoomSession, 0)
	for _, s := range m.sessions {
		if s.UserIdentifier == userIdentifier {
			res = append(res, s)
		}
	}
	sortSessions(res)
	return res, nil
}

// ListSessionsIdleSince returns online sessions idle past the cutoff.
func (m *MemoryStore) ListSessionsIdleSince(cutoff time.Time) ([]domain.RoomSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.RoomSession, 0)
	for _, s := range m.sessions {
		if s.IsOnline && s.LastSeen.Before(cutoff) {
			res = append(res, s)
		}
	}
	sortSessions(res)
	return res, nil
}

// PurgeSessionsBefore hard-deletes long-inactive sessions.
func (m *MemoryStore) PurgeSessionsBefore(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// SaveInvitation stores or replaces an invitation.
func (m *MemoryStore) SaveInvitation(inv domain.RoomInvitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[inv.ID] = inv
	return nil
}

// GetInvitation returns an invitation by ID.
func (m *MemoryStore) GetInvitation(id string) (domain.RoomInvitation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invitations[id]
	return inv, ok, nil
}

// ListRoomInvitations returns invitations for a room, newest first.
func (m *MemoryStore) ListRoomInvitations(roomID string) ([]domain.RoomInvitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.RoomInvitation, 0)
	for _, inv := range m.invitations {
		if inv.RoomID == roomID {
			res = append(res, inv)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// SaveTransaction stores or replaces a transaction.
func (m *MemoryStore) SaveTransaction(tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = tx
	return nil
}

// GetTransaction returns a transaction by ID.
func (m *MemoryStore) GetTransaction(id string) (domain.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	return tx, ok, nil
}

// GetActiveTransactionByRoom returns the room's non-terminal transaction.
func (m *MemoryStore) GetActiveTransactionByRoom(roomID string) (domain.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest domain.Transaction
	found := false
	for _, tx := range m.txs {
		if tx.RoomID != roomID || tx.Status.Terminal() {
			continue
		}
		if !found || tx.CreatedAt.After(newest.CreatedAt) {
			newest = tx
			found = true
		}
	}
	return newest, found, nil
}

// UpdateTransactionIfStatus writes tx only when the stored status matches.
func (m *MemoryStore) UpdateTransactionIfStatus(tx domain.Transaction, from domain.TransactionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.txs[tx.ID]
	if !ok || current.Status != from {
		return false, nil
	}
	m.txs[tx.ID] = tx
	return true, nil
}

// SaveTransactionFile stores or replaces an evidence file record.
func (m *MemoryStore) SaveTransactionFile(f domain.TransactionFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = f
	return nil
}

// GetTransactionFile returns an evidence file by ID.
func (m *MemoryStore) GetTransactionFile(id string) (domain.TransactionFile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	return f, ok, nil
}

// ListTransactionFiles returns files for a transaction, oldest first.
func (m *MemoryStore) ListTransactionFiles(transactionID string) ([]domain.TransactionFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.TransactionFile, 0)
	for _, f := range m.files {
		if f.TransactionID == transactionID {
			res = append(res, f)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// UpdateFileIfStatus writes f only when the stored file status matches.
func (m *MemoryStore) UpdateFileIfStatus(f domain.TransactionFile, from domain.FileStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.files[f.ID]
	if !ok || current.Status != from {
		return false, nil
	}
	m.files[f.ID] = f
	return true, nil
}

// AppendRoomMessage assigns the next sequence number and stores the message.
func (m *MemoryStore) AppendRoomMessage(msg domain.RoomMessage) (domain.RoomMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	msg.Seq = m.nextSeq
	m.messages[msg.RoomID] = append(m.messages[msg.RoomID], msg)
	return msg, nil
}

// ListRoomMessagesAfter returns up to limit messages with Seq > afterSeq.
func (m *MemoryStore) ListRoomMessagesAfter(roomID string, afterSeq int64, limit int) ([]domain.RoomMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	res := make([]domain.RoomMessage, 0)
	for _, msg := range m.messages[roomID] {
		if msg.Seq > afterSeq {
			res = append(res, msg)
			if len(res) >= limit {
				break
			}
		}
	}
	return res, nil
}

func sortSessions(sessions []domain.RoomSession) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
}
