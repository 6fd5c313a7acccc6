package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"dealroom/pkg/domain"
)

const migrateLockID int64 = 52481463

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent instances do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&RoomModel{},
			&RoomSessionModel{},
			&RoomInvitationModel{},
			&TransactionModel{},
			&TransactionFileModel{},
			&RoomMessageModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveRoom stores or updates a room.
func (s *GormStore) SaveRoom(r domain.Room) error {
	model := roomToModel(r)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "status", "updated_at"}),
	}).Create(&model).Error
}

// GetRoom returns a room by ID.
func (s *GormStore) GetRoom(id string) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	return roomFromModel(model), true, nil
}

// SetRoomStatus flips the free/in_use flag.
func (s *GormStore) SetRoomStatus(id string, status domain.RoomStatus) error {
	return s.db.Model(&RoomModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
}

// SaveSession stores or updates a room session.
func (s *GormStore) SaveSession(sess domain.RoomSession) error {
	model := sessionToModel(sess)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"session_token", "device_fingerprint", "is_online", "last_seen", "offline_at",
		}),
	}).Create(&model).Error
}

// GetSessionByToken resolves a session by its opaque token.
func (s *GormStore) GetSessionByToken(token string) (domain.RoomSession, bool, error) {
	var model RoomSessionModel
	if err := s.db.First(&model, "session_token = ?", token).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.RoomSession{}, false, nil
		}
		return domain.RoomSession{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// FindOrCreateSession returns the existing (room, role, user) session or
// inserts the given one atomically.
func (s *GormStore) FindOrCreateSession(sess domain.RoomSession) (domain.RoomSession, bool, error) {
	created := false
	var model RoomSessionModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where(
			"room_id = ? AND role = ? AND user_identifier = ?",
			sess.RoomID, string(sess.Role), sess.UserIdentifier,
		).First(&model).Error
		if err == nil {
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		model = sessionToModel(sess)
		created = true
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.RoomSession{}, false, err
	}
	return sessionFromModel(model), created, nil
}

// ListRoomSessions returns sessions for a room, optionally only online ones.
func (s *GormStore) ListRoomSessions(roomID string, onlineOnly bool) ([]domain.RoomSession, error) {
	tx := s.db.Where("room_id = ?", roomID)
	if onlineOnly {
		tx = tx.Where("is_online = ?", true)
	}
	var models []RoomSessionModel
	if err := tx.Order("joined_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return sessionsFromModels(models), nil
}

// ListUserSessions returns every session held by a user identifier.
func (s *GormStore) ListUserSessions(userIdentifier string) ([]domain.RoomSession, error) {
	var models []RoomSessionModel
	if err := s.db.Where("user_identifier = ?", userIdentifier).
		Order("joined_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return sessionsFromModels(models), nil
}

// ListSessionsIdleSince returns online sessions whose last activity predates
// the cutoff.
func (s *GormStore) ListSessionsIdleSince(cutoff time.Time) ([]domain.RoomSession, error) {
	var models []RoomSessionModel
	if err := s.db.Where("is_online = ? AND last_seen < ?", true, cutoff).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return sessionsFromModels(models), nil
}

// PurgeSessionsBefore hard-deletes long-inactive sessions.
func (s *GormStore) PurgeSessionsBefore(cutoff time.Time) (int, error) {
	res := s.db.Where("last_seen < ?", cutoff).Delete(&RoomSessionModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// SaveInvitation stores or updates an invitation.
func (s *GormStore) SaveInvitation(inv domain.RoomInvitation) error {
	model := invitationToModel(inv)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"pin_attempts", "pin_locked_until", "accepted_at", "accepted_by",
			"accepted_ip", "accepted_ua", "joined_at", "is_active",
		}),
	}).Create(&model).Error
}

// GetInvitation returns an invitation by ID.
func (s *GormStore) GetInvitation(id string) (domain.RoomInvitation, bool, error) {
	var model RoomInvitationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.RoomInvitation{}, false, nil
		}
		return domain.RoomInvitation{}, false, err
	}
	return invitationFromModel(model), true, nil
}

// ListRoomInvitations returns invitations for a room, newest first.
func (s *GormStore) ListRoomInvitations(roomID string) ([]domain.RoomInvitation, error) {
	var models []RoomInvitationModel
	if err := s.db.Where("room_id = ?", roomID).
		Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.RoomInvitation, 0, len(models))
	for _, m := range models {
		res = append(res, invitationFromModel(m))
	}
	return res, nil
}

// SaveTransaction stores or updates a transaction.
func (s *GormStore) SaveTransaction(tx domain.Transaction) error {
	model := transactionToModel(tx)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(transactionUpdateColumns),
	}).Create(&model).Error
}

// GetTransaction returns a transaction by ID.
func (s *GormStore) GetTransaction(id string) (domain.Transaction, bool, error) {
	var model TransactionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Transaction{}, false, nil
		}
		return domain.Transaction{}, false, err
	}
	return transactionFromModel(model), true, nil
}

// GetActiveTransactionByRoom returns the room's non-terminal transaction.
func (s *GormStore) GetActiveTransactionByRoom(roomID string) (domain.Transaction, bool, error) {
	var model TransactionModel
	err := s.db.Where("room_id = ? AND status NOT IN ?", roomID, terminalStatuses()).
		Order("created_at DESC").First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Transaction{}, false, nil
		}
		return domain.Transaction{}, false, err
	}
	return transactionFromModel(model), true, nil
}

// UpdateTransactionIfStatus performs a compare-and-swap on the status column.
func (s *GormStore) UpdateTransactionIfStatus(tx domain.Transaction, from domain.TransactionStatus) (bool, error) {
	model := transactionToModel(tx)
	res := s.db.Model(&TransactionModel{}).
		Where("id = ? AND status = ?", tx.ID, string(from)).
		Select(transactionUpdateColumns).
		Updates(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SaveTransactionFile stores an evidence file record.
func (s *GormStore) SaveTransactionFile(f domain.TransactionFile) error {
	model := fileToModel(f)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "verified_by", "verified_at", "rejection_reason",
		}),
	}).Create(&model).Error
}

// GetTransactionFile returns an evidence file by ID.
func (s *GormStore) GetTransactionFile(id string) (domain.TransactionFile, bool, error) {
	var model TransactionFileModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.TransactionFile{}, false, nil
		}
		return domain.TransactionFile{}, false, err
	}
	return fileFromModel(model), true, nil
}

// ListTransactionFiles returns files for a transaction, oldest first.
func (s *GormStore) ListTransactionFiles(transactionID string) ([]domain.TransactionFile, error) {
	var models []TransactionFileModel
	if err := s.db.Where("transaction_id = ?", transactionID).
		Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.TransactionFile, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// UpdateFileIfStatus performs a compare-and-swap on the file status column.
func (s *GormStore) UpdateFileIfStatus(f domain.TransactionFile, from domain.FileStatus) (bool, error) {
	model := fileToModel(f)
	res := s.db.Model(&TransactionFileModel{}).
		Where("id = ? AND status = ?", f.ID, string(from)).
		Select("status", "verified_by", "verified_at", "rejection_reason").
		Updates(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AppendRoomMessage inserts a message and returns it with the assigned
// sequence number.
func (s *GormStore) AppendRoomMessage(msg domain.RoomMessage) (domain.RoomMessage, error) {
	model, err := messageToModel(msg)
	if err != nil {
		return domain.RoomMessage{}, err
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.RoomMessage{}, err
	}
	return messageFromModel(model)
}

// ListRoomMessagesAfter returns up to limit messages with Seq > afterSeq.
func (s *GormStore) ListRoomMessagesAfter(roomID string, afterSeq int64, limit int) ([]domain.RoomMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []RoomMessageModel
	if err := s.db.Where("room_id = ? AND seq > ?", roomID, afterSeq).
		Order("seq ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.RoomMessage, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, msg)
	}
	return res, nil
}

var transactionUpdateColumns = []string{
	"status",
	"payment_proof_uploaded_at", "payment_proof_uploaded_by",
	"payment_verified_at", "payment_verified_by", "payment_rejection_reason",
	"shipping_uploaded_at", "shipping_uploaded_by",
	"shipping_verified_at", "shipping_verified_by", "shipping_rejection_reason",
	"delivered_at", "funds_released_at", "funds_released_by",
	"dispute_reason", "gm_notes", "updated_at",
}

func terminalStatuses() []string {
	return []string{
		string(domain.StatusCompleted),
		string(domain.StatusDisputed),
		string(domain.StatusCancelled),
		string(domain.StatusRefunded),
	}
}

func roomToModel(r domain.Room) RoomModel {
	return RoomModel{
		ID:        r.ID,
		Title:     r.Title,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func roomFromModel(m RoomModel) domain.Room {
	return domain.Room{
		ID:        m.ID,
		Title:     m.Title,
		Status:    domain.RoomStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func sessionToModel(s domain.RoomSession) RoomSessionModel {
	return RoomSessionModel{
		ID:                s.ID,
		RoomID:            s.RoomID,
		Role:              string(s.Role),
		UserIdentifier:    s.UserIdentifier,
		SessionToken:      s.SessionToken,
		DeviceFingerprint: s.DeviceFingerprint,
		IsOnline:          s.IsOnline,
		JoinedAt:          s.JoinedAt,
		LastSeen:          s.LastSeen,
		OfflineAt:         timePtr(s.OfflineAt),
	}
}

func sessionFromModel(m RoomSessionModel) domain.RoomSession {
	return domain.RoomSession{
		ID:                m.ID,
		RoomID:            m.RoomID,
		Role:              domain.Role(m.Role),
		UserIdentifier:    m.UserIdentifier,
		SessionToken:      m.SessionToken,
		DeviceFingerprint: m.DeviceFingerprint,
		IsOnline:          m.IsOnline,
		JoinedAt:          m.JoinedAt,
		LastSeen:          m.LastSeen,
		OfflineAt:         timeVal(m.OfflineAt),
	}
}

func sessionsFromModels(models []RoomSessionModel) []domain.RoomSession {
	res := make([]domain.RoomSession, 0, len(models))
	for _, m := range models {
		res = append(res, sessionFromModel(m))
	}
	return res
}

func invitationToModel(inv domain.RoomInvitation) RoomInvitationModel {
	return RoomInvitationModel{
		ID:             inv.ID,
		RoomID:         inv.RoomID,
		Inviter:        inv.Inviter,
		InviteeEmail:   inv.InviteeEmail,
		EncryptedToken: inv.EncryptedToken,
		PinHash:        inv.PinHash,
		Role:           string(inv.Role),
		ExpiresAt:      inv.ExpiresAt,
		PinAttempts:    inv.PinAttempts,
		PinLockedUntil: timePtr(inv.PinLockedUntil),
		AcceptedAt:     timePtr(inv.AcceptedAt),
		AcceptedBy:     inv.AcceptedBy,
		AcceptedIP:     inv.AcceptedIP,
		AcceptedUA:     inv.AcceptedUA,
		JoinedAt:       timePtr(inv.JoinedAt),
		IsActive:       inv.IsActive,
		CreatedAt:      inv.CreatedAt,
	}
}

func invitationFromModel(m RoomInvitationModel) domain.RoomInvitation {
	return domain.RoomInvitation{
		ID:             m.ID,
		RoomID:         m.RoomID,
		Inviter:        m.Inviter,
		InviteeEmail:   m.InviteeEmail,
		EncryptedToken: m.EncryptedToken,
		PinHash:        m.PinHash,
		Role:           domain.Role(m.Role),
		ExpiresAt:      m.ExpiresAt,
		PinAttempts:    m.PinAttempts,
		PinLockedUntil: timeVal(m.PinLockedUntil),
		AcceptedAt:     timeVal(m.AcceptedAt),
		AcceptedBy:     m.AcceptedBy,
		AcceptedIP:     m.AcceptedIP,
		AcceptedUA:     m.AcceptedUA,
		JoinedAt:       timeVal(m.JoinedAt),
		IsActive:       m.IsActive,
		CreatedAt:      m.CreatedAt,
	}
}

func transactionToModel(t domain.Transaction) TransactionModel {
	return TransactionModel{
		ID:       t.ID,
		RoomID:   t.RoomID,
		BuyerID:  t.BuyerID,
		SellerID: t.SellerID,
		Amount:   t.Amount,
		Currency: t.Currency,
		Status:   string(t.Status),

		PaymentProofUploadedAt:  timePtr(t.PaymentProofUploadedAt),
		PaymentProofUploadedBy:  t.PaymentProofUploadedBy,
		PaymentVerifiedAt:       timePtr(t.PaymentVerifiedAt),
		PaymentVerifiedBy:       t.PaymentVerifiedBy,
		PaymentRejectionReason:  t.PaymentRejectionReason,
		ShippingUploadedAt:      timePtr(t.ShippingUploadedAt),
		ShippingUploadedBy:      t.ShippingUploadedBy,
		ShippingVerifiedAt:      timePtr(t.ShippingVerifiedAt),
		ShippingVerifiedBy:      t.ShippingVerifiedBy,
		ShippingRejectionReason: t.ShippingRejectionReason,
		DeliveredAt:             timePtr(t.DeliveredAt),
		FundsReleasedAt:         timePtr(t.FundsReleasedAt),
		FundsReleasedBy:         t.FundsReleasedBy,
		DisputeReason:           t.DisputeReason,
		GMNotes:                 t.GMNotes,

		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func transactionFromModel(m TransactionModel) domain.Transaction {
	return domain.Transaction{
		ID:       m.ID,
		RoomID:   m.RoomID,
		BuyerID:  m.BuyerID,
		SellerID: m.SellerID,
		Amount:   m.Amount,
		Currency: m.Currency,
		Status:   domain.TransactionStatus(m.Status),

		PaymentProofUploadedAt:  timeVal(m.PaymentProofUploadedAt),
		PaymentProofUploadedBy:  m.PaymentProofUploadedBy,
		PaymentVerifiedAt:       timeVal(m.PaymentVerifiedAt),
		PaymentVerifiedBy:       m.PaymentVerifiedBy,
		PaymentRejectionReason:  m.PaymentRejectionReason,
		ShippingUploadedAt:      timeVal(m.ShippingUploadedAt),
		ShippingUploadedBy:      m.ShippingUploadedBy,
		ShippingVerifiedAt:      timeVal(m.ShippingVerifiedAt),
		ShippingVerifiedBy:      m.ShippingVerifiedBy,
		ShippingRejectionReason: m.ShippingRejectionReason,
		DeliveredAt:             timeVal(m.DeliveredAt),
		FundsReleasedAt:         timeVal(m.FundsReleasedAt),
		FundsReleasedBy:         m.FundsReleasedBy,
		DisputeReason:           m.DisputeReason,
		GMNotes:                 m.GMNotes,

		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func fileToModel(f domain.TransactionFile) TransactionFileModel {
	return TransactionFileModel{
		ID:              f.ID,
		TransactionID:   f.TransactionID,
		FileType:        string(f.FileType),
		StorageKey:      f.StorageKey,
		UploadedBy:      f.UploadedBy,
		Status:          string(f.Status),
		VerifiedBy:      f.VerifiedBy,
		VerifiedAt:      timePtr(f.VerifiedAt),
		RejectionReason: f.RejectionReason,
		CreatedAt:       f.CreatedAt,
	}
}

func fileFromModel(m TransactionFileModel) domain.TransactionFile {
	return domain.TransactionFile{
		ID:              m.ID,
		TransactionID:   m.TransactionID,
		FileType:        domain.FileType(m.FileType),
		StorageKey:      m.StorageKey,
		UploadedBy:      m.UploadedBy,
		Status:          domain.FileStatus(m.Status),
		VerifiedBy:      m.VerifiedBy,
		VerifiedAt:      timeVal(m.VerifiedAt),
		RejectionReason: m.RejectionReason,
		CreatedAt:       m.CreatedAt,
	}
}

func messageToModel(msg domain.RoomMessage) (RoomMessageModel, error) {
	var data datatypes.JSON
	if len(msg.Data) > 0 {
		raw, err := json.Marshal(msg.Data)
		if err != nil {
			return RoomMessageModel{}, fmt.Errorf("marshal message data: %w", err)
		}
		data = datatypes.JSON(raw)
	}
	return RoomMessageModel{
		Seq:        msg.Seq,
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderRole: string(msg.SenderRole),
		SenderName: msg.SenderName,
		Body:       msg.Body,
		Kind:       string(msg.Kind),
		Data:       data,
		CreatedAt:  msg.CreatedAt,
	}, nil
}

func messageFromModel(m RoomMessageModel) (domain.RoomMessage, error) {
	var data map[string]string
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &data); err != nil {
			return domain.RoomMessage{}, fmt.Errorf("unmarshal message data: %w", err)
		}
	}
	return domain.RoomMessage{
		ID:         m.ID,
		Seq:        m.Seq,
		RoomID:     m.RoomID,
		SenderRole: domain.Role(m.SenderRole),
		SenderName: m.SenderName,
		Body:       m.Body,
		Kind:       domain.MessageKind(m.Kind),
		Data:       data,
		CreatedAt:  m.CreatedAt,
	}, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
