package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type RoomModel struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	Status    string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type RoomSessionModel struct {
	ID                string `gorm:"primaryKey"`
	RoomID            string `gorm:"not null;index:idx_sessions_room_role"`
	Role              string `gorm:"not null;index:idx_sessions_room_role"`
	UserIdentifier    string `gorm:"not null;index"`
	SessionToken      string `gorm:"uniqueIndex;not null"`
	DeviceFingerprint string
	IsOnline          bool      `gorm:"not null;index"`
	JoinedAt          time.Time `gorm:"not null"`
	LastSeen          time.Time `gorm:"not null;index"`
	OfflineAt         *time.Time
}

type RoomInvitationModel struct {
	ID             string `gorm:"primaryKey"`
	RoomID         string `gorm:"not null;index"`
	Inviter        string `gorm:"not null"`
	InviteeEmail   string `gorm:"not null"`
	EncryptedToken string `gorm:"not null"`
	PinHash        string `gorm:"not null"`
	Role           string `gorm:"not null"`
	ExpiresAt      time.Time
	PinAttempts    int `gorm:"not null;default:0"`
	PinLockedUntil *time.Time
	AcceptedAt     *time.Time
	AcceptedBy     string
	AcceptedIP     string
	AcceptedUA     string
	JoinedAt       *time.Time
	IsActive       bool      `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"not null"`
}

type TransactionModel struct {
	ID       string `gorm:"primaryKey"`
	RoomID   string `gorm:"not null;index"`
	BuyerID  string `gorm:"not null"`
	SellerID string `gorm:"not null"`
	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"not null"`
	Status   string `gorm:"not null;index"`

	PaymentProofUploadedAt  *time.Time
	PaymentProofUploadedBy  string
	PaymentVerifiedAt       *time.Time
	PaymentVerifiedBy       string
	PaymentRejectionReason  string
	ShippingUploadedAt      *time.Time
	ShippingUploadedBy      string
	ShippingVerifiedAt      *time.Time
	ShippingVerifiedBy      string
	ShippingRejectionReason string
	DeliveredAt             *time.Time
	FundsReleasedAt         *time.Time
	FundsReleasedBy         string
	DisputeReason           string
	GMNotes                 string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type TransactionFileModel struct {
	ID              string `gorm:"primaryKey"`
	TransactionID   string `gorm:"not null;index"`
	FileType        string `gorm:"not null"`
	StorageKey      string
	UploadedBy      string `gorm:"not null"`
	Status          string `gorm:"not null"`
	VerifiedBy      string
	VerifiedAt      *time.Time
	RejectionReason string
	CreatedAt       time.Time `gorm:"not null"`
}

type RoomMessageModel struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"uniqueIndex;not null"`
	RoomID     string `gorm:"not null;index:idx_messages_room_seq"`
	SenderRole string `gorm:"not null"`
	SenderName string
	Body       string         `gorm:"type:text"`
	Kind       string         `gorm:"not null"`
	Data       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}
