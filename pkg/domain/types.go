package domain

import "time"

// Role identifies a participant's function inside a room.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleSeller    Role = "seller"
	RoleModerator Role = "moderator"
)

// Valid reports whether the role is one of the known participant roles.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSeller || r == RoleModerator
}

// RoomStatus tracks whether a room currently has online participants.
type RoomStatus string

const (
	RoomFree  RoomStatus = "free"
	RoomInUse RoomStatus = "in_use"
)

// Room pairs one buyer and one seller (plus an overseeing moderator)
// for the duration of a single escrow trade.
type Room struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    RoomStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RoomSession binds a physical user to a role inside a room. A user
// identifier holds at most one room with a non-terminal transaction as its
// active room, and within a room at most one online session per trading role.
type RoomSession struct {
	ID                string    `json:"id"`
	RoomID            string    `json:"roomId"`
	Role              Role      `json:"role"`
	UserIdentifier    string    `json:"userIdentifier"`
	SessionToken      string    `json:"-"`
	DeviceFingerprint string    `json:"-"`
	IsOnline          bool      `json:"isOnline"`
	JoinedAt          time.Time `json:"joinedAt"`
	LastSeen          time.Time `json:"lastSeen"`
	OfflineAt         time.Time `json:"offlineAt,omitempty"`
}

// RoomInvitation is a time-boxed, PIN-protected offer for a specific email
// to join a specific room in a specific role.
type RoomInvitation struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"roomId"`
	Inviter        string    `json:"inviter"`
	InviteeEmail   string    `json:"inviteeEmail"`
	EncryptedToken string    `json:"-"`
	PinHash        string    `json:"-"`
	Role           Role      `json:"role"`
	ExpiresAt      time.Time `json:"expiresAt"`
	PinAttempts    int       `json:"pinAttempts"`
	PinLockedUntil time.Time `json:"pinLockedUntil,omitempty"`
	AcceptedAt     time.Time `json:"acceptedAt,omitempty"`
	AcceptedBy     string    `json:"acceptedBy,omitempty"`
	AcceptedIP     string    `json:"-"`
	AcceptedUA     string    `json:"-"`
	JoinedAt       time.Time `json:"joinedAt,omitempty"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Expired reports whether the invitation TTL has passed at the given instant.
func (inv RoomInvitation) Expired(now time.Time) bool {
	return !inv.ExpiresAt.IsZero() && now.After(inv.ExpiresAt)
}

// MessageKind classifies room events.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindSystem   MessageKind = "system"
	KindActivity MessageKind = "activity"
	KindTyping   MessageKind = "typing"
)

// RoomMessage is one append-only room event. Ordering within a room follows
// the monotonically increasing Seq.
type RoomMessage struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	RoomID     string            `json:"roomId"`
	SenderRole Role              `json:"senderRole"`
	SenderName string            `json:"senderName"`
	Body       string            `json:"body"`
	Kind       MessageKind       `json:"kind"`
	Data       map[string]string `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// TransactionStatus is the escrow lifecycle state of a trade.
type TransactionStatus string

const (
	StatusPendingPayment        TransactionStatus = "pending_payment"
	StatusAwaitingPaymentVerif  TransactionStatus = "awaiting_payment_verification"
	StatusPaid                  TransactionStatus = "paid"
	StatusAwaitingShippingVerif TransactionStatus = "awaiting_shipping_verification"
	StatusShipped               TransactionStatus = "shipped"
	StatusDelivered             TransactionStatus = "delivered"
	StatusCompleted             TransactionStatus = "completed"
	StatusDisputed              TransactionStatus = "disputed"
	StatusCancelled             TransactionStatus = "cancelled"
	StatusRefunded              TransactionStatus = "refunded"
)

// Terminal reports whether the status ends the trade.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDisputed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Transaction is the escrow record for one room. One active transaction
// per room at a time.
type Transaction struct {
	ID       string            `json:"id"`
	RoomID   string            `json:"roomId"`
	BuyerID  string            `json:"buyerId"`
	SellerID string            `json:"sellerId"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   TransactionStatus `json:"status"`

	PaymentProofUploadedAt  time.Time `json:"paymentProofUploadedAt,omitempty"`
	PaymentProofUploadedBy  string    `json:"paymentProofUploadedBy,omitempty"`
	PaymentVerifiedAt       time.Time `json:"paymentVerifiedAt,omitempty"`
	PaymentVerifiedBy       string    `json:"paymentVerifiedBy,omitempty"`
	PaymentRejectionReason  string    `json:"paymentRejectionReason,omitempty"`
	ShippingUploadedAt      time.Time `json:"shippingUploadedAt,omitempty"`
	ShippingUploadedBy      string    `json:"shippingUploadedBy,omitempty"`
	ShippingVerifiedAt      time.Time `json:"shippingVerifiedAt,omitempty"`
	ShippingVerifiedBy      string    `json:"shippingVerifiedBy,omitempty"`
	ShippingRejectionReason string    `json:"shippingRejectionReason,omitempty"`
	DeliveredAt             time.Time `json:"deliveredAt,omitempty"`
	FundsReleasedAt         time.Time `json:"fundsReleasedAt,omitempty"`
	FundsReleasedBy         string    `json:"fundsReleasedBy,omitempty"`
	DisputeReason           string    `json:"disputeReason,omitempty"`
	GMNotes                 string    `json:"gmNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileType classifies escrow evidence files.
type FileType string

const (
	FilePaymentProof    FileType = "payment_proof"
	FileShippingReceipt FileType = "shipping_receipt"
)

// FileStatus is the verification state of one evidence file.
type FileStatus string

const (
	FilePending  FileStatus = "pending"
	FileVerified FileStatus = "verified"
	FileRejected FileStatus = "rejected"
)

// TransactionFile records one uploaded piece of evidence and its
// moderator decision.
type TransactionFile struct {
	ID              string     `json:"id"`
	TransactionID   string     `json:"transactionId"`
	FileType        FileType   `json:"fileType"`
	StorageKey      string     `json:"-"`
	UploadedBy      string     `json:"uploadedBy"`
	Status          FileStatus `json:"status"`
	VerifiedBy      string     `json:"verifiedBy,omitempty"`
	VerifiedAt      time.Time  `json:"verifiedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}
