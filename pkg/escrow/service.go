package escrow

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/pkg/store"
)

// EventPublisher receives transaction and file-verification updates for
// fan-out to room members. Optional; a nil publisher drops the events.
type EventPublisher interface {
	PublishTransaction(roomID string, tx domain.Transaction)
	PublishFileVerification(roomID string, tx domain.Transaction, f domain.TransactionFile)
}

// Service applies escrow transitions against the store. Every status write
// is a compare-and-swap guarded by the expected current status, so two
// concurrent mutations cannot both land; the loser reports a state
// violation.
type Service struct {
	store  store.Store
	events EventPublisher
	now    func() time.Time
	logger *slog.Logger
}

// ServiceConfig wires Service dependencies.
type ServiceConfig struct {
	Store  store.Store
	Events EventPublisher
	Now    func() time.Time
	Logger *slog.Logger
}

// NewService constructs the escrow service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("escrow store required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: cfg.Store, events: cfg.Events, now: now, logger: logger}, nil
}

// CreateTransaction opens the escrow record for a room in pending_payment.
func (s *Service) CreateTransaction(roomID, buyerID, sellerID string, amount int64, currency string) (domain.Transaction, error) {
	if _, active, err := s.store.GetActiveTransactionByRoom(roomID); err != nil {
		return domain.Transaction{}, fmt.Errorf("check active transaction: %w", err)
	} else if active {
		return domain.Transaction{}, fmt.Errorf("%w: room already has an active transaction", ErrTransactionStateViolation)
	}
	now := s.now().UTC()
	tx := domain.Transaction{
		ID:        util.NewID(),
		RoomID:    roomID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    amount,
		Currency:  currency,
		Status:    domain.StatusPendingPayment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveTransaction(tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("save transaction: %w", err)
	}
	return tx, nil
}

// UploadPaymentProof records the buyer's evidence and moves the transaction
// to awaiting_payment_verification.
func (s *Service) UploadPaymentProof(txID, uploadedBy, storageKey string) (domain.Transaction, domain.TransactionFile, error) {
	tx, err := s.get(txID)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, err
	}
	now := s.now().UTC()
	tx.PaymentProofUploadedAt = now
	tx.PaymentProofUploadedBy = uploadedBy
	tx.PaymentRejectionReason = ""
	tx, err = s.apply(tx, domain.StatusPendingPayment, domain.StatusAwaitingPaymentVerif)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, err
	}
	file, err := s.recordFile(tx, domain.FilePaymentProof, uploadedBy, storageKey)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, err
	}
	return tx, file, nil
}

// UploadShippingReceipt records the seller's evidence and moves the
// transaction to awaiting_shipping_verification.
func (s *Service) UploadShippingReceipt(txID, uploadedBy, storageKey string) (domain.Transaction, domain.TransactionFile, error) {
	tx, err := s.get(txID)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, err
	}
	now := s.now().UTC()
	tx.ShippingUploadedAt = now
	tx.ShippingUploadedBy = uploadedBy
	tx.ShippingRejectionReason = ""
	tx, err = s.apply(tx, domain.StatusPaid, domain.StatusAwaitingShippingVerif)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, err
	}
	file, err := s.recordFile(tx, domain.FileShippingReceipt, uploadedBy, storageKey)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, err
	}
	return tx, file, nil
}

// VerifyFile resolves a pending evidence file. Approval advances the
// transaction; rejection reverts it to the state before the upload and
// records the reason.
func (s *Service) VerifyFile(txID, fileID, moderator string, approve bool, reason string) (domain.Transaction, domain.TransactionFile, error) {
	tx, err := s.get(txID)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, err
	}
	file, ok, err := s.store.GetTransactionFile(fileID)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, fmt.Errorf("get file: %w", err)
	}
	if !ok || file.TransactionID != tx.ID {
		return domain.Transaction{}, domain.TransactionFile{}, ErrFileNotFound
	}
	if file.Status != domain.FilePending {
		return domain.Transaction{}, domain.TransactionFile{}, fmt.Errorf(
			"%w: file already %s", ErrFileStateViolation, file.Status)
	}

	now := s.now().UTC()
	file.VerifiedBy = moderator
	file.VerifiedAt = now
	if approve {
		file.Status = domain.FileVerified
	} else {
		file.Status = domain.FileRejected
		file.RejectionReason = reason
	}
	applied, err := s.store.UpdateFileIfStatus(file, domain.FilePending)
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, fmt.Errorf("update file: %w", err)
	}
	if !applied {
		return domain.Transaction{}, domain.TransactionFile{}, fmt.Errorf(
			"%w: file already resolved", ErrFileStateViolation)
	}

	switch file.FileType {
	case domain.FilePaymentProof:
		if approve {
			tx.PaymentVerifiedAt = now
			tx.PaymentVerifiedBy = moderator
			tx, err = s.apply(tx, domain.StatusAwaitingPaymentVerif, domain.StatusPaid)
		} else {
			tx.PaymentRejectionReason = reason
			tx, err = s.apply(tx, domain.StatusAwaitingPaymentVerif, domain.StatusPendingPayment)
		}
	case domain.FileShippingReceipt:
		if approve {
			tx.ShippingVerifiedAt = now
			tx.ShippingVerifiedBy = moderator
			tx, err = s.apply(tx, domain.StatusAwaitingShippingVerif, domain.StatusShipped)
		} else {
			tx.ShippingRejectionReason = reason
			tx, err = s.apply(tx, domain.StatusAwaitingShippingVerif, domain.StatusPaid)
		}
	default:
		err = fmt.Errorf("%w: unknown file type %q", ErrFileStateViolation, file.FileType)
	}
	if err != nil {
		return domain.Transaction{}, domain.TransactionFile{}, err
	}
	if s.events != nil {
		s.events.PublishFileVerification(tx.RoomID, tx, file)
	}
	return tx, file, nil
}

// ConfirmReceipt is the buyer acknowledging delivery.
func (s *Service) ConfirmReceipt(txID, buyer string) (domain.Transaction, error) {
	tx, err := s.get(txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx.DeliveredAt = s.now().UTC()
	return s.apply(tx, domain.StatusShipped, domain.StatusDelivered)
}

// ReleaseFunds completes the trade. Irreversible.
func (s *Service) ReleaseFunds(txID, moderator string) (domain.Transaction, error) {
	tx, err := s.get(txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx.FundsReleasedAt = s.now().UTC()
	tx.FundsReleasedBy = moderator
	return s.apply(tx, domain.StatusDelivered, domain.StatusCompleted)
}

// Dispute moves the transaction to the terminal disputed state. A reason is
// required; resolution is out of scope here.
func (s *Service) Dispute(txID, raisedBy, reason string) (domain.Transaction, error) {
	if reason == "" {
		return domain.Transaction{}, ErrDisputeReasonRequired
	}
	tx, err := s.get(txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !CanTransition(tx.Status, domain.StatusDisputed) {
		return domain.Transaction{}, fmt.Errorf(
			"%w: cannot dispute from %s", ErrTransactionStateViolation, tx.Status)
	}
	tx.DisputeReason = reason
	return s.apply(tx, tx.Status, domain.StatusDisputed)
}

// Cancel terminates the trade from any non-terminal state.
func (s *Service) Cancel(txID, cancelledBy, note string) (domain.Transaction, error) {
	tx, err := s.get(txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if note != "" {
		tx.GMNotes = note
	}
	return s.apply(tx, tx.Status, domain.StatusCancelled)
}

// Refund terminates the trade with funds returned to the buyer.
func (s *Service) Refund(txID, moderator string) (domain.Transaction, error) {
	tx, err := s.get(txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx.FundsReleasedAt = s.now().UTC()
	tx.FundsReleasedBy = moderator
	return s.apply(tx, tx.Status, domain.StatusRefunded)
}

// View is the transaction projection served to clients.
type View struct {
	Transaction domain.Transaction       `json:"transaction"`
	Progress    int                      `json:"progressPercentage"`
	Action      Action                   `json:"currentAction"`
	Files       []domain.TransactionFile `json:"files"`
}

// Projection returns the transaction with its derived progress and
// next-action hint.
func (s *Service) Projection(txID string) (View, error) {
	tx, err := s.get(txID)
	if err != nil {
		return View{}, err
	}
	files, err := s.store.ListTransactionFiles(tx.ID)
	if err != nil {
		return View{}, fmt.Errorf("list files: %w", err)
	}
	return View{
		Transaction: tx,
		Progress:    ProgressPercentage(tx.Status),
		Action:      CurrentAction(tx.Status),
		Files:       files,
	}, nil
}

func (s *Service) get(txID string) (domain.Transaction, error) {
	tx, ok, err := s.store.GetTransaction(txID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	if !ok {
		return domain.Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

// apply validates the edge, CAS-writes the new status, and publishes the
// update. The persistence write happens before any event fan-out so the
// in-memory transport never sees state the store does not hold.
func (s *Service) apply(tx domain.Transaction, from, to domain.TransactionStatus) (domain.Transaction, error) {
	if tx.Status != from {
		return domain.Transaction{}, fmt.Errorf(
			"%w: expected %s, found %s", ErrTransactionStateViolation, from, tx.Status)
	}
	if !CanTransition(from, to) {
		return domain.Transaction{}, fmt.Errorf(
			"%w: %s -> %s not allowed", ErrTransactionStateViolation, from, to)
	}
	tx.Status = to
	tx.UpdatedAt = s.now().UTC()
	applied, err := s.store.UpdateTransactionIfStatus(tx, from)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}
	if !applied {
		return domain.Transaction{}, fmt.Errorf(
			"%w: concurrent update from %s", ErrTransactionStateViolation, from)
	}
	s.logger.Info("transaction transition",
		"transaction_id", tx.ID, "room_id", tx.RoomID,
		"from", string(from), "to", string(to))
	if s.events != nil {
		s.events.PublishTransaction(tx.RoomID, tx)
	}
	return tx, nil
}

func (s *Service) recordFile(tx domain.Transaction, fileType domain.FileType, uploadedBy, storageKey string) (domain.TransactionFile, error) {
	file := domain.TransactionFile{
		ID:            util.NewID(),
		TransactionID: tx.ID,
		FileType:      fileType,
		StorageKey:    storageKey,
		UploadedBy:    uploadedBy,
		Status:        domain.FilePending,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.SaveTransactionFile(file); err != nil {
		return domain.TransactionFile{}, fmt.Errorf("save file: %w", err)
	}
	return file, nil
}
