package escrow

import (
	"errors"

	"dealroom/pkg/domain"
)

var (
	// ErrTransactionStateViolation is returned for a transition that is not
	// legal from the transaction's current status. It is always reported,
	// never silently repaired.
	ErrTransactionStateViolation = errors.New("transaction state violation")

	// ErrFileStateViolation is returned when verifying or rejecting an
	// already-resolved evidence file.
	ErrFileStateViolation = errors.New("file state violation")

	// ErrDisputeReasonRequired is returned when a dispute is raised without
	// a reason.
	ErrDisputeReasonRequired = errors.New("dispute reason required")

	// ErrTransactionNotFound is returned for unknown transaction IDs.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrFileNotFound is returned for unknown evidence file IDs.
	ErrFileNotFound = errors.New("file not found")
)

// happyPath orders the linear lifecycle used for forward transitions and the
// progress projection.
var happyPath = []domain.TransactionStatus{
	domain.StatusPendingPayment,
	domain.StatusAwaitingPaymentVerif,
	domain.StatusPaid,
	domain.StatusAwaitingShippingVerif,
	domain.StatusShipped,
	domain.StatusDelivered,
	domain.StatusCompleted,
}

// transitions lists every legal edge, including the verification reverts.
var transitions = map[domain.TransactionStatus][]domain.TransactionStatus{
	domain.StatusPendingPayment:        {domain.StatusAwaitingPaymentVerif},
	domain.StatusAwaitingPaymentVerif:  {domain.StatusPaid, domain.StatusPendingPayment},
	domain.StatusPaid:                  {domain.StatusAwaitingShippingVerif},
	domain.StatusAwaitingShippingVerif: {domain.StatusShipped, domain.StatusPaid},
	domain.StatusShipped:               {domain.StatusDelivered},
	domain.StatusDelivered:             {domain.StatusCompleted},
}

// disputable lists the statuses from which either party may raise a dispute.
var disputable = map[domain.TransactionStatus]bool{
	domain.StatusAwaitingPaymentVerif:  true,
	domain.StatusPaid:                  true,
	domain.StatusAwaitingShippingVerif: true,
	domain.StatusShipped:               true,
}

// CanTransition reports whether moving from one status to another is legal.
// Cancellation and refund are reachable from any non-terminal state; dispute
// additionally requires a disputable status.
func CanTransition(from, to domain.TransactionStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case domain.StatusCancelled, domain.StatusRefunded:
		return true
	case domain.StatusDisputed:
		return disputable[from]
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProgressPercentage projects the status onto a 0-100 scale. It is
// non-decreasing along the happy path; refunded reports full progress like
// completed, disputed holds at the midpoint, cancelled at zero.
func ProgressPercentage(status domain.TransactionStatus) int {
	switch status {
	case domain.StatusRefunded:
		return 100
	case domain.StatusDisputed:
		return 50
	case domain.StatusCancelled:
		return 0
	}
	for i, s := range happyPath {
		if s == status {
			return i * 100 / (len(happyPath) - 1)
		}
	}
	return 0
}

// Action describes whose turn it is and what unblocks progress. It is a
// pure projection of the current status.
type Action struct {
	Text       string                   `json:"text"`
	RequiredBy domain.Role              `json:"requiredBy,omitempty"`
	NextStatus domain.TransactionStatus `json:"nextStatus,omitempty"`
}

// CurrentAction returns the next-action hint for the status.
func CurrentAction(status domain.TransactionStatus) Action {
	switch status {
	case domain.StatusPendingPayment:
		return Action{
			Text:       "Buyer uploads payment proof",
			RequiredBy: domain.RoleBuyer,
			NextStatus: domain.StatusAwaitingPaymentVerif,
		}
	case domain.StatusAwaitingPaymentVerif:
		return Action{
			Text:       "Moderator verifies payment proof",
			RequiredBy: domain.RoleModerator,
			NextStatus: domain.StatusPaid,
		}
	case domain.StatusPaid:
		return Action{
			Text:       "Seller uploads shipping receipt",
			RequiredBy: domain.RoleSeller,
			NextStatus: domain.StatusAwaitingShippingVerif,
		}
	case domain.StatusAwaitingShippingVerif:
		return Action{
			Text:       "Moderator verifies shipping receipt",
			RequiredBy: domain.RoleModerator,
			NextStatus: domain.StatusShipped,
		}
	case domain.StatusShipped:
		return Action{
			Text:       "Buyer confirms receipt of goods",
			RequiredBy: domain.RoleBuyer,
			NextStatus: domain.StatusDelivered,
		}
	case domain.StatusDelivered:
		return Action{
			Text:       "Moderator releases funds",
			RequiredBy: domain.RoleModerator,
			NextStatus: domain.StatusCompleted,
		}
	case domain.StatusCompleted:
		return Action{Text: "Trade completed"}
	case domain.StatusDisputed:
		return Action{Text: "Dispute under review", RequiredBy: domain.RoleModerator}
	case domain.StatusCancelled:
		return Action{Text: "Trade cancelled"}
	case domain.StatusRefunded:
		return Action{Text: "Trade refunded"}
	}
	return Action{}
}
