package ledger

import (
	"errors"
	"time"
)

// Withdrawal request states. A request leaves pending exactly once.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

var (
	// ErrRequestNotFound is returned for unknown withdrawal request ids.
	ErrRequestNotFound = errors.New("withdrawal request not found")

	// ErrRequestClosed is returned when a request was already accepted or
	// rejected.
	ErrRequestClosed = errors.New("withdrawal request already processed")
)

// WithdrawalRequest is a user-signed ask to withdraw, recorded before the
// admin executes it. It lives next to the balances so execution and the
// status change commit together.
type WithdrawalRequest struct {
	ID          string
	User        string
	Asset       string
	Amount      int64
	Status      string
	Reason      string
	Nonce       *uint64
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Pending reports whether the request can still be executed or rejected.
func (r WithdrawalRequest) Pending() bool {
	return r.Status == RequestPending
}

// Close moves a pending request to status. nonce is set for accepted
// requests.
func (r *WithdrawalRequest) Close(status, reason string, nonce *uint64, at time.Time) error {
	if !r.Pending() {
		return ErrRequestClosed
	}
	r.Status, r.Reason, r.Nonce = status, reason, nonce
	t := at.UTC()
	r.ProcessedAt = &t
	return nil
}
