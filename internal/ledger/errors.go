package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount indicates a non-positive or malformed amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrSameAccount indicates source and destination are identical.
	ErrSameAccount = errors.New("ledger: source and destination must differ")
	// ErrClosedAccount indicates an account that is not open.
	ErrClosedAccount = errors.New("ledger: account is not open")
	// ErrNotAuthorized indicates the actor may not debit the source account.
	ErrNotAuthorized = errors.New("ledger: user not authorised to debit account")
	// ErrInsufficientFunds indicates the debit would breach the credit limit.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrAccountNotEmpty indicates a close attempt on a non-zero balance.
	ErrAccountNotEmpty = errors.New("ledger: account balance is not zero")
	// ErrRefundExceedsCap indicates a refund above the remaining refundable amount.
	ErrRefundExceedsCap = errors.New("ledger: refund exceeds refundable amount")
	// ErrAmountTooLow indicates an initial load below the configured minimum.
	ErrAmountTooLow = errors.New("ledger: amount below minimum load value")
	// ErrAmountTooHigh indicates an initial load above the configured maximum.
	ErrAmountTooHigh = errors.New("ledger: amount above maximum account value")
	// ErrInvalidAccount indicates malformed account attributes.
	ErrInvalidAccount = errors.New("ledger: invalid account")
	// ErrInvalidTransfer indicates malformed transfer attributes.
	ErrInvalidTransfer = errors.New("ledger: invalid transfer")
	// ErrDuplicateAccount indicates a code or name already in use.
	ErrDuplicateAccount = errors.New("ledger: account code or name already exists")
	// ErrAccountNotFound indicates a missing account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrTransferNotFound indicates a missing transfer.
	ErrTransferNotFound = errors.New("ledger: transfer not found")
	// ErrUnexpected wraps storage and infrastructure failures.
	ErrUnexpected = errors.New("ledger: unexpected error")
)

var domainErrors = []error{
	ErrInvalidAmount,
	ErrSameAccount,
	ErrClosedAccount,
	ErrNotAuthorized,
	ErrInsufficientFunds,
	ErrAccountNotEmpty,
	ErrRefundExceedsCap,
	ErrAmountTooLow,
	ErrAmountTooHigh,
	ErrInvalidAccount,
	ErrInvalidTransfer,
	ErrDuplicateAccount,
	ErrAccountNotFound,
	ErrTransferNotFound,
	ErrUnexpected,
}

// classify passes domain errors through and wraps anything else as ErrUnexpected.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrUnexpected, op, err)
}

// ReasonCode maps ledger errors to stable machine-readable codes.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrSameAccount):
		return "same_account"
	case errors.Is(err, ErrClosedAccount):
		return "account_inactive"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAccountNotEmpty):
		return "account_not_empty"
	case errors.Is(err, ErrRefundExceedsCap):
		return "refund_exceeds_cap"
	case errors.Is(err, ErrAmountTooLow):
		return "amount_too_low"
	case errors.Is(err, ErrAmountTooHigh):
		return "amount_too_high"
	case errors.Is(err, ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, ErrInvalidTransfer):
		return "invalid_transfer"
	case errors.Is(err, ErrDuplicateAccount):
		return "duplicate_account"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrTransferNotFound):
		return "transfer_not_found"
	default:
		return "unexpected"
	}
}
