package ledger

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus enumerates account lifecycle values.
type AccountStatus string

const (
	AccountStatusOpen   AccountStatus = "OPEN"
	AccountStatusFrozen AccountStatus = "FROZEN"
	AccountStatusClosed AccountStatus = "CLOSED"
)

// Account holds a managed balance. A nil CreditLimit means the account may go
// negative without bound; a zero limit means it can never go below zero.
type Account struct {
	ID               int64
	Code             string
	Name             string
	Description      string
	Status           AccountStatus
	CreditLimit      *decimal.Decimal
	Balance          decimal.Decimal
	StartDate        *time.Time
	EndDate          *time.Time
	PrimaryUserID    *int64
	SecondaryUserIDs []int64
	CreatedAt        time.Time
}

// IsOpen reports whether the account accepts postings.
func (a Account) IsOpen() bool { return a.Status == AccountStatusOpen }

// IsFrozen reports whether the account is temporarily suspended.
func (a Account) IsFrozen() bool { return a.Status == AccountStatusFrozen }

// IsClosed reports whether the account reached its terminal state.
func (a Account) IsClosed() bool { return a.Status == AccountStatusClosed }

// IsActive reports whether now falls inside [start, end) of the account's date window.
func (a Account) IsActive(now time.Time) bool {
	if a.StartDate != nil && now.Before(*a.StartDate) {
		return false
	}
	if a.EndDate != nil && !now.Before(*a.EndDate) {
		return false
	}
	return true
}

// IsExpired reports whether the end date has passed.
func (a Account) IsExpired(now time.Time) bool {
	return a.EndDate != nil && a.EndDate.Before(now)
}

// AmountAvailable returns balance plus credit limit. The boolean is false for
// accounts without a limit.
func (a Account) AmountAvailable() (decimal.Decimal, bool) {
	if a.CreditLimit == nil {
		return decimal.Zero, false
	}
	return a.Balance.Add(*a.CreditLimit), true
}

// IsDebitPermitted reports whether amount can be taken from the account
// without breaching its credit limit.
func (a Account) IsDebitPermitted(amount decimal.Decimal) bool {
	available, limited := a.AmountAvailable()
	if !limited {
		return true
	}
	return amount.LessThanOrEqual(available)
}

// HasUsers reports whether any user is attached to the account.
func (a Account) HasUsers() bool {
	return a.PrimaryUserID != nil || len(a.SecondaryUserIDs) > 0
}

// CanBeAuthorisedBy reports whether userID may debit the account. A primary
// user is the only authoriser when set; otherwise any secondary user is.
// Accounts without users accept any caller.
func (a Account) CanBeAuthorisedBy(userID int64) bool {
	if !a.HasUsers() {
		return true
	}
	if a.PrimaryUserID != nil {
		return *a.PrimaryUserID == userID
	}
	for _, id := range a.SecondaryUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// DaysRemaining returns whole days until the end date, floored at zero.
func (a Account) DaysRemaining(now time.Time) (int, bool) {
	if a.EndDate == nil {
		return 0, false
	}
	if !a.EndDate.After(now) {
		return 0, true
	}
	return int(math.Floor(a.EndDate.Sub(now).Hours() / 24)), true
}

// Transfer moves Amount from SourceID to DestinationID. Transfers are never
// updated after the reference is assigned.
type Transfer struct {
	ID                int64
	Reference         string
	SourceID          int64
	DestinationID     int64
	Amount            decimal.Decimal
	ParentID          *int64
	MerchantReference string
	Description       string
	UserID            *int64
	Username          string
	CreatedAt         time.Time
	Entries           []Entry
}

// Entry is one signed leg of a transfer.
type Entry struct {
	ID         int64
	TransferID int64
	AccountID  int64
	Amount     decimal.Decimal
	CreatedAt  time.Time
}

// Actor identifies the user authorising an operation.
type Actor struct {
	ID       int64
	Username string
}

func (a *Actor) userID() *int64 {
	if a == nil {
		return nil
	}
	id := a.ID
	return &id
}

func (a *Actor) auditID() int64 {
	if a == nil {
		return 0
	}
	return a.ID
}

func (a *Actor) username() string {
	if a == nil {
		return ""
	}
	return a.Username
}

// PostInput describes a single transfer request.
type PostInput struct {
	SourceID          int64
	DestinationID     int64
	Amount            decimal.Decimal
	ParentID          *int64
	Actor             *Actor
	MerchantReference string `validate:"max=128"`
	Description       string `validate:"max=256"`
}

// ReverseInput identifies the transfer to undo in full.
type ReverseInput struct {
	Reference         string
	Actor             *Actor
	MerchantReference string
	Description       string
}

// RefundInput requests a partial return of a prior transfer.
type RefundInput struct {
	Reference         string
	Amount            decimal.Decimal
	Actor             *Actor
	MerchantReference string
	Description       string
}

// OpenAccountInput groups the fields needed to create an account.
type OpenAccountInput struct {
	Name             string `validate:"max=128"`
	Code             string `validate:"omitempty,alphanum,max=128"`
	Description      string `validate:"max=2048"`
	CreditLimit      *decimal.Decimal
	StartDate        *time.Time
	EndDate          *time.Time
	PrimaryUserID    *int64
	SecondaryUserIDs []int64 `validate:"dive,gt=0"`
	FundingAccountID int64
	InitialAmount    decimal.Decimal
	Actor            *Actor
}

// SweepInput configures one expiry sweep run.
type SweepInput struct {
	Now             time.Time
	LapsedAccountID int64
}

// SweepResult records what happened to one expired account.
type SweepResult struct {
	AccountID int64
	Code      string
	Amount    decimal.Decimal
	Reference string
	Closed    bool
	Skipped   bool
	Err       error
}

// SweepReport summarises a sweep run.
type SweepReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []SweepResult
	Closed     int
	Skipped    int
	Failed     int
}
