package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-accounts/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PostingObserver receives the outcome of every posting attempt.
type PostingObserver interface {
	ObservePosting(operation, outcome string, elapsed time.Duration)
}

// Config tunes account creation and code generation.
type Config struct {
	CodeLength      int
	CodeAlphabet    string
	MinLoadValue    decimal.Decimal
	MaxAccountValue decimal.Decimal
	LoadDescription string
}

// Service validates and commits transfers between managed-balance accounts.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	refs     Referencer
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
	metrics  PostingObserver
	now      func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, refs Referencer, cfg Config) *Service {
	if cfg.LoadDescription == "" {
		cfg.LoadDescription = "Load from bank"
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		refs:     refs,
		cfg:      cfg,
		validate: validator.New(),
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLogger replaces the default logger.
func (s *Service) WithLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// WithMetrics attaches a posting observer.
func (s *Service) WithMetrics(metrics PostingObserver) {
	s.metrics = metrics
}

// Post validates and commits a transfer of in.Amount from source to destination.
func (s *Service) Post(ctx context.Context, in PostInput) (Transfer, error) {
	started := time.Now()
	var transfer Transfer
	err := s.checkInput(in)
	if err == nil {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			transfer, err = s.post(ctx, tx, in)
			return err
		})
		err = classify("post", err)
	}
	s.observe(ctx, "post", in, transfer, err, started)
	if err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

// checkInput runs the validation steps that need no stored state.
func (s *Service) checkInput(in PostInput) error {
	if err := ValidateAmount(in.Amount); err != nil {
		return err
	}
	if in.SourceID == in.DestinationID {
		return ErrSameAccount
	}
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}
	return nil
}

// post locks both accounts, verifies the transfer against them and commits it.
func (s *Service) post(ctx context.Context, tx TxRepository, in PostInput) (Transfer, error) {
	if err := s.checkInput(in); err != nil {
		return Transfer{}, err
	}
	accounts, err := tx.LockAccounts(ctx, in.SourceID, in.DestinationID)
	if err != nil {
		return Transfer{}, err
	}
	source, destination := accounts[in.SourceID], accounts[in.DestinationID]
	if err := verify(source, destination, in); err != nil {
		return Transfer{}, err
	}
	return s.commit(ctx, tx, in)
}

// verify applies the stateful checks in order; the first failure wins.
func verify(source, destination Account, in PostInput) error {
	if !source.IsOpen() {
		return fmt.Errorf("%w: source %d is %s", ErrClosedAccount, source.ID, source.Status)
	}
	if in.Actor != nil && !source.CanBeAuthorisedBy(in.Actor.ID) {
		return fmt.Errorf("%w: user %d on account %d", ErrNotAuthorized, in.Actor.ID, source.ID)
	}
	if !destination.IsOpen() {
		return fmt.Errorf("%w: destination %d is %s", ErrClosedAccount, destination.ID, destination.Status)
	}
	if !source.IsDebitPermitted(in.Amount) {
		return fmt.Errorf("%w: account %d cannot be debited %s", ErrInsufficientFunds, source.ID, formatAmount(in.Amount))
	}
	return nil
}

func (s *Service) commit(ctx context.Context, tx TxRepository, in PostInput) (Transfer, error) {
	transfer, err := tx.InsertTransfer(ctx, Transfer{
		SourceID:          in.SourceID,
		DestinationID:     in.DestinationID,
		Amount:            in.Amount,
		ParentID:          in.ParentID,
		MerchantReference: in.MerchantReference,
		Description:       in.Description,
		UserID:            in.Actor.userID(),
		Username:          in.Actor.username(),
	})
	if err != nil {
		return Transfer{}, err
	}
	transfer.Reference = s.refs.Reference(transfer.ID)
	if err := tx.SetTransferReference(ctx, transfer.ID, transfer.Reference); err != nil {
		return Transfer{}, err
	}
	entries, err := tx.InsertEntries(ctx, []Entry{
		{TransferID: transfer.ID, AccountID: in.SourceID, Amount: in.Amount.Neg()},
		{TransferID: transfer.ID, AccountID: in.DestinationID, Amount: in.Amount},
	})
	if err != nil {
		return Transfer{}, err
	}
	transfer.Entries = entries
	for _, id := range []int64{in.SourceID, in.DestinationID} {
		if _, err := tx.RefreshBalance(ctx, id); err != nil {
			return Transfer{}, err
		}
	}
	return transfer, nil
}

// observe logs, measures and audits one posting attempt.
func (s *Service) observe(ctx context.Context, op string, in PostInput, transfer Transfer, err error, started time.Time) {
	attrs := []any{
		slog.String("operation", op),
		slog.String("amount", formatAmount(in.Amount)),
		slog.Int64("source_id", in.SourceID),
		slog.Int64("destination_id", in.DestinationID),
		slog.String("description", in.Description),
	}
	if in.Actor != nil {
		attrs = append(attrs, slog.Int64("user_id", in.Actor.ID), slog.String("username", in.Actor.Username))
	}
	if s.metrics != nil {
		s.metrics.ObservePosting(op, ReasonCode(err), time.Since(started))
	}
	switch {
	case err == nil:
		s.logger.Info("ledger transfer posted", append(attrs, slog.String("reference", transfer.Reference))...)
	case errors.Is(err, ErrUnexpected):
		s.logger.Error("ledger transfer failed", append(attrs, slog.Any("error", err))...)
		return
	default:
		s.logger.Warn("ledger transfer rejected", append(attrs, slog.String("reason", ReasonCode(err)), slog.Any("error", err))...)
		return
	}
	meta := map[string]any{
		"amount":         formatAmount(transfer.Amount),
		"source_id":      transfer.SourceID,
		"destination_id": transfer.DestinationID,
	}
	if transfer.ParentID != nil {
		meta["parent_id"] = *transfer.ParentID
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  in.Actor.auditID(),
		Action:   "transfer." + op,
		Entity:   "transfer",
		EntityID: transfer.Reference,
		Meta:     meta,
	})
}

// record writes an audit row after commit. Audit failures do not undo the
// ledger change.
func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	log.At = s.now()
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("ledger audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}

// AccountByID loads an account without locking it.
func (s *Service) AccountByID(ctx context.Context, id int64) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccount(ctx, id)
		return err
	})
	return account, classify("account by id", err)
}

// AccountByCode loads an account by its code, ignoring case.
func (s *Service) AccountByCode(ctx context.Context, code string) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccountByCode(ctx, normaliseCode(code))
		return err
	})
	return account, classify("account by code", err)
}

// AccountByName loads an account by its unique name.
func (s *Service) AccountByName(ctx context.Context, name string) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccountByName(ctx, name)
		return err
	})
	return account, classify("account by name", err)
}

// TransferByReference loads a transfer and its entries.
func (s *Service) TransferByReference(ctx context.Context, reference string) (Transfer, error) {
	var transfer Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		transfer, err = tx.GetTransferByReference(ctx, reference)
		return err
	})
	return transfer, classify("transfer by reference", err)
}

// GenerateCode returns an unused account code.
func (s *Service) GenerateCode(ctx context.Context) (string, error) {
	var code string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		code, err = NewCodeGenerator(tx, s.cfg.CodeLength, s.cfg.CodeAlphabet).Generate(ctx)
		return err
	})
	return code, classify("generate code", err)
}
