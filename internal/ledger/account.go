package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-accounts/internal/shared"
)

// OpenAccount creates an account and, when InitialAmount is set, loads it
// from the funding account in the same transaction.
func (s *Service) OpenAccount(ctx context.Context, in OpenAccountInput) (Account, error) {
	if err := s.checkOpenInput(in); err != nil {
		s.logger.Warn("ledger account rejected", slog.String("name", in.Name), slog.String("reason", ReasonCode(err)), slog.Any("error", err))
		return Account{}, err
	}
	var (
		account Account
		load    Transfer
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		code := normaliseCode(in.Code)
		if code == "" {
			generated, err := NewCodeGenerator(tx, s.cfg.CodeLength, s.cfg.CodeAlphabet).Generate(ctx)
			if err != nil {
				return err
			}
			code = generated
		} else {
			exists, err := tx.CodeExists(ctx, code)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: code %s", ErrDuplicateAccount, code)
			}
		}
		created, err := tx.InsertAccount(ctx, Account{
			Code:             code,
			Name:             strings.TrimSpace(in.Name),
			Description:      in.Description,
			Status:           AccountStatusOpen,
			CreditLimit:      in.CreditLimit,
			StartDate:        in.StartDate,
			EndDate:          in.EndDate,
			PrimaryUserID:    in.PrimaryUserID,
			SecondaryUserIDs: in.SecondaryUserIDs,
		})
		if err != nil {
			return err
		}
		if in.InitialAmount.IsPositive() {
			load, err = s.post(ctx, tx, PostInput{
				SourceID:      in.FundingAccountID,
				DestinationID: created.ID,
				Amount:        in.InitialAmount,
				Actor:         in.Actor,
				Description:   s.cfg.LoadDescription,
			})
			if err != nil {
				return err
			}
		}
		account, err = tx.GetAccount(ctx, created.ID)
		return err
	})
	if err != nil {
		err = classify("open account", err)
		s.logger.Warn("ledger account not opened", slog.String("name", in.Name), slog.String("reason", ReasonCode(err)), slog.Any("error", err))
		return Account{}, err
	}
	s.logger.Info("ledger account opened", slog.Int64("account_id", account.ID), slog.String("code", account.Code), slog.String("balance", formatAmount(account.Balance)))
	meta := map[string]any{"code": account.Code, "name": account.Name}
	if load.Reference != "" {
		meta["load_reference"] = load.Reference
		meta["load_amount"] = formatAmount(load.Amount)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  in.Actor.auditID(),
		Action:   "account.open",
		Entity:   "account",
		EntityID: strconv.FormatInt(account.ID, 10),
		Meta:     meta,
	})
	return account, nil
}

func (s *Service) checkOpenInput(in OpenAccountInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAccount, err)
	}
	if in.StartDate != nil && in.EndDate != nil && in.EndDate.Before(*in.StartDate) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidAccount)
	}
	if err := validateCreditLimit(in.CreditLimit); err != nil {
		return err
	}
	if in.InitialAmount.IsZero() {
		return nil
	}
	if err := ValidateAmount(in.InitialAmount); err != nil {
		return err
	}
	if in.FundingAccountID == 0 {
		return fmt.Errorf("%w: funding account required for initial load", ErrInvalidAccount)
	}
	if s.cfg.MinLoadValue.IsPositive() && in.InitialAmount.LessThan(s.cfg.MinLoadValue) {
		return fmt.Errorf("%w: minimum is %s", ErrAmountTooLow, formatAmount(s.cfg.MinLoadValue))
	}
	if s.cfg.MaxAccountValue.IsPositive() && in.InitialAmount.GreaterThan(s.cfg.MaxAccountValue) {
		return fmt.Errorf("%w: maximum is %s", ErrAmountTooHigh, formatAmount(s.cfg.MaxAccountValue))
	}
	return nil
}

// Close moves an empty account to its terminal state. Closing an already
// closed account is a no-op.
func (s *Service) Close(ctx context.Context, accountID int64, actor *Actor) (Account, error) {
	return s.transition(ctx, "account.close", accountID, actor, func(a Account) (AccountStatus, error) {
		if a.IsClosed() {
			return a.Status, nil
		}
		if !a.Balance.IsZero() {
			return "", fmt.Errorf("%w: balance %s", ErrAccountNotEmpty, formatAmount(a.Balance))
		}
		return AccountStatusClosed, nil
	})
}

// Freeze suspends postings on an open account.
func (s *Service) Freeze(ctx context.Context, accountID int64, actor *Actor) (Account, error) {
	return s.transition(ctx, "account.freeze", accountID, actor, func(a Account) (AccountStatus, error) {
		if a.IsClosed() {
			return "", fmt.Errorf("%w: account %d is closed", ErrClosedAccount, a.ID)
		}
		return AccountStatusFrozen, nil
	})
}

// Thaw reopens a frozen account.
func (s *Service) Thaw(ctx context.Context, accountID int64, actor *Actor) (Account, error) {
	return s.transition(ctx, "account.thaw", accountID, actor, func(a Account) (AccountStatus, error) {
		if a.IsClosed() {
			return "", fmt.Errorf("%w: account %d is closed", ErrClosedAccount, a.ID)
		}
		return AccountStatusOpen, nil
	})
}

func (s *Service) transition(ctx context.Context, action string, accountID int64, actor *Actor, next func(Account) (AccountStatus, error)) (Account, error) {
	var (
		account Account
		from    AccountStatus
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockAccounts(ctx, accountID)
		if err != nil {
			return err
		}
		account = locked[accountID]
		from = account.Status
		to, err := next(account)
		if err != nil {
			return err
		}
		if to == from {
			return nil
		}
		if err := tx.UpdateAccountStatus(ctx, accountID, to); err != nil {
			return err
		}
		account.Status = to
		return nil
	})
	if err != nil {
		err = classify(action, err)
		s.logger.Warn("ledger account transition rejected", slog.String("action", action), slog.Int64("account_id", accountID), slog.String("reason", ReasonCode(err)), slog.Any("error", err))
		return Account{}, err
	}
	if from != account.Status {
		s.logger.Info("ledger account transitioned", slog.String("action", action), slog.Int64("account_id", accountID), slog.String("from", string(from)), slog.String("to", string(account.Status)))
		s.record(ctx, shared.AuditLog{
			ActorID:  actor.auditID(),
			Action:   action,
			Entity:   "account",
			EntityID: strconv.FormatInt(accountID, 10),
			Meta:     map[string]any{"from": string(from), "to": string(account.Status)},
		})
	}
	return account, nil
}

func normaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

