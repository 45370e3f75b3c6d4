package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-accounts/internal/shared"
)

// SweepDescription is attached to every transfer created by the expiry sweep.
const SweepDescription = "Closing account"

// SweepExpired moves the balance of every open account past its end date to
// the lapsed account and closes it. Each account runs in its own
// transaction; one failure does not stop the run. When ctx is cancelled the
// partial report is returned with the context error.
func (s *Service) SweepExpired(ctx context.Context, in SweepInput) (SweepReport, error) {
	now := in.Now
	if now.IsZero() {
		now = s.now()
	}
	report := SweepReport{RunID: uuid.NewString(), StartedAt: now}
	if in.LapsedAccountID == 0 {
		return report, fmt.Errorf("%w: lapsed account required", ErrInvalidAccount)
	}
	var ids []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.ListExpiredAccountIDs(ctx, now)
		return err
	})
	if err != nil {
		return report, classify("list expired accounts", err)
	}
	logger := s.logger.With(slog.String("run_id", report.RunID))
	logger.Info("ledger expiry sweep started", slog.Int("candidates", len(ids)))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = s.now()
			logger.Warn("ledger expiry sweep interrupted", slog.Int("processed", len(report.Results)), slog.Any("error", err))
			return report, err
		}
		if id == in.LapsedAccountID {
			continue
		}
		result := s.sweepAccount(ctx, id, in.LapsedAccountID, now)
		report.Results = append(report.Results, result)
		switch {
		case result.Err != nil:
			report.Failed++
			logger.Error("ledger expiry sweep account failed", slog.Int64("account_id", id), slog.String("reason", ReasonCode(result.Err)), slog.Any("error", result.Err))
		case result.Skipped:
			report.Skipped++
		default:
			report.Closed++
			logger.Info("ledger account expired", slog.Int64("account_id", id), slog.String("amount", formatAmount(result.Amount)), slog.String("reference", result.Reference))
		}
	}
	report.FinishedAt = s.now()
	logger.Info("ledger expiry sweep finished", slog.Int("closed", report.Closed), slog.Int("skipped", report.Skipped), slog.Int("failed", report.Failed))
	return report, nil
}

func (s *Service) sweepAccount(ctx context.Context, accountID, lapsedID int64, now time.Time) SweepResult {
	result := SweepResult{AccountID: accountID}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockAccounts(ctx, accountID, lapsedID)
		if err != nil {
			return err
		}
		account := locked[accountID]
		result.Code = account.Code
		// Another caller may have closed or extended the account since listing.
		if !account.IsOpen() || !account.IsExpired(now) {
			result.Skipped = true
			return nil
		}
		if account.Balance.IsPositive() {
			transfer, err := s.post(ctx, tx, PostInput{
				SourceID:      accountID,
				DestinationID: lapsedID,
				Amount:        account.Balance,
				Description:   SweepDescription,
			})
			if err != nil {
				return err
			}
			result.Amount = transfer.Amount
			result.Reference = transfer.Reference
		} else if account.Balance.IsNegative() {
			return fmt.Errorf("%w: expired account %d has negative balance %s", ErrInvalidAmount, accountID, formatAmount(account.Balance))
		}
		if err := tx.UpdateAccountStatus(ctx, accountID, AccountStatusClosed); err != nil {
			return err
		}
		result.Closed = true
		return nil
	})
	if err != nil {
		return SweepResult{AccountID: accountID, Code: result.Code, Err: classify("sweep account", err)}
	}
	if result.Closed {
		meta := map[string]any{"amount": formatAmount(result.Amount), "lapsed_account_id": lapsedID}
		if result.Reference != "" {
			meta["reference"] = result.Reference
		}
		s.record(ctx, shared.AuditLog{
			Action:   "account.expire",
			Entity:   "account",
			EntityID: strconv.FormatInt(accountID, 10),
			Meta:     meta,
		})
	}
	return result
}
