package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reverse posts the full amount of a transfer back from its destination to
// its source. The reversal carries no parent link.
func (s *Service) Reverse(ctx context.Context, in ReverseInput) (Transfer, error) {
	started := time.Now()
	var (
		posting  PostInput
		transfer Transfer
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetTransferByReference(ctx, in.Reference)
		if err != nil {
			return err
		}
		posting = PostInput{
			SourceID:          original.DestinationID,
			DestinationID:     original.SourceID,
			Amount:            original.Amount,
			Actor:             in.Actor,
			MerchantReference: in.MerchantReference,
			Description:       in.Description,
		}
		transfer, err = s.post(ctx, tx, posting)
		return err
	})
	err = classify("reverse", err)
	s.observe(ctx, "reverse", posting, transfer, err, started)
	if err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

// Refund returns part of a transfer to its source, capped by MaxRefund.
func (s *Service) Refund(ctx context.Context, in RefundInput) (Transfer, error) {
	started := time.Now()
	posting := PostInput{Amount: in.Amount, Actor: in.Actor, MerchantReference: in.MerchantReference, Description: in.Description}
	var transfer Transfer
	err := ValidateAmount(in.Amount)
	if err == nil {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			original, err := tx.GetTransferByReference(ctx, in.Reference)
			if err != nil {
				return err
			}
			posting.SourceID = original.DestinationID
			posting.DestinationID = original.SourceID
			posting.ParentID = &original.ID
			// Lock before reading the cap so concurrent refunds serialise.
			if _, err := tx.LockAccounts(ctx, original.SourceID, original.DestinationID); err != nil {
				return err
			}
			remaining, err := maxRefund(ctx, tx, original)
			if err != nil {
				return err
			}
			if in.Amount.GreaterThan(remaining) {
				return fmt.Errorf("%w: requested %s, refundable %s", ErrRefundExceedsCap, formatAmount(in.Amount), formatAmount(remaining))
			}
			transfer, err = s.post(ctx, tx, posting)
			return err
		})
		err = classify("refund", err)
	}
	s.observe(ctx, "refund", posting, transfer, err, started)
	if err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

// MaxRefund returns how much of the transfer can still be refunded.
func (s *Service) MaxRefund(ctx context.Context, reference string) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetTransferByReference(ctx, reference)
		if err != nil {
			return err
		}
		remaining, err = maxRefund(ctx, tx, original)
		return err
	})
	if err != nil {
		return decimal.Zero, classify("max refund", err)
	}
	return remaining, nil
}

// maxRefund subtracts direct children flowing back out of the original
// destination. Grandchildren are not counted.
func maxRefund(ctx context.Context, tx TxRepository, original Transfer) (decimal.Decimal, error) {
	refunded, err := tx.SumChildTransfers(ctx, original.ID, original.DestinationID)
	if err != nil {
		return decimal.Zero, err
	}
	return original.Amount.Sub(refunded), nil
}
