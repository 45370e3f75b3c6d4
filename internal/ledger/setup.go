package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// CoreAccountNames names the system accounts every installation needs.
type CoreAccountNames struct {
	Bank         string
	UnpaidSource string
	Redemptions  string
	Lapsed       string
}

// DefaultCoreAccountNames returns names matching a gift card deployment.
func DefaultCoreAccountNames() CoreAccountNames {
	return CoreAccountNames{
		Bank:         "Bank",
		UnpaidSource: "Unpaid source",
		Redemptions:  "Giftcard redemptions",
		Lapsed:       "Lapsed Giftcards",
	}
}

// CoreAccounts holds the resolved system accounts.
type CoreAccounts struct {
	Bank         Account
	UnpaidSource Account
	Redemptions  Account
	Lapsed       Account
}

// EnsureCoreAccounts creates any missing system account by name. Bank and
// unpaid source have no credit limit; redemptions and lapsed cannot go
// negative.
func (s *Service) EnsureCoreAccounts(ctx context.Context, names CoreAccountNames) (CoreAccounts, error) {
	if names.Bank == "" || names.UnpaidSource == "" || names.Redemptions == "" || names.Lapsed == "" {
		return CoreAccounts{}, fmt.Errorf("%w: core account names required", ErrInvalidAccount)
	}
	zero := decimal.Zero
	var core CoreAccounts
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		specs := []struct {
			name  string
			limit *decimal.Decimal
			dst   *Account
		}{
			{names.Bank, nil, &core.Bank},
			{names.UnpaidSource, nil, &core.UnpaidSource},
			{names.Redemptions, &zero, &core.Redemptions},
			{names.Lapsed, &zero, &core.Lapsed},
		}
		for _, spec := range specs {
			account, err := tx.GetAccountByName(ctx, spec.name)
			if errors.Is(err, ErrAccountNotFound) {
				account, err = tx.InsertAccount(ctx, Account{Name: spec.name, Status: AccountStatusOpen, CreditLimit: spec.limit})
			}
			if err != nil {
				return err
			}
			*spec.dst = account
		}
		return nil
	})
	if err != nil {
		return CoreAccounts{}, classify("ensure core accounts", err)
	}
	return core, nil
}
