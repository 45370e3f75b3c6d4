package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-accounts/internal/app"
	"github.com/odyssey-erp/odyssey-accounts/internal/ledger"
	"github.com/odyssey-erp/odyssey-accounts/internal/platform/db"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	fmt.Println("→ Applying schema...")
	if err := ledger.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	svc, err := app.NewLedgerService(cfg, pool, app.NewLogger(cfg), nil)
	if err != nil {
		log.Fatalf("init ledger: %v", err)
	}

	fmt.Println("→ Seeding core accounts...")
	core, err := svc.EnsureCoreAccounts(ctx, cfg.CoreAccountNames())
	if err != nil {
		log.Fatalf("core accounts: %v", err)
	}

	fmt.Println("→ Seeding gift cards...")
	if err := seedGiftCards(ctx, svc, core); err != nil {
		log.Fatalf("seed gift cards: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedGiftCards(ctx context.Context, svc *ledger.Service, core ledger.CoreAccounts) error {
	operator := &ledger.Actor{ID: 1, Username: "seed"}
	now := time.Now().UTC()
	noCredit := decimal.Zero
	cards := []struct {
		description string
		amount      string
		lifetime    time.Duration
	}{
		{"Demo card, unused", "50.00", 365 * 24 * time.Hour},
		{"Demo card, partly redeemed", "100.00", 365 * 24 * time.Hour},
		{"Demo card, expiring soon", "25.00", 48 * time.Hour},
	}

	var opened []ledger.Account
	for _, c := range cards {
		end := now.Add(c.lifetime)
		account, err := svc.OpenAccount(ctx, ledger.OpenAccountInput{
			Description:      c.description,
			StartDate:        &now,
			EndDate:          &end,
			CreditLimit:      &noCredit,
			FundingAccountID: core.Bank.ID,
			InitialAmount:    decimal.RequireFromString(c.amount),
			Actor:            operator,
		})
		if err != nil {
			return fmt.Errorf("open %q: %w", c.description, err)
		}
		fmt.Printf("  %s %s %s\n", account.Code, account.Balance.StringFixed(ledger.AmountScale), c.description)
		opened = append(opened, account)
	}

	redemption, err := svc.Post(ctx, ledger.PostInput{
		SourceID:          opened[1].ID,
		DestinationID:     core.Redemptions.ID,
		Amount:            decimal.RequireFromString("40.00"),
		MerchantReference: "SEED-ORDER-1",
		Description:       "Redeemed against order",
		Actor:             operator,
	})
	if err != nil {
		return fmt.Errorf("redeem: %w", err)
	}
	if _, err := svc.Refund(ctx, ledger.RefundInput{
		Reference:         redemption.Reference,
		Amount:            decimal.RequireFromString("15.00"),
		MerchantReference: "SEED-ORDER-1",
		Description:       "Partial refund",
		Actor:             operator,
	}); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	remaining, err := svc.MaxRefund(ctx, redemption.Reference)
	if err != nil {
		return err
	}
	fmt.Printf("  redemption %s refundable %s\n", redemption.Reference, remaining.StringFixed(ledger.AmountScale))
	return nil
}
