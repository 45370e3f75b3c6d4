package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-accounts/internal/ledger"
	"github.com/odyssey-erp/odyssey-accounts/internal/shared"
)

// NewLedgerService wires the ledger service to Postgres with audit logging.
// A nil observer disables posting metrics.
func NewLedgerService(cfg *Config, pool *pgxpool.Pool, logger *slog.Logger, observer ledger.PostingObserver) (*ledger.Service, error) {
	signer, err := ledger.NewReferenceSigner(cfg.LedgerReferenceSecret)
	if err != nil {
		return nil, err
	}
	svc := ledger.NewService(ledger.NewRepository(pool), shared.NewAuditLogger(pool), signer, cfg.LedgerConfig())
	svc.WithLogger(logger)
	if observer != nil {
		svc.WithMetrics(observer)
	}
	return svc, nil
}
