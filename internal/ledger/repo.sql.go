package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-accounts/internal/platform/db"
)

// Repository persists accounts, transfers and entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CodeLookup
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]Account, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	GetAccountByCode(ctx context.Context, code string) (Account, error)
	GetAccountByName(ctx context.Context, name string) (Account, error)
	InsertAccount(ctx context.Context, account Account) (Account, error)
	UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error
	ListExpiredAccountIDs(ctx context.Context, now time.Time) ([]int64, error)
	InsertTransfer(ctx context.Context, transfer Transfer) (Transfer, error)
	SetTransferReference(ctx context.Context, id int64, reference string) error
	GetTransferByReference(ctx context.Context, reference string) (Transfer, error)
	SumChildTransfers(ctx context.Context, parentID, sourceID int64) (decimal.Decimal, error)
	InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error)
	RefreshBalance(ctx context.Context, accountID int64) (decimal.Decimal, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a read-committed transaction. Postings rely on
// FOR UPDATE row locks, so a blocked writer re-reads the committed balance
// instead of failing with a serialization error.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const accountColumns = `id, COALESCE(code, ''), COALESCE(name, ''), description, status, credit_limit::text, balance::text, start_date, end_date, primary_user_id, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a       Account
		limit   *string
		balance string
	)
	if err := row.Scan(&a.ID, &a.Code, &a.Name, &a.Description, &a.Status, &limit, &balance, &a.StartDate, &a.EndDate, &a.PrimaryUserID, &a.CreatedAt); err != nil {
		return Account{}, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return Account{}, fmt.Errorf("ledger: scan balance: %w", err)
	}
	if limit != nil {
		l, err := decimal.NewFromString(*limit)
		if err != nil {
			return Account{}, fmt.Errorf("ledger: scan credit limit: %w", err)
		}
		a.CreditLimit = &l
	}
	return a, nil
}

func (r *txRepository) LockAccounts(ctx context.Context, ids ...int64) (map[int64]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	accounts := make(map[int64]Account, len(ids))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := accounts[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
	}
	if err := r.loadSecondaryUsers(ctx, accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *txRepository) loadSecondaryUsers(ctx context.Context, accounts map[int64]Account) error {
	ids := make([]int64, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	rows, err := r.tx.Query(ctx, `SELECT account_id, user_id FROM account_secondary_users WHERE account_id = ANY($1) ORDER BY account_id, user_id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var accountID, userID int64
		if err := rows.Scan(&accountID, &userID); err != nil {
			return err
		}
		a := accounts[accountID]
		a.SecondaryUserIDs = append(a.SecondaryUserIDs, userID)
		accounts[accountID] = a
	}
	return rows.Err()
}

func (r *txRepository) getAccountWhere(ctx context.Context, where string, arg any) (Account, error) {
	a, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %v", ErrAccountNotFound, arg)
		}
		return Account{}, err
	}
	accounts := map[int64]Account{a.ID: a}
	if err := r.loadSecondaryUsers(ctx, accounts); err != nil {
		return Account{}, err
	}
	return accounts[a.ID], nil
}

func (r *txRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	return r.getAccountWhere(ctx, `id=$1`, id)
}

func (r *txRepository) GetAccountByCode(ctx context.Context, code string) (Account, error) {
	return r.getAccountWhere(ctx, `code=$1`, code)
}

func (r *txRepository) GetAccountByName(ctx context.Context, name string) (Account, error) {
	return r.getAccountWhere(ctx, `name=$1`, name)
}

func (r *txRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE code=$1)`, code).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertAccount(ctx context.Context, a Account) (Account, error) {
	status := a.Status
	if status == "" {
		status = AccountStatusOpen
	}
	row := r.tx.QueryRow(ctx, `INSERT INTO accounts (code, name, description, status, credit_limit, start_date, end_date, primary_user_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at`,
		nullString(a.Code), nullString(a.Name), a.Description, status, nullDecimal(a.CreditLimit), a.StartDate, a.EndDate, a.PrimaryUserID)
	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, describeAccount(a))
		}
		return Account{}, err
	}
	for _, userID := range a.SecondaryUserIDs {
		if _, err := r.tx.Exec(ctx, `INSERT INTO account_secondary_users (account_id, user_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, a.ID, userID); err != nil {
			return Account{}, err
		}
	}
	a.Status = status
	a.Balance = decimal.Zero
	return a, nil
}

func (r *txRepository) UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	return nil
}

func (r *txRepository) ListExpiredAccountIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM accounts WHERE status='OPEN' AND end_date IS NOT NULL AND end_date < $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *txRepository) InsertTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO transfers (source_id, destination_id, amount, parent_id, merchant_reference, description, user_id, username)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at`,
		t.SourceID, t.DestinationID, formatAmount(t.Amount), t.ParentID, t.MerchantReference, t.Description, t.UserID, t.Username)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func (r *txRepository) SetTransferReference(ctx context.Context, id int64, reference string) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE transfers SET reference=$2 WHERE id=$1 AND reference IS NULL`, id, reference)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("ledger: transfer %d reference already assigned", id)
	}
	return nil
}

func (r *txRepository) GetTransferByReference(ctx context.Context, reference string) (Transfer, error) {
	var (
		t      Transfer
		amount string
	)
	err := r.tx.QueryRow(ctx, `SELECT id, reference, source_id, destination_id, amount::text, parent_id, merchant_reference, description, user_id, username, created_at
FROM transfers WHERE reference=$1`, reference).
		Scan(&t.ID, &t.Reference, &t.SourceID, &t.DestinationID, &amount, &t.ParentID, &t.MerchantReference, &t.Description, &t.UserID, &t.Username, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, reference)
		}
		return Transfer{}, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transfer{}, fmt.Errorf("ledger: scan amount: %w", err)
	}
	rows, err := r.tx.Query(ctx, `SELECT id, transfer_id, account_id, amount::text, created_at FROM entries WHERE transfer_id=$1 ORDER BY id`, t.ID)
	if err != nil {
		return Transfer{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e   Entry
			raw string
		)
		if err := rows.Scan(&e.ID, &e.TransferID, &e.AccountID, &raw, &e.CreatedAt); err != nil {
			return Transfer{}, err
		}
		if e.Amount, err = decimal.NewFromString(raw); err != nil {
			return Transfer{}, fmt.Errorf("ledger: scan entry amount: %w", err)
		}
		t.Entries = append(t.Entries, e)
	}
	return t, rows.Err()
}

func (r *txRepository) SumChildTransfers(ctx context.Context, parentID, sourceID int64) (decimal.Decimal, error) {
	var raw string
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM transfers WHERE parent_id=$1 AND source_id=$2`, parentID, sourceID).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (r *txRepository) InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error) {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		err := r.tx.QueryRow(ctx, `INSERT INTO entries (transfer_id, account_id, amount) VALUES ($1,$2,$3) RETURNING id, created_at`,
			e.TransferID, e.AccountID, formatAmount(e.Amount)).Scan(&e.ID, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *txRepository) RefreshBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var raw string
	err := r.tx.QueryRow(ctx, `UPDATE accounts SET balance = (SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id=$1)
WHERE id=$1 RETURNING balance::text`, accountID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func describeAccount(a Account) string {
	if a.Code != "" {
		return "code " + a.Code
	}
	return "name " + a.Name
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullDecimal(v *decimal.Decimal) any {
	if v == nil {
		return nil
	}
	return formatAmount(*v)
}
