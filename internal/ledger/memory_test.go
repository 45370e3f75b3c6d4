package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-accounts/internal/shared"
)

// memoryRepo runs transactions concurrently. LockAccounts takes per-account
// row locks held until WithTx returns; every other read is unlocked and may be
// stale by the time the transaction writes. A failed transaction replays its
// undo log. Identifiers are never reused, like database sequences.
type memoryRepo struct {
	mu             sync.Mutex
	accounts       map[int64]Account
	transfers      map[int64]Transfer
	entries        []Entry
	nextAccountID  int64
	nextTransferID int64
	nextEntryID    int64
	failures       map[string]error
	clock          time.Time

	rowsMu sync.Mutex
	rows   map[int64]*sync.Mutex

	// readDelay widens the gap between a read and the writes that follow it.
	readDelay time.Duration
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		accounts:  make(map[int64]Account),
		transfers: make(map[int64]Transfer),
		failures:  make(map[string]error),
		rows:      make(map[int64]*sync.Mutex),
		clock:     time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{repo: r, held: make(map[int64]*sync.Mutex)}
	defer tx.releaseRows()
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (r *memoryRepo) row(id int64) *sync.Mutex {
	r.rowsMu.Lock()
	defer r.rowsMu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		m = &sync.Mutex{}
		r.rows[id] = m
	}
	return m
}

func (r *memoryRepo) failOn(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[method] = err
}

func (r *memoryRepo) account(id int64) Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id]
}

func (r *memoryRepo) accountCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

func (r *memoryRepo) transferCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

func (r *memoryRepo) allTransfers() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transfer, 0, len(r.transfers))
	for id := int64(1); id <= r.nextTransferID; id++ {
		if t, ok := r.transfers[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (r *memoryRepo) allEntries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

type memoryTx struct {
	repo *memoryRepo
	held map[int64]*sync.Mutex
	undo []func()
}

// lock acquires row locks in id order. Rows the transaction already holds are
// skipped.
func (tx *memoryTx) lock(ids []int64) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		if _, ok := tx.held[id]; ok {
			continue
		}
		m := tx.repo.row(id)
		m.Lock()
		tx.held[id] = m
	}
}

func (tx *memoryTx) releaseRows() {
	for id, m := range tx.held {
		m.Unlock()
		delete(tx.held, id)
	}
}

func (tx *memoryTx) rollback() {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) pause() {
	if tx.repo.readDelay > 0 {
		time.Sleep(tx.repo.readDelay)
	}
}

// check must be called with repo.mu held.
func (tx *memoryTx) check(method string) error {
	if err, ok := tx.repo.failures[method]; ok {
		return err
	}
	return nil
}

func (tx *memoryTx) copyAccount(a Account) Account {
	a.SecondaryUserIDs = append([]int64(nil), a.SecondaryUserIDs...)
	return a
}

func (tx *memoryTx) restoreAccount(id int64) {
	prev, existed := tx.repo.accounts[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.repo.accounts[id] = prev
		} else {
			delete(tx.repo.accounts, id)
		}
	})
}

func (tx *memoryTx) restoreTransfer(id int64) {
	prev, existed := tx.repo.transfers[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.repo.transfers[id] = prev
		} else {
			delete(tx.repo.transfers, id)
		}
	})
}

func (tx *memoryTx) CodeExists(ctx context.Context, code string) (bool, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if err := tx.check("CodeExists"); err != nil {
		return false, err
	}
	for _, a := range tx.repo.accounts {
		if a.Code != "" && a.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) LockAccounts(ctx context.Context, ids ...int64) (map[int64]Account, error) {
	tx.repo.mu.Lock()
	err := tx.check("LockAccounts")
	tx.repo.mu.Unlock()
	if err != nil {
		return nil, err
	}
	tx.lock(ids)

	tx.repo.mu.Lock()
	out := make(map[int64]Account, len(ids))
	for _, id := range ids {
		a, ok := tx.repo.accounts[id]
		if !ok {
			tx.repo.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
		out[id] = tx.copyAccount(a)
	}
	tx.repo.mu.Unlock()
	tx.pause()
	return out, nil
}

func (tx *memoryTx) GetAccount(ctx context.Context, id int64) (Account, error) {
	tx.repo.mu.Lock()
	a, ok := tx.repo.accounts[id]
	tx.repo.mu.Unlock()
	if !ok {
		return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	tx.pause()
	return tx.copyAccount(a), nil
}

func (tx *memoryTx) GetAccountByCode(ctx context.Context, code string) (Account, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, a := range tx.repo.accounts {
		if a.Code != "" && a.Code == code {
			return tx.copyAccount(a), nil
		}
	}
	return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, code)
}

func (tx *memoryTx) GetAccountByName(ctx context.Context, name string) (Account, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, a := range tx.repo.accounts {
		if a.Name != "" && a.Name == name {
			return tx.copyAccount(a), nil
		}
	}
	return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
}

func (tx *memoryTx) InsertAccount(ctx context.Context, a Account) (Account, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if err := tx.check("InsertAccount"); err != nil {
		return Account{}, err
	}
	for _, existing := range tx.repo.accounts {
		if (a.Code != "" && existing.Code == a.Code) || (a.Name != "" && existing.Name == a.Name) {
			return Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, describeAccount(a))
		}
	}
	tx.repo.nextAccountID++
	a.ID = tx.repo.nextAccountID
	if a.Status == "" {
		a.Status = AccountStatusOpen
	}
	a.Balance = decimal.Zero
	a.CreatedAt = tx.repo.clock
	tx.restoreAccount(a.ID)
	tx.repo.accounts[a.ID] = tx.copyAccount(a)
	return a, nil
}

func (tx *memoryTx) UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if err := tx.check("UpdateAccountStatus"); err != nil {
		return err
	}
	a, ok := tx.repo.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	tx.restoreAccount(id)
	a.Status = status
	tx.repo.accounts[id] = a
	return nil
}

func (tx *memoryTx) ListExpiredAccountIDs(ctx context.Context, now time.Time) ([]int64, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if err := tx.check("ListExpiredAccountIDs"); err != nil {
		return nil, err
	}
	var ids []int64
	for id := int64(1); id <= tx.repo.nextAccountID; id++ {
		a, ok := tx.repo.accounts[id]
		if ok && a.IsOpen() && a.IsExpired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (tx *memoryTx) InsertTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if err := tx.check("InsertTransfer"); err != nil {
		return Transfer{}, err
	}
	tx.repo.nextTransferID++
	t.ID = tx.repo.nextTransferID
	t.CreatedAt = tx.repo.clock
	t.Entries = nil
	tx.restoreTransfer(t.ID)
	tx.repo.transfers[t.ID] = t
	return t, nil
}

func (tx *memoryTx) SetTransferReference(ctx context.Context, id int64, reference string) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	t, ok := tx.repo.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTransferNotFound, id)
	}
	if t.Reference != "" {
		return errors.New("transfer reference already assigned")
	}
	tx.restoreTransfer(id)
	t.Reference = reference
	tx.repo.transfers[id] = t
	return nil
}

func (tx *memoryTx) GetTransferByReference(ctx context.Context, reference string) (Transfer, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, t := range tx.repo.transfers {
		if t.Reference == reference {
			for _, e := range tx.repo.entries {
				if e.TransferID == t.ID {
					t.Entries = append(t.Entries, e)
				}
			}
			return t, nil
		}
	}
	return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, reference)
}

func (tx *memoryTx) SumChildTransfers(ctx context.Context, parentID, sourceID int64) (decimal.Decimal, error) {
	tx.repo.mu.Lock()
	total := decimal.Zero
	for _, t := range tx.repo.transfers {
		if t.ParentID != nil && *t.ParentID == parentID && t.SourceID == sourceID {
			total = total.Add(t.Amount)
		}
	}
	tx.repo.mu.Unlock()
	tx.pause()
	return total, nil
}

func (tx *memoryTx) InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if err := tx.check("InsertEntries"); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		for _, existing := range tx.repo.entries {
			if existing.TransferID == e.TransferID && existing.AccountID == e.AccountID {
				return nil, errors.New("duplicate entry for transfer and account")
			}
		}
		tx.repo.nextEntryID++
		e.ID = tx.repo.nextEntryID
		e.CreatedAt = tx.repo.clock
		id := e.ID
		tx.undo = append(tx.undo, func() {
			kept := tx.repo.entries[:0]
			for _, existing := range tx.repo.entries {
				if existing.ID != id {
					kept = append(kept, existing)
				}
			}
			tx.repo.entries = kept
		})
		tx.repo.entries = append(tx.repo.entries, e)
		out = append(out, e)
	}
	return out, nil
}

func (tx *memoryTx) RefreshBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if err := tx.check("RefreshBalance"); err != nil {
		return decimal.Zero, err
	}
	a, ok := tx.repo.accounts[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	balance := decimal.Zero
	for _, e := range tx.repo.entries {
		if e.AccountID == accountID {
			balance = balance.Add(e.Amount)
		}
	}
	tx.restoreAccount(accountID)
	a.Balance = balance
	tx.repo.accounts[accountID] = a
	return balance, nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type postingRecord struct {
	operation string
	outcome   string
}

type memoryObserver struct {
	mu      sync.Mutex
	records []postingRecord
}

func (o *memoryObserver) ObservePosting(operation, outcome string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, postingRecord{operation: operation, outcome: outcome})
}

type fixture struct {
	svc     *Service
	repo    *memoryRepo
	audit   *memoryAudit
	metrics *memoryObserver
	signer  *ReferenceSigner
	bank    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	metrics := &memoryObserver{}
	signer, err := NewReferenceSigner("test-secret")
	require.NoError(t, err)
	svc := NewService(repo, audit, signer, Config{})
	svc.WithNow(func() time.Time { return repo.clock })
	svc.WithMetrics(metrics)
	f := &fixture{svc: svc, repo: repo, audit: audit, metrics: metrics, signer: signer}
	f.bank = f.addAccount(t, Account{Name: "Bank"})
	return f
}

// addAccount inserts a and optionally funds it from the bank.
func (f *fixture) addAccount(t *testing.T, a Account, balance ...string) int64 {
	t.Helper()
	var id int64
	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		created, err := tx.InsertAccount(ctx, a)
		id = created.ID
		return err
	})
	require.NoError(t, err)
	if len(balance) > 0 {
		_, err := f.svc.Post(context.Background(), PostInput{SourceID: f.bank, DestinationID: id, Amount: dec(balance[0])})
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) setStatus(t *testing.T, id int64, status AccountStatus) {
	t.Helper()
	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateAccountStatus(ctx, id, status)
	})
	require.NoError(t, err)
}

func (f *fixture) balance(id int64) decimal.Decimal {
	return f.repo.account(id).Balance
}

// requireLedgerConsistent checks the zero-sum, two-entry and cached-balance
// properties over the whole store.
func (f *fixture) requireLedgerConsistent(t *testing.T) {
	t.Helper()
	entries := f.repo.allEntries()
	total := decimal.Zero
	perTransfer := map[int64][]Entry{}
	perAccount := map[int64]decimal.Decimal{}
	for _, e := range entries {
		total = total.Add(e.Amount)
		perTransfer[e.TransferID] = append(perTransfer[e.TransferID], e)
		perAccount[e.AccountID] = perAccount[e.AccountID].Add(e.Amount)
	}
	require.True(t, total.IsZero(), "entries sum to %s", total)
	for _, tr := range f.repo.allTransfers() {
		legs := perTransfer[tr.ID]
		require.Len(t, legs, 2, "transfer %d", tr.ID)
		require.True(t, legs[0].Amount.Equal(tr.Amount.Neg()))
		require.Equal(t, tr.SourceID, legs[0].AccountID)
		require.True(t, legs[1].Amount.Equal(tr.Amount))
		require.Equal(t, tr.DestinationID, legs[1].AccountID)
	}
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	for id, a := range f.repo.accounts {
		require.True(t, a.Balance.Equal(perAccount[id]), "account %d balance %s, entries %s", id, a.Balance, perAccount[id])
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }
