package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepExpiredMovesBalanceAndCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.repo.clock
	lapsed := f.addAccount(t, Account{Name: "Lapsed", CreditLimit: decPtr("0")})
	expired := f.addAccount(t, Account{Name: "Expired", Code: "EXP1", CreditLimit: decPtr("0"), EndDate: timePtr(now.Add(-time.Hour))}, "40")
	empty := f.addAccount(t, Account{Name: "Empty", EndDate: timePtr(now.Add(-24 * time.Hour))})
	current := f.addAccount(t, Account{Name: "Current", EndDate: timePtr(now.Add(time.Hour))}, "15")
	closed := f.addAccount(t, Account{Name: "AlreadyClosed", EndDate: timePtr(now.Add(-time.Hour))})
	f.setStatus(t, closed, AccountStatusClosed)
	transfersBefore := f.repo.transferCount()

	report, err := f.svc.SweepExpired(ctx, SweepInput{Now: now, LapsedAccountID: lapsed})
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)
	require.Equal(t, 2, report.Closed)
	require.Zero(t, report.Failed)
	require.Len(t, report.Results, 2)

	require.Equal(t, expired, report.Results[0].AccountID)
	require.Equal(t, "EXP1", report.Results[0].Code)
	require.True(t, report.Results[0].Amount.Equal(dec("40")))
	require.NotEmpty(t, report.Results[0].Reference)
	require.Equal(t, empty, report.Results[1].AccountID)
	require.Empty(t, report.Results[1].Reference)

	// Only the funded account produced a transfer.
	require.Equal(t, transfersBefore+1, f.repo.transferCount())
	sweep, err := f.svc.TransferByReference(ctx, report.Results[0].Reference)
	require.NoError(t, err)
	require.Equal(t, SweepDescription, sweep.Description)
	require.Nil(t, sweep.UserID)

	require.Equal(t, AccountStatusClosed, f.repo.account(expired).Status)
	require.True(t, f.balance(expired).IsZero())
	require.Equal(t, AccountStatusClosed, f.repo.account(empty).Status)
	require.Equal(t, AccountStatusOpen, f.repo.account(current).Status)
	require.True(t, f.balance(lapsed).Equal(dec("40")))
	require.Contains(t, f.audit.actions(), "account.expire")
	f.requireLedgerConsistent(t)
}

func TestSweepContinuesAfterAccountFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.repo.clock
	lapsed := f.addAccount(t, Account{Name: "Lapsed", CreditLimit: decPtr("0")})
	overdrawn := f.addAccount(t, Account{Name: "Overdrawn", EndDate: timePtr(now.Add(-time.Hour))})
	_, err := f.svc.Post(ctx, PostInput{SourceID: overdrawn, DestinationID: f.bank, Amount: dec("5")})
	require.NoError(t, err)
	healthy := f.addAccount(t, Account{Name: "Healthy", EndDate: timePtr(now.Add(-time.Hour))}, "12")

	report, err := f.svc.SweepExpired(ctx, SweepInput{Now: now, LapsedAccountID: lapsed})
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Closed)
	require.Equal(t, overdrawn, report.Results[0].AccountID)
	require.ErrorIs(t, report.Results[0].Err, ErrInvalidAmount)
	require.Equal(t, AccountStatusOpen, f.repo.account(overdrawn).Status)
	require.Equal(t, AccountStatusClosed, f.repo.account(healthy).Status)
	require.True(t, f.balance(lapsed).Equal(dec("12")))
}

func TestSweepRecordsClosedLapsedAccountAsFailure(t *testing.T) {
	f := newFixture(t)
	now := f.repo.clock
	lapsed := f.addAccount(t, Account{Name: "Lapsed"})
	expired := f.addAccount(t, Account{Name: "Expired", EndDate: timePtr(now.Add(-time.Minute))}, "3")
	f.setStatus(t, lapsed, AccountStatusClosed)

	report, err := f.svc.SweepExpired(context.Background(), SweepInput{Now: now, LapsedAccountID: lapsed})
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.ErrorIs(t, report.Results[0].Err, ErrClosedAccount)
	require.True(t, f.balance(expired).Equal(dec("3")))
}

func TestSweepSkipsLapsedAccountItself(t *testing.T) {
	f := newFixture(t)
	now := f.repo.clock
	lapsed := f.addAccount(t, Account{Name: "Lapsed", EndDate: timePtr(now.Add(-time.Hour))})

	report, err := f.svc.SweepExpired(context.Background(), SweepInput{Now: now, LapsedAccountID: lapsed})
	require.NoError(t, err)
	require.Empty(t, report.Results)
	require.Equal(t, AccountStatusOpen, f.repo.account(lapsed).Status)
}

func TestSweepRequiresLapsedAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SweepExpired(context.Background(), SweepInput{})
	require.ErrorIs(t, err, ErrInvalidAccount)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	now := f.repo.clock
	lapsed := f.addAccount(t, Account{Name: "Lapsed"})
	f.addAccount(t, Account{Name: "Expired", EndDate: timePtr(now.Add(-time.Hour))}, "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.SweepExpired(ctx, SweepInput{Now: now, LapsedAccountID: lapsed})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSweepDefaultsToServiceClock(t *testing.T) {
	f := newFixture(t)
	lapsed := f.addAccount(t, Account{Name: "Lapsed"})
	expired := f.addAccount(t, Account{Name: "Expired", EndDate: timePtr(f.repo.clock.Add(-time.Second))})

	report, err := f.svc.SweepExpired(context.Background(), SweepInput{LapsedAccountID: lapsed})
	require.NoError(t, err)
	require.Equal(t, f.repo.clock, report.StartedAt)
	require.Equal(t, AccountStatusClosed, f.repo.account(expired).Status)
}
