package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "100.00", want: "100"},
		{raw: " 0.01 ", want: "0.01"},
		{raw: "9999999999.99", want: "9999999999.99"},
		{raw: "10000000000.00", wantErr: true},
		{raw: "0", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "1.001", wantErr: true},
		{raw: "ten", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseAmount(tc.raw)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			require.True(t, got.Equal(dec(tc.want)), "got %s", got)
		})
	}
}

func TestMaxAmount(t *testing.T) {
	require.Equal(t, "9999999999.99", formatAmount(MaxAmount))
}

func TestAccountHelpers(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	user := int64(9)
	account := Account{
		Status:           AccountStatusOpen,
		Balance:          dec("20"),
		CreditLimit:      decPtr("5"),
		StartDate:        timePtr(now.AddDate(0, 0, -1)),
		EndDate:          timePtr(now.Add(73 * time.Hour)),
		SecondaryUserIDs: []int64{user},
	}

	available, limited := account.AmountAvailable()
	require.True(t, limited)
	require.True(t, available.Equal(dec("25")))
	require.True(t, account.IsDebitPermitted(dec("25")))
	require.False(t, account.IsDebitPermitted(dec("25.01")))
	require.True(t, account.CanBeAuthorisedBy(user))
	require.False(t, account.CanBeAuthorisedBy(1))
	require.True(t, account.IsActive(now))
	require.False(t, account.IsActive(now.AddDate(0, 0, -2)))
	require.False(t, account.IsActive(now.AddDate(0, 0, 4)))
	require.True(t, account.IsActive(*account.StartDate))
	require.True(t, account.IsActive(account.EndDate.Add(-time.Nanosecond)))
	require.False(t, account.IsActive(*account.EndDate))
	require.False(t, account.IsExpired(now))
	require.False(t, account.IsExpired(*account.EndDate))

	primary := int64(1)
	account.PrimaryUserID = &primary
	require.True(t, account.CanBeAuthorisedBy(primary))
	require.False(t, account.CanBeAuthorisedBy(user))
	account.PrimaryUserID = nil

	days, ok := account.DaysRemaining(now)
	require.True(t, ok)
	require.Equal(t, 3, days)
	days, ok = account.DaysRemaining(now.AddDate(0, 0, 10))
	require.True(t, ok)
	require.Zero(t, days)

	unlimited := Account{Balance: dec("-1000")}
	_, limited = unlimited.AmountAvailable()
	require.False(t, limited)
	require.True(t, unlimited.IsDebitPermitted(MaxAmount))
	require.True(t, unlimited.CanBeAuthorisedBy(1))
	_, ok = unlimited.DaysRemaining(now)
	require.False(t, ok)
}

func TestClassifyAndReasonCode(t *testing.T) {
	wrapped := fmt.Errorf("post: %w", ErrInsufficientFunds)
	require.Equal(t, wrapped, classify("post", wrapped))
	require.Equal(t, "insufficient_funds", ReasonCode(wrapped))

	raw := errors.New("connection refused")
	err := classify("post", raw)
	require.ErrorIs(t, err, ErrUnexpected)
	require.ErrorIs(t, err, raw)
	require.Equal(t, "unexpected", ReasonCode(err))
	require.Nil(t, classify("post", nil))
	require.Equal(t, "ok", ReasonCode(nil))
	require.Equal(t, "account_inactive", ReasonCode(ErrClosedAccount))
}
