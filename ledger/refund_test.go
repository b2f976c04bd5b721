package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

func refundConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.Epochs = 3
	cfg.Subsidy = 0
	return cfg
}

func TestTrustWeightedRefundEmptiesDeposits(t *testing.T) {
	l, users, trust := setup(t, 3, 90, refundConfig())
	l.SetRefundRule(TrustWeightedRefund{})
	trust[0] = 1.0

	s, err := l.DepositBack(epoch(0))
	require.NoError(t, err)

	// a third of every deposit is released and shared 2:1:1
	require.InDelta(t, 90, s.Refunded, 1e-9)
	require.InDelta(t, 45, users.Get(0).Refunded, 1e-9)
	require.InDelta(t, 22.5, users.Get(1).Refunded, 1e-9)
	require.InDelta(t, 22.5, users.Get(2).Refunded, 1e-9)
	for _, u := range users.Users {
		require.InDelta(t, 60, u.Deposit, 1e-9)
	}
	require.InDelta(t, 180, l.TotalBalance(), 1e-9)
	require.Zero(t, l.Treasury())

	for i := 1; i < 3; i++ {
		_, err := l.DepositBack(epoch(i))
		require.NoError(t, err)
	}
	require.InDelta(t, 0, l.TotalBalance(), 1e-9)
	require.InDelta(t, 135, users.Get(0).Refunded, 1e-9)

	var total float64
	for _, u := range users.Users {
		total += u.Refunded
	}
	require.InDelta(t, 270, total, 1e-9)
}

func TestTrustWeightedRefundWithoutTrust(t *testing.T) {
	l, users, trust := setup(t, 2, 40, refundConfig())
	l.SetRefundRule(TrustWeightedRefund{})
	trust[0], trust[1] = 0, 0

	s, err := l.DepositBack(epoch(1))
	require.NoError(t, err)

	// two epochs left: each member gets half of its own deposit back
	require.InDelta(t, 40, s.Refunded, 1e-9)
	for _, u := range users.Users {
		require.InDelta(t, 20, u.Refunded, 1e-9)
		require.InDelta(t, 20, u.Deposit, 1e-9)
	}
}

func TestHoldRefundKeepsDeposits(t *testing.T) {
	l, users, _ := setup(t, 2, 40, refundConfig())

	s, err := l.DepositBack(epoch(0))
	require.NoError(t, err)
	require.Zero(t, s.Refunded)
	require.InDelta(t, 80, l.TotalBalance(), 1e-9)
	require.Zero(t, users.Get(0).Refunded)
}

type generousRefund struct{}

func (generousRefund) Name() string { return "generous" }

func (generousRefund) Refunds(shares []RefundShare, _ int) ([]float64, []float64) {
	contributions := make([]float64, len(shares))
	payouts := make([]float64, len(shares))
	for i := range shares {
		payouts[i] = 1
	}
	return contributions, payouts
}

func TestRefundCannotMint(t *testing.T) {
	l, _, _ := setup(t, 2, 40, refundConfig())
	l.SetRefundRule(generousRefund{})

	_, err := l.DepositBack(epoch(0))
	require.ErrorIs(t, err, types.ErrProtocolViolation)
}

func TestRefundRuleByName(t *testing.T) {
	r, err := RefundRuleByName("")
	require.NoError(t, err)
	require.Equal(t, "hold", r.Name())

	r, err = RefundRuleByName("trust-weighted")
	require.NoError(t, err)
	require.Equal(t, "trust-weighted", r.Name())

	_, err = RefundRuleByName("everything")
	require.ErrorIs(t, err, types.ErrConfig)
}
