package ledger

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

type fixedTrust map[types.UserID]float64

func (f fixedTrust) GetTrust(id types.UserID) float64 { return f[id] }

func setup(t *testing.T, n int, deposit float64, cfg types.Config) (*Ledger, *types.UserSet, fixedTrust) {
	t.Helper()
	users := types.NewUserSet()
	trust := fixedTrust{}
	for i := 0; i < n; i++ {
		id := types.UserID(i)
		users.Add(types.NewUser(id, types.RoleCooperative, 1))
		trust[id] = types.InitialTrust
	}
	l := NewLedger(0, users, trust, cfg, nil)
	for _, u := range users.Users {
		require.NoError(t, l.Post(u.ID, deposit))
	}
	return l, users, trust
}

func epoch(i int) *types.Epoch {
	return types.NewEpoch(i, time.Duration(i)*time.Hour, time.Hour)
}

func TestPostRejectsNegative(t *testing.T) {
	l, _, _ := setup(t, 2, 10, types.DefaultConfig())
	require.ErrorIs(t, l.Post(0, -1), types.ErrConfig)
	require.ErrorIs(t, l.Post(7, 1), ErrUnknownUser)
	require.Equal(t, 20.0, l.TotalBalance())
}

func TestDepositBackRedistributesForfeits(t *testing.T) {
	cfg := types.DefaultConfig()
	l, users, _ := setup(t, 3, 100, cfg)

	// 0 and 1 cooperate, 2 defects on everything
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Record(0, true))
		require.NoError(t, l.Record(1, true))
		require.NoError(t, l.Record(2, false))
	}
	require.NoError(t, l.Record(1, false))

	s, err := l.DepositBack(epoch(0))
	require.NoError(t, err)

	// 2 forfeits the full rate, 1 a fifth of it
	require.InDelta(t, 100*cfg.PenaltyRate*1.2, s.Forfeited, 1e-9)
	require.InDelta(t, s.Forfeited, s.Rewards, 1e-9)
	require.Equal(t, 2, s.Rewarded)
	require.Equal(t, 2, s.Penalized)
	require.InDelta(t, 0, s.Treasury, 1e-9)

	rec0, _ := l.GetRecord(0)
	rec1, _ := l.GetRecord(1)
	rec2, _ := l.GetRecord(2)
	require.Greater(t, rec0.Balance, rec1.Balance)
	require.InDelta(t, 90, rec2.Balance, 1e-9)
	require.InDelta(t, 300, l.TotalBalance()+l.Treasury(), 1e-9)
	require.Equal(t, rec0.Balance, users.Get(0).Deposit)

	// counters reset
	require.Equal(t, 0, rec0.Cooperations)
}

func TestDepositBackOncePerEpoch(t *testing.T) {
	l, _, _ := setup(t, 2, 10, types.DefaultConfig())
	e := epoch(0)

	_, err := l.DepositBack(e)
	require.NoError(t, err)
	require.Equal(t, types.EpochClosed, e.State)

	_, err = l.DepositBack(e)
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	_, err = l.DepositBack(epoch(0))
	require.ErrorIs(t, err, types.ErrProtocolViolation)
}

func TestDepositBackFloorAndTreasury(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.Subsidy = 5
	l, _, trust := setup(t, 2, 10, cfg)

	// nobody above the floor: the whole pool stays in the treasury
	trust[0] = cfg.RewardFloor
	trust[1] = 0
	require.NoError(t, l.Record(0, true))
	require.NoError(t, l.Record(1, false))

	s, err := l.DepositBack(epoch(0))
	require.NoError(t, err)
	require.Equal(t, 0.0, s.Rewards)
	require.InDelta(t, 5+10*cfg.PenaltyRate, s.Treasury, 1e-9)
	require.InDelta(t, s.Treasury, l.Treasury(), 1e-9)
}

func TestDepositConservationRandomized(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.Subsidy = 1.5
	rng := rand.New(rand.NewPCG(11, 12))

	for trial := 0; trial < 20; trial++ {
		l, _, trust := setup(t, 8, 50, cfg)
		for e := 0; e < 5; e++ {
			for id := range trust {
				trust[id] = rng.Float64()
				for a := 0; a < rng.IntN(10); a++ {
					require.NoError(t, l.Record(id, rng.Float64() < 0.6))
				}
			}

			before := l.TotalBalance() + l.Treasury()
			s, err := l.DepositBack(epoch(e))
			require.NoError(t, err)

			if s.Rewards > s.Forfeited+s.Subsidy+1e-9 {
				t.Fatalf("trial %d epoch %d: minted value: %+v", trial, e, s)
			}
			after := l.TotalBalance() + l.Treasury()
			if math.Abs(after-before-cfg.Subsidy) > 1e-6 {
				t.Fatalf("trial %d epoch %d: total moved %v -> %v", trial, e, before, after)
			}
		}
	}
}

func TestExit(t *testing.T) {
	cfg := types.DefaultConfig()
	l, users, trust := setup(t, 2, 40, cfg)

	trust[0] = cfg.MinExitTrust
	trust[1] = cfg.MinExitTrust - 0.01

	res, err := l.Exit(0)
	require.NoError(t, err)
	require.Equal(t, 40.0, res.Refund)
	require.Equal(t, 0.0, res.Slashed)

	res, err = l.Exit(1)
	require.NoError(t, err)
	require.Equal(t, 40*cfg.SlashFraction, res.Slashed)
	require.Equal(t, 40-40*cfg.SlashFraction, res.Refund)
	require.Equal(t, res.Refund, users.Get(1).Refunded)
	require.Equal(t, 0.0, users.Get(1).Deposit)
	require.Equal(t, res.Slashed, l.Treasury())

	slashes := l.Slashes()
	require.Len(t, slashes, 1)
	require.Equal(t, SlashReasonLowTrust, slashes[0].Reason)

	_, err = l.Exit(1)
	require.ErrorIs(t, err, ErrExited)
	require.ErrorIs(t, l.Record(1, true), ErrExited)

	// exited members are skipped by later settlements
	_, err = l.DepositBack(epoch(0))
	require.NoError(t, err)
}

func TestExitAll(t *testing.T) {
	l, users, _ := setup(t, 3, 10, types.DefaultConfig())
	_, err := l.Exit(1)
	require.NoError(t, err)

	results, err := l.ExitAll()
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, u := range users.Users {
		require.Equal(t, 10.0, u.Refunded)
	}
	require.Equal(t, 0.0, l.TotalBalance())
}
