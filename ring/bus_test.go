package ring

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

func newTestBus(size int) *Bus {
	return NewBus(0, size, crypto.NewRand(crypto.CampaignSeed(3)))
}

func newRequest(seat int) *types.PaymentRequest {
	return &types.PaymentRequest{ID: types.NewRequestID(0, 0, seat), Amount: 1}
}

func TestBusShapeAndLayers(t *testing.T) {
	const size = 6
	b := newTestBus(size)
	rng := rand.New(rand.NewPCG(1, 2))

	for round := 0; round < 5; round++ {
		exit := round % size
		require.NoError(t, b.Start(exit))

		inserted := 0
		for hop := 0; hop < size; hop++ {
			holder := b.Holder()
			require.Equal(t, (exit+hop)%size, holder)

			require.NoError(t, b.Unwrap())
			if rng.IntN(2) == 0 {
				require.NoError(t, b.Write(holder, newRequest(holder)))
				inserted++
			}
			require.NoError(t, b.CheckLayers())

			want := size - hop
			for i, s := range b.Snapshot() {
				if s.Occupied && s.Layers != want {
					t.Fatalf("round %d hop %d: seat %d has %d layers, want %d", round, hop, i, s.Layers, want)
				}
			}

			require.NoError(t, b.Forward())
			require.Equal(t, size, b.Size())
			require.Len(t, b.Snapshot(), size)
		}

		require.Equal(t, BusAtExit, b.State())
		batch, err := b.Release(exit)
		require.NoError(t, err)
		require.Len(t, batch, inserted)
		require.Equal(t, 0, b.Occupied())
		require.Equal(t, BusIdle, b.State())
	}
	require.Equal(t, uint64(5), b.Round())
}

func TestBusEmptyRewrapIsIdempotent(t *testing.T) {
	b := newTestBus(4)
	require.NoError(t, b.Start(0))
	require.NoError(t, b.Hop(nil))

	before := b.Snapshot()
	nonce := b.Nonce()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Hop(nil))
	}

	require.Equal(t, before, b.Snapshot())
	require.NotEqual(t, nonce, b.Nonce())
}

func TestBusWriteRules(t *testing.T) {
	b := newTestBus(4)
	require.NoError(t, b.Start(1))

	// write before unwrap
	err := b.Write(1, newRequest(1))
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	require.NoError(t, b.Unwrap())

	// non-holder
	err = b.Write(2, newRequest(2))
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	// foreign seat
	err = b.WriteSeat(1, 3, newRequest(3))
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	require.NoError(t, b.Write(1, newRequest(1)))
	require.False(t, b.SeatEmpty(1))

	// occupied seat
	err = b.Write(1, newRequest(1))
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	// unwrap twice
	require.ErrorIs(t, b.Unwrap(), types.ErrProtocolViolation)
}

func TestBusReleaseRules(t *testing.T) {
	b := newTestBus(3)
	_, err := b.Release(0)
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	require.NoError(t, b.Start(0))
	require.ErrorIs(t, b.Start(0), types.ErrProtocolViolation)

	req := newRequest(0)
	require.NoError(t, b.Hop(req))
	require.NoError(t, b.Hop(nil))
	require.NoError(t, b.Hop(nil))

	_, err = b.Release(1)
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	batch, err := b.Release(0)
	require.NoError(t, err)
	require.Equal(t, []*types.PaymentRequest{req}, batch)
}

func TestBusAbandon(t *testing.T) {
	b := newTestBus(3)
	require.ErrorIs(t, b.Abandon(), types.ErrProtocolViolation)

	require.NoError(t, b.Start(0))
	require.NoError(t, b.Abandon())
	require.Equal(t, BusIdle, b.State())

	// restart under the next exit
	require.NoError(t, b.Start(1))
	require.Equal(t, 1, b.Holder())
	require.NoError(t, b.Hop(newRequest(1)))
	require.ErrorIs(t, b.Abandon(), types.ErrProtocolViolation)
}

func TestBusDrain(t *testing.T) {
	b := newTestBus(4)
	require.NoError(t, b.Start(0))
	first, second := newRequest(0), newRequest(1)
	require.NoError(t, b.Hop(first))
	require.NoError(t, b.Hop(second))
	require.NoError(t, b.Unwrap())

	drained := b.Drain()
	require.Equal(t, []*types.PaymentRequest{first, second}, drained)
	require.Equal(t, 0, b.Occupied())
	require.Equal(t, BusIdle, b.State())
	require.Empty(t, b.Drain())

	// a drained bus can circulate again
	require.NoError(t, b.Start(2))
}

func TestBusViewsAreUniform(t *testing.T) {
	b := newTestBus(4)
	require.NoError(t, b.Start(0))
	require.NoError(t, b.Hop(newRequest(0)))
	require.NoError(t, b.Unwrap())

	views := b.View(1)
	require.Len(t, views, 4)

	tokens := make(map[types.Hash]bool)
	for i, v := range views {
		require.Equal(t, i, v.Index)
		require.NotEqual(t, types.EmptyHash, v.Ciphertext)
		tokens[v.Ciphertext] = true
		if i != 1 {
			require.False(t, v.Own)
			require.False(t, v.Occupied)
		}
	}
	require.Len(t, tokens, 4)
	require.True(t, views[1].Own)
	require.False(t, views[1].Occupied)

	// occupied and empty foreign seats change with every re-wrap alike
	before := b.View(1)
	require.NoError(t, b.Forward())
	after := b.View(1)
	for i := range before {
		require.NotEqual(t, before[i].Ciphertext, after[i].Ciphertext)
	}
}

func TestPolicies(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))

	due := types.NewUser(1, types.RoleCooperative, 0)
	due.Payments = []types.ScheduledPayment{{At: 0, Amount: 1}}

	idle := types.NewUser(2, types.RoleCooperative, 0)
	rider := types.NewUser(3, types.RoleFreeRider, 1)
	rider.Payments = []types.ScheduledPayment{{At: 0, Amount: 1}}

	p := ProbabilisticPolicy{}
	require.Equal(t, Decision{Cooperate: true, Insert: true}, p.Decide(due, 10, rng))
	require.Equal(t, Decision{Cooperate: false}, p.Decide(idle, 10, rng))
	require.Equal(t, Decision{Cooperate: true}, p.Decide(rider, 10, rng))
	require.True(t, p.Confirm(due, 10, rng))
	require.False(t, p.Confirm(idle, 10, rng))
	require.False(t, p.Confirm(rider, 10, rng))

	// already riding: still cooperates, no second insert
	due.TakeDuePayment(10)
	require.Equal(t, Decision{Cooperate: true}, p.Decide(due, 10, rng))

	split := RoleSplitPolicy{Cooperative: AlwaysPolicy{}, Other: NeverPolicy{}}
	require.True(t, split.Confirm(idle, 0, rng))
	require.False(t, split.Confirm(rider, 0, rng))
	require.Equal(t, "always/never", split.Name())

	_, err := PolicyByName("sometimes")
	require.ErrorIs(t, err, types.ErrConfig)
}
