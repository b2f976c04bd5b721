package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

func userIDs(n int) []types.UserID {
	ids := make([]types.UserID, n)
	for i := range ids {
		ids[i] = types.UserID(i)
	}
	return ids
}

func TestPartition(t *testing.T) {
	const k, alpha, beta = 7, 3, 4
	users := userIDs(beta * (k + alpha))

	rings, err := Partition(users, k, alpha, beta, crypto.CampaignSeed(1))
	require.NoError(t, err)
	require.Len(t, rings, beta)

	seen := make(map[types.UserID]int)
	for i, r := range rings {
		require.Equal(t, i, r.ID)
		require.Equal(t, k+alpha, r.Size())
		for _, m := range r.Members {
			seen[m]++
		}
	}
	// every user in exactly one ring
	require.Len(t, seen, len(users))
	for id, count := range seen {
		if count != 1 {
			t.Errorf("user %d appears in %d rings", id, count)
		}
	}
}

func TestPartitionDeterministic(t *testing.T) {
	users := userIDs(20)

	a, err := Partition(users, 4, 1, 4, crypto.CampaignSeed(9))
	require.NoError(t, err)
	b, err := Partition(users, 4, 1, 4, crypto.CampaignSeed(9))
	require.NoError(t, err)
	c, err := Partition(users, 4, 1, 4, crypto.CampaignSeed(10))
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestPartitionErrors(t *testing.T) {
	tests := []struct {
		name   string
		users  int
		k      int
		alpha  int
		beta   int
		reason string
	}{
		{"not divisible", 11, 3, 1, 3, "do not divide"},
		{"wrong count", 12, 3, 1, 2, "need exactly"},
		{"bad shape", 4, 0, 4, 1, "invalid ring shape"},
		{"bad beta", 4, 3, 1, 0, "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Partition(userIDs(tt.users), tt.k, tt.alpha, tt.beta, crypto.CampaignSeed(0))
			require.ErrorIs(t, err, types.ErrConfig)
			require.Contains(t, err.Error(), tt.reason)
		})
	}

	dup := []types.UserID{1, 2, 3, 1}
	_, err := Partition(dup, 3, 1, 1, crypto.CampaignSeed(0))
	require.ErrorIs(t, err, types.ErrConfig)
}

func TestRingPosition(t *testing.T) {
	r := &Ring{ID: 0, Members: []types.UserID{10, 20, 30}}
	require.Equal(t, 1, r.Position(20))
	require.Equal(t, -1, r.Position(99))
	require.Equal(t, types.UserID(10), r.Member(3))
	require.Equal(t, types.UserID(30), r.Member(-1))
}
