package ring

import (
	"math/rand/v2"
	"time"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Decision is a holder's choice for one hop
type Decision struct {
	Cooperate bool // forward on time; false delays the bus to the protocol timeout
	Insert    bool // write the due payment into the own seat
}

// InsertionPolicy decides how a member behaves when it holds the bus and when
// a batch asks for confirmations. The probability function is a calibration
// knob, so the simulator only depends on this interface.
type InsertionPolicy interface {
	Name() string
	Decide(u *types.User, now time.Duration, rng *rand.Rand) Decision
	Confirm(u *types.User, now time.Duration, rng *rand.Rand) bool
}

// ProbabilisticPolicy: a member with an outstanding payment always
// cooperates and inserts it if it is not already riding; otherwise it
// cooperates with probability equal to its cooperation level. Free riders
// forward but never insert or confirm.
type ProbabilisticPolicy struct{}

// Name returns the policy name
func (ProbabilisticPolicy) Name() string { return "probabilistic" }

// Decide draws the hop decision
func (ProbabilisticPolicy) Decide(u *types.User, now time.Duration, rng *rand.Rand) Decision {
	if !u.IsCooperative() {
		return Decision{Cooperate: true}
	}
	if u.HasOutstandingPayment(now) {
		return Decision{Cooperate: true, Insert: u.HasDuePayment(now)}
	}
	return Decision{Cooperate: rng.Float64() < u.CooperationLevel}
}

// Confirm draws the confirmation decision
func (ProbabilisticPolicy) Confirm(u *types.User, now time.Duration, rng *rand.Rand) bool {
	if !u.IsCooperative() {
		return false
	}
	if u.HasOutstandingPayment(now) {
		return true
	}
	return rng.Float64() < u.CooperationLevel
}

// AlwaysPolicy cooperates on every hop, inserts every due payment and
// confirms every batch
type AlwaysPolicy struct{}

// Name returns the policy name
func (AlwaysPolicy) Name() string { return "always" }

// Decide never defects
func (AlwaysPolicy) Decide(u *types.User, now time.Duration, _ *rand.Rand) Decision {
	return Decision{Cooperate: true, Insert: u.HasDuePayment(now)}
}

// Confirm always confirms
func (AlwaysPolicy) Confirm(*types.User, time.Duration, *rand.Rand) bool { return true }

// NeverPolicy withholds everything
type NeverPolicy struct{}

// Name returns the policy name
func (NeverPolicy) Name() string { return "never" }

// Decide always defects
func (NeverPolicy) Decide(*types.User, time.Duration, *rand.Rand) Decision { return Decision{} }

// Confirm never confirms
func (NeverPolicy) Confirm(*types.User, time.Duration, *rand.Rand) bool { return false }

// RoleSplitPolicy applies one policy to cooperative members and another to
// everyone else
type RoleSplitPolicy struct {
	Cooperative InsertionPolicy
	Other       InsertionPolicy
}

// Name returns the policy name
func (p RoleSplitPolicy) Name() string {
	return p.Cooperative.Name() + "/" + p.Other.Name()
}

func (p RoleSplitPolicy) pick(u *types.User) InsertionPolicy {
	if !u.IsCooperative() {
		return p.Other
	}
	return p.Cooperative
}

// Decide delegates by role
func (p RoleSplitPolicy) Decide(u *types.User, now time.Duration, rng *rand.Rand) Decision {
	return p.pick(u).Decide(u, now, rng)
}

// Confirm delegates by role
func (p RoleSplitPolicy) Confirm(u *types.User, now time.Duration, rng *rand.Rand) bool {
	return p.pick(u).Confirm(u, now, rng)
}

// PolicyByName resolves a policy name from configuration
func PolicyByName(name string) (InsertionPolicy, error) {
	switch name {
	case "", "probabilistic":
		return ProbabilisticPolicy{}, nil
	case "always":
		return AlwaysPolicy{}, nil
	case "never":
		return NeverPolicy{}, nil
	default:
		return nil, &types.ConfigError{Field: "insertion_policy", Reason: "unknown policy " + name}
	}
}
