package trust

import (
	"math"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Observation is what a ring saw of one member during an epoch
type Observation struct {
	Cooperations  int // hops forwarded and confirmations cast
	Defections    int // hops withheld and confirmations declined
	Inserted      int // real requests written into the bus
	Confirmed     int // confirmations cast
	Opportunities int // batches the member could have confirmed
	FreeRider     bool // the member never intends to pay or confirm
}

// FreeRiding reports a member that rides on the ring: either its role says so
// or it had the chance to take part but neither inserted real traffic nor
// confirmed anything. Forwarding alone never counts as taking part.
func (o Observation) FreeRiding() bool {
	if o.FreeRider {
		return true
	}
	return o.Opportunities > 0 && o.Inserted == 0 && o.Confirmed == 0
}

// CooperationRatio returns the share of cooperative actions, 0 when the
// member had no decisions to make
func (o Observation) CooperationRatio() float64 {
	total := o.Cooperations + o.Defections
	if total == 0 {
		return 0
	}
	return float64(o.Cooperations) / float64(total)
}

// Rule maps a score and an epoch observation to the next score. Rules are
// calibration knobs; the simulator and the ledger only see this interface.
type Rule interface {
	Name() string
	Update(score float64, obs Observation) float64
}

// LinearRule adds a fixed reward per cooperative action and subtracts a fixed
// penalty per defection. A free-riding member earns nothing and pays the
// free-ride penalty on top of its defections.
type LinearRule struct {
	Reward          float64
	PenaltyMiss     float64
	PenaltyFreeRide float64
	Floor           float64
	Max             float64
}

// NewLinearRule builds the linear rule from a run configuration
func NewLinearRule(cfg types.Config) *LinearRule {
	return &LinearRule{
		Reward:          cfg.TrustReward,
		PenaltyMiss:     cfg.TrustPenaltyMiss,
		PenaltyFreeRide: cfg.TrustPenaltyFreeRide,
		Floor:           cfg.TrustFloor,
		Max:             cfg.TrustMax,
	}
}

// Name returns the rule name
func (r *LinearRule) Name() string { return "linear" }

// Update applies one epoch of observations
func (r *LinearRule) Update(score float64, obs Observation) float64 {
	var next float64
	if obs.FreeRiding() {
		next = score - r.PenaltyFreeRide - r.PenaltyMiss*float64(obs.Defections)
	} else {
		next = score + r.Reward*float64(obs.Cooperations) - r.PenaltyMiss*float64(obs.Defections)
	}
	return clamp(next, r.Floor, r.Max)
}

// InverseScoreRule is memoryless: every epoch starts from a score of -1 that
// drops by one per defection, and trust is -1/score. A member that never
// defects ends the epoch at full trust. A free rider's forwarded hops count
// as defections and it loses at least one point per epoch.
type InverseScoreRule struct {
	Floor float64
	Max   float64
}

// Name returns the rule name
func (r *InverseScoreRule) Name() string { return "inverse" }

// Update ignores the previous score
func (r *InverseScoreRule) Update(_ float64, obs Observation) float64 {
	defections := obs.Defections
	if obs.FreeRiding() {
		defections = max(1, obs.Defections+obs.Cooperations)
	}
	score := -1.0 - float64(defections)
	return clamp(-1/score*r.Max, r.Floor, r.Max)
}

// RuleByName resolves a rule name from configuration
func RuleByName(name string, cfg types.Config) (Rule, error) {
	switch name {
	case "", "linear":
		return NewLinearRule(cfg), nil
	case "inverse":
		return &InverseScoreRule{Floor: cfg.TrustFloor, Max: cfg.TrustMax}, nil
	default:
		return nil, &types.ConfigError{Field: "trust_rule", Reason: "unknown rule " + name}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
