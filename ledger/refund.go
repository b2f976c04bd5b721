package ledger

import (
	"math"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// RefundShare is what a refund rule sees of one active member
type RefundShare struct {
	User    types.UserID
	Balance float64
	Trust   float64
}

// RefundRule decides how much of the posted deposits flows back to the
// members at an epoch boundary. Each member gives up Contribution out of its
// own balance and receives Payout; the payouts of an epoch never exceed its
// contributions.
type RefundRule interface {
	Name() string
	// Refunds returns the contribution and the payout of every member, in
	// the order of shares. remaining counts the epochs left including the
	// one being settled.
	Refunds(shares []RefundShare, remaining int) (contributions, payouts []float64)
}

// HoldRefund keeps every deposit posted until the member exits
type HoldRefund struct{}

// Name returns the rule name
func (HoldRefund) Name() string { return "hold" }

// Refunds pays nothing back
func (HoldRefund) Refunds(shares []RefundShare, _ int) ([]float64, []float64) {
	return make([]float64, len(shares)), make([]float64, len(shares))
}

// TrustWeightedRefund releases an even slice of the deposits every epoch so
// the last epoch empties them, and shares the slice by trust: a trusted
// member gets back more than it put in, a distrusted one less. When nobody
// holds any trust every member gets its own slice back.
type TrustWeightedRefund struct{}

// Name returns the rule name
func (TrustWeightedRefund) Name() string { return "trust-weighted" }

// Refunds implements RefundRule
func (TrustWeightedRefund) Refunds(shares []RefundShare, remaining int) ([]float64, []float64) {
	contributions := make([]float64, len(shares))
	payouts := make([]float64, len(shares))
	if len(shares) == 0 {
		return contributions, payouts
	}
	remaining = max(1, remaining)

	var pot, totalWeight float64
	for i, sh := range shares {
		contributions[i] = math.Max(0, sh.Balance) / float64(remaining)
		pot += contributions[i]
		totalWeight += math.Max(0, sh.Trust)
	}
	if totalWeight <= 0 {
		copy(payouts, contributions)
		return contributions, payouts
	}

	distributed := 0.0
	last := len(shares) - 1
	for i, sh := range shares {
		if i == last {
			payouts[i] = math.Max(0, pot-distributed)
			break
		}
		payouts[i] = pot * math.Max(0, sh.Trust) / totalWeight
		distributed += payouts[i]
	}
	return contributions, payouts
}

// RefundRuleByName resolves a refund rule name from configuration
func RefundRuleByName(name string) (RefundRule, error) {
	switch name {
	case "", "hold":
		return HoldRefund{}, nil
	case "trust-weighted":
		return TrustWeightedRefund{}, nil
	default:
		return nil, &types.ConfigError{Field: "refund", Reason: "unknown rule " + name}
	}
}
