// Package types defines core data structures and configuration for the ring-bus
// payment simulator.
package types

import (
	"fmt"
	"time"
)

// Ring shape defaults
const (
	// DefaultK is the anonymity guarantee: the minimum number of honest
	// members a request hides among
	DefaultK = 100

	// DefaultAlpha is the slack of additional, possibly non-cooperative members
	DefaultAlpha = 30

	// DefaultBeta is the number of rings built per formation round
	DefaultBeta = 1

	// DefaultThreshold is the number of independent confirmations a request
	// needs before it can be paid
	DefaultThreshold = 67
)

// Timing configuration (logical clock)
const (
	// HopDuration is the time the bus needs to move from one member to the next
	HopDuration = 10 * time.Second

	// EpochLength is the duration of one deposit/reward epoch
	EpochLength = 24 * time.Hour

	// DefaultEpochs is the number of epochs in a ring's lifetime
	DefaultEpochs = 20
)

// Deposit configuration (USD)
const (
	// DefaultDeposit is the refundable deposit posted by every member
	DefaultDeposit = 50.0

	// DefaultSubsidy is the external subsidy added to every epoch's reward pool
	DefaultSubsidy = 0.0

	// PenaltyRate is the fraction of balance forfeited by a member that
	// defected on every opportunity during an epoch
	PenaltyRate = 0.10

	// SlashFraction is the fraction of the remaining deposit withheld from a
	// member exiting with trust below MinExitTrust
	SlashFraction = 0.50
)

// Trust configuration
const (
	// InitialTrust is the starting trust for new members
	InitialTrust = 0.50

	// TrustReward is trust gained per cooperative action
	TrustReward = 0.01

	// TrustPenaltyMiss is trust lost per defection
	TrustPenaltyMiss = 0.02

	// TrustPenaltyFreeRide is trust lost per epoch by a member that never
	// inserted real traffic and never confirmed
	TrustPenaltyFreeRide = 0.05

	// TrustFloor is the minimum trust score
	TrustFloor = 0.0

	// TrustMax is the maximum trust score
	TrustMax = 1.0

	// RewardFloor is the trust a member needs to share the epoch reward pool
	RewardFloor = 0.10

	// MinExitTrust is the trust a member needs to recover its full deposit
	MinExitTrust = 0.25
)

// Config holds the configuration of one simulation run
type Config struct {
	// Ring shape
	K         int `yaml:"k" json:"k"`
	Alpha     int `yaml:"alpha" json:"alpha"`
	Beta      int `yaml:"beta" json:"beta"`
	Threshold int `yaml:"threshold" json:"threshold"`

	// Timing
	HopDuration time.Duration `yaml:"hop_duration" json:"hop_duration"`
	EpochLength time.Duration `yaml:"epoch_length" json:"epoch_length"`
	Epochs      int           `yaml:"epochs" json:"epochs"`

	// Deposit
	Deposit       float64 `yaml:"deposit" json:"deposit"`
	Subsidy       float64 `yaml:"subsidy" json:"subsidy"`
	PenaltyRate   float64 `yaml:"penalty_rate" json:"penalty_rate"`
	SlashFraction float64 `yaml:"slash_fraction" json:"slash_fraction"`
	MinExitTrust  float64 `yaml:"min_exit_trust" json:"min_exit_trust"`
	RewardFloor   float64 `yaml:"reward_floor" json:"reward_floor"`

	// Trust
	InitialTrust         float64 `yaml:"initial_trust" json:"initial_trust"`
	TrustReward          float64 `yaml:"trust_reward" json:"trust_reward"`
	TrustPenaltyMiss     float64 `yaml:"trust_penalty_miss" json:"trust_penalty_miss"`
	TrustPenaltyFreeRide float64 `yaml:"trust_penalty_free_ride" json:"trust_penalty_free_ride"`
	TrustFloor           float64 `yaml:"trust_floor" json:"trust_floor"`
	TrustMax             float64 `yaml:"trust_max" json:"trust_max"`

	// Seed feeds ring formation and every per-ring generator
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		K:                    DefaultK,
		Alpha:                DefaultAlpha,
		Beta:                 DefaultBeta,
		Threshold:            DefaultThreshold,
		HopDuration:          HopDuration,
		EpochLength:          EpochLength,
		Epochs:               DefaultEpochs,
		Deposit:              DefaultDeposit,
		Subsidy:              DefaultSubsidy,
		PenaltyRate:          PenaltyRate,
		SlashFraction:        SlashFraction,
		MinExitTrust:         MinExitTrust,
		RewardFloor:          RewardFloor,
		InitialTrust:         InitialTrust,
		TrustReward:          TrustReward,
		TrustPenaltyMiss:     TrustPenaltyMiss,
		TrustPenaltyFreeRide: TrustPenaltyFreeRide,
		TrustFloor:           TrustFloor,
		TrustMax:             TrustMax,
	}
}

// RingSize returns the number of members of every ring (k + alpha)
func (c Config) RingSize() int {
	return c.K + c.Alpha
}

// Population returns the number of users the run needs (beta * (k + alpha))
func (c Config) Population() int {
	return c.Beta * c.RingSize()
}

// Validate rejects configurations that cannot be simulated
func (c Config) Validate() error {
	switch {
	case c.K < 1:
		return &ConfigError{Field: "k", Reason: fmt.Sprintf("must be positive, got %d", c.K)}
	case c.Alpha < 0:
		return &ConfigError{Field: "alpha", Reason: fmt.Sprintf("must not be negative, got %d", c.Alpha)}
	case c.Beta < 1:
		return &ConfigError{Field: "beta", Reason: fmt.Sprintf("must be positive, got %d", c.Beta)}
	case c.RingSize() < 2:
		return &ConfigError{Field: "k+alpha", Reason: "a ring needs at least two members"}
	case c.Threshold < 1 || c.Threshold > c.RingSize()-1:
		return &ConfigError{
			Field:  "threshold",
			Reason: fmt.Sprintf("must lie in [1, %d], got %d", c.RingSize()-1, c.Threshold),
		}
	case c.HopDuration <= 0:
		return &ConfigError{Field: "hop_duration", Reason: "must be positive"}
	case c.EpochLength <= 0:
		return &ConfigError{Field: "epoch_length", Reason: "must be positive"}
	case c.Epochs < 1:
		return &ConfigError{Field: "epochs", Reason: "must be positive"}
	case c.Deposit < 0:
		return &ConfigError{Field: "deposit", Reason: "must not be negative"}
	case c.Subsidy < 0:
		return &ConfigError{Field: "subsidy", Reason: "must not be negative"}
	}

	fractions := []struct {
		name  string
		value float64
	}{
		{"penalty_rate", c.PenaltyRate},
		{"slash_fraction", c.SlashFraction},
	}
	for _, f := range fractions {
		if f.value < 0 || f.value > 1 {
			return &ConfigError{Field: f.name, Reason: fmt.Sprintf("must lie in [0, 1], got %g", f.value)}
		}
	}

	if c.TrustFloor > c.TrustMax {
		return &ConfigError{Field: "trust_floor", Reason: "exceeds trust_max"}
	}
	if c.InitialTrust < c.TrustFloor || c.InitialTrust > c.TrustMax {
		return &ConfigError{Field: "initial_trust", Reason: "outside [trust_floor, trust_max]"}
	}

	return nil
}
