// Package campaign drives many independent ring simulations: it builds the
// population, forms rings, runs them on a bounded worker pool and aggregates
// their statistics.
package campaign

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Campaign defaults
const (
	// DefaultWallet is the starting wallet of every user, USD
	DefaultWallet = 6602.23

	// DefaultRuns is the number of repetitions per sweep configuration
	DefaultRuns = 30
)

// Config is the configuration of a campaign. The embedded run configuration
// applies to every ring; a zero epoch length spreads the epochs evenly over
// the population's payment span.
type Config struct {
	types.Config `yaml:",inline"`

	// AlphaCooperation is the cooperation level of the alpha members of every
	// ring; the k others always cooperate
	AlphaCooperation float64 `yaml:"alpha_cooperation"`

	// FreeRiderShare is the fraction of alpha members that free-ride
	FreeRiderShare float64 `yaml:"free_rider_share"`

	Wallet     float64 `yaml:"wallet"`
	Workers    int     `yaml:"workers"`
	Policy     string  `yaml:"policy"`
	TrustRule  string  `yaml:"trust_rule"`
	Refund     string  `yaml:"refund"` // "hold" or "trust-weighted"
	Signatures bool    `yaml:"signatures"`
}

// DefaultConfig returns the default campaign configuration
func DefaultConfig() Config {
	return Config{
		Config:     types.DefaultConfig(),
		Wallet:     DefaultWallet,
		Workers:    runtime.NumCPU(),
		Policy:     "probabilistic",
		TrustRule:  "linear",
		Refund:     "hold",
		Signatures: true,
	}
}

// Validate checks the campaign-level fields and the run configuration
func (c Config) Validate() error {
	run := c.Config
	if run.EpochLength == 0 {
		// fitted to the demand when the run starts
		run.EpochLength = time.Nanosecond
	}
	if err := run.Validate(); err != nil {
		return err
	}
	switch {
	case c.AlphaCooperation < 0 || c.AlphaCooperation > 1:
		return &types.ConfigError{Field: "alpha_cooperation", Reason: fmt.Sprintf("must lie in [0, 1], got %g", c.AlphaCooperation)}
	case c.FreeRiderShare < 0 || c.FreeRiderShare > 1:
		return &types.ConfigError{Field: "free_rider_share", Reason: fmt.Sprintf("must lie in [0, 1], got %g", c.FreeRiderShare)}
	case c.Wallet < 0:
		return &types.ConfigError{Field: "wallet", Reason: "must not be negative"}
	case c.Workers < 0:
		return &types.ConfigError{Field: "workers", Reason: "must not be negative"}
	}
	return nil
}

// LoadConfig reads a YAML configuration on top of the defaults
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode campaign config: %w", err)
	}
	return cfg, nil
}
