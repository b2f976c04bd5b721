package campaign

import (
	"context"
	"encoding/csv"
	"io"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// SweepConfig spans the configuration grid of a sweep
type SweepConfig struct {
	Hops            []time.Duration `yaml:"hops"`
	DepositPercents []float64       `yaml:"deposit_percents"` // of the wallet
	Levels          []float64       `yaml:"levels"`           // alpha cooperation levels
	Runs            int             `yaml:"runs"`
}

// DefaultSweep returns the grid of the reference campaign: hops of 10s to
// 210s, deposits of 1% to 196% of the wallet and five cooperation levels
func DefaultSweep() SweepConfig {
	sc := SweepConfig{
		Levels: []float64{0, 0.3, 0.6, 0.9, 1},
		Runs:   DefaultRuns,
	}
	for hop := 10 * time.Second; hop <= 210*time.Second; hop += 10 * time.Second {
		sc.Hops = append(sc.Hops, hop)
	}
	for pct := 1; pct <= 200; pct += 5 {
		sc.DepositPercents = append(sc.DepositPercents, float64(pct))
	}
	return sc
}

// Validate rejects an empty grid
func (sc SweepConfig) Validate() error {
	switch {
	case len(sc.Hops) == 0:
		return &types.ConfigError{Field: "sweep.hops", Reason: "empty"}
	case len(sc.DepositPercents) == 0:
		return &types.ConfigError{Field: "sweep.deposit_percents", Reason: "empty"}
	case len(sc.Levels) == 0:
		return &types.ConfigError{Field: "sweep.levels", Reason: "empty"}
	case sc.Runs < 1:
		return &types.ConfigError{Field: "sweep.runs", Reason: "must be positive"}
	}
	for _, h := range sc.Hops {
		if h <= 0 {
			return &types.ConfigError{Field: "sweep.hops", Reason: "must be positive"}
		}
	}
	return nil
}

// SweepRow is the aggregate of all runs of one grid point
type SweepRow struct {
	Hop              time.Duration
	DepositPercent   float64
	Level            float64
	Summary          Summary // pooled over runs; RunID is empty
	TheoreticalShare float64 // theoretical deposit as a percentage of the wallet
}

// Sweep runs every point of the grid sc over the traces and hands each row
// to emit in grid order. Run r of every point uses seed base+r for both the
// population and the rings, so points differ only by their parameters.
func (r *Runner) Sweep(ctx context.Context, traces []Trace, sc SweepConfig, emit func(SweepRow) error) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	demand := EstimateDemand(traces)

	for _, level := range sc.Levels {
		for _, hop := range sc.Hops {
			for _, pct := range sc.DepositPercents {
				cfg := r.config
				cfg.HopDuration = hop
				cfg.AlphaCooperation = level
				cfg.Deposit = cfg.Wallet * pct / 100

				row, err := r.sweepPoint(ctx, cfg, traces, demand, sc.Runs)
				if err != nil {
					return err
				}
				row.DepositPercent = pct
				if err := emit(row); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Runner) sweepPoint(ctx context.Context, cfg Config, traces []Trace, demand Demand, runs int) (SweepRow, error) {
	results := make([]*Result, runs)

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for run := 0; run < runs; run++ {
		g.Go(func() error {
			c := cfg
			c.Seed = cfg.Seed + int64(run)
			// one ring at a time per run; runs provide the parallelism
			c.Workers = 1

			users, err := BuildPopulation(traces, c, crypto.NewRand(crypto.CampaignSeed(c.Seed)))
			if err != nil {
				return err
			}
			res, err := r.run(gctx, c, users, demand)
			if err != nil {
				return err
			}
			results[run] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepRow{}, err
	}

	var pooled Samples
	row := SweepRow{Hop: cfg.HopDuration, Level: cfg.AlphaCooperation}
	for _, res := range results {
		pooled.merge(res.Samples)
		row.Summary.Completed += res.Completed
		row.Summary.Failed += res.Failed
		row.Summary.Executed += res.Executed
		row.Summary.Expired += res.Expired
		row.Summary.Theory = res.Theory
	}
	row.Summary.WaitMean, row.Summary.WaitSD = MeanSD(pooled.Waiting)
	row.Summary.CooperativeMean, row.Summary.CooperativeSD = MeanSD(pooled.Cooperative)
	row.Summary.NonCooperativeMean, row.Summary.NonCooperativeSD = MeanSD(pooled.NonCooperative)
	if cfg.Wallet > 0 {
		row.TheoreticalShare = row.Summary.Theory.Deposit / cfg.Wallet * 100
	}
	return row, nil
}

var sweepHeader = []string{
	"T_hop",
	"deposit_percentage",
	"collaboration_level",
	"mean_waiting_time",
	"sd_waiting_time",
	"mean_expense_coll",
	"sd_expense_coll",
	"mean_expense_non_coll",
	"sd_expense_non_coll",
	"theoretical_deposit",
	"theoretical_deposit_percentage",
}

// SweepWriter writes sweep rows as ';'-separated CSV, flushing every row
type SweepWriter struct {
	w      *csv.Writer
	header bool
}

// NewSweepWriter creates a writer on w
func NewSweepWriter(w io.Writer) *SweepWriter {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	return &SweepWriter{w: cw}
}

// Write appends one row, preceded by the header on first use
func (sw *SweepWriter) Write(row SweepRow) error {
	if !sw.header {
		if err := sw.w.Write(sweepHeader); err != nil {
			return err
		}
		sw.header = true
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	s := row.Summary
	record := []string{
		strconv.FormatInt(row.Hop.Milliseconds(), 10),
		f(row.DepositPercent),
		f(row.Level),
		f(s.WaitMean),
		f(s.WaitSD),
		f(s.CooperativeMean),
		f(s.CooperativeSD),
		f(s.NonCooperativeMean),
		f(s.NonCooperativeSD),
		f(s.Theory.Deposit),
		f(row.TheoreticalShare),
	}
	if err := sw.w.Write(record); err != nil {
		return err
	}
	sw.w.Flush()
	return sw.w.Error()
}
