package campaign

import (
	"math"
	"time"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/cost"
)

// MeanSD returns the mean and the sample standard deviation. An empty input
// yields zeros and a single value has no spread.
func MeanSD(values []float64) (float64, float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}

// Demand summarizes the payment demand of a population
type Demand struct {
	Rate         float64 // payments per second per user
	MeanPayments float64 // payments per user over the ring lifetime
}

// EstimateDemand measures the demand of a set of traces
func EstimateDemand(traces []Trace) Demand {
	return Demand{
		Rate:         ArrivalRate(traces),
		MeanPayments: MeanPayments(traces),
	}
}

// Theory is the protocol-predicted deposit of a ring configuration
type Theory struct {
	RoundTime time.Duration
	Rounds    float64 // expected circulations per epoch
	MaxBatch  int     // upper bound of requests per circulation
	DeltaD    float64 // expected cost the deposit covers per epoch, USD
	Deposit   float64 // per-user deposit, USD
}

// TheoreticalDeposit predicts the deposit every member must post so the
// ring's refund covers its protocol costs over epochs epochs: n members, one
// hop every hop.
func TheoreticalDeposit(n, epochs int, hop time.Duration, d Demand, costs *cost.Model) Theory {
	th := Theory{RoundTime: time.Duration(n) * hop}
	if n < 2 || epochs < 1 || d.Rate <= 0 {
		return th
	}

	roundSec := th.RoundTime.Seconds()
	th.Rounds = d.MeanPayments / (float64(epochs) * d.Rate * roundSec)
	th.MaxBatch = int(math.Min(math.Ceil(float64(n)*d.Rate*roundSec), float64(n-1)))

	exit := costs.ExitCost(th.MaxBatch, false)
	settlement := costs.DepositBackCost(th.MaxBatch)

	th.DeltaD = costs.ConfirmCost()*float64(n-1)*th.Rounds + exit*th.Rounds + settlement
	th.Deposit = th.DeltaD * float64(epochs) / float64(n)
	return th
}
