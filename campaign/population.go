package campaign

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

var (
	// ErrNoTraces is returned when a population is built from nothing
	ErrNoTraces = errors.New("no payment traces")

	// ErrNoPayments is returned when the chosen traces hold no payment
	ErrNoPayments = errors.New("no payments in chosen traces")
)

// Pair is one observed payment: a unix timestamp in milliseconds and an
// amount. It is encoded as a two-element JSON array.
type Pair struct {
	At     int64
	Amount float64
}

// UnmarshalJSON decodes [ts_ms, amount]
func (p *Pair) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("payment pair has %d elements", len(raw))
	}
	p.At = int64(raw[0])
	p.Amount = raw[1]
	return nil
}

// MarshalJSON encodes [ts_ms, amount]
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]float64{float64(p.At), p.Amount})
}

// Trace is the payment history of one source user. Cooperation and Role,
// when set, override the campaign's cooperation distribution for the user
// the trace is assigned to.
type Trace struct {
	User        string   `json:"user"`
	Cooperation *float64 `json:"cooperation,omitempty"`
	Role        string   `json:"role,omitempty"`
	Payments    []Pair   `json:"payments"`
}

func (t *Trace) sortPayments() {
	sort.SliceStable(t.Payments, func(i, j int) bool {
		return t.Payments[i].At < t.Payments[j].At
	})
}

// LoadTracesCSV reads the preprocessed dataset: a header with User and
// pairs_json columns, the latter a JSON list of [ts_ms, amount]
func LoadTracesCSV(r io.Reader) ([]Trace, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	userCol, pairsCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "User":
			userCol = i
		case "pairs_json":
			pairsCol = i
		}
	}
	if userCol < 0 || pairsCol < 0 {
		return nil, &types.ConfigError{Field: "population", Reason: "csv needs User and pairs_json columns"}
	}

	traces := make([]Trace, 0)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) <= userCol || len(row) <= pairsCol {
			continue
		}

		t := Trace{User: row[userCol], Payments: make([]Pair, 0)}
		if s := strings.TrimSpace(row[pairsCol]); s != "" {
			if err := json.Unmarshal([]byte(s), &t.Payments); err != nil {
				return nil, fmt.Errorf("line %d: pairs_json: %w", line, err)
			}
		}
		t.sortPayments()
		traces = append(traces, t)
	}
	return traces, nil
}

// LoadTracesJSONLines reads one JSON trace per line. Blank lines are skipped.
func LoadTracesJSONLines(r io.Reader) ([]Trace, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	traces := make([]Trace, 0)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var t Trace
		if err := json.Unmarshal([]byte(text), &t); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if t.User == "" {
			t.User = strconv.Itoa(line)
		}
		if t.Payments == nil {
			t.Payments = make([]Pair, 0)
		}
		t.sortPayments()
		traces = append(traces, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return traces, nil
}

// SyntheticTraces draws n Poisson payment streams of perUser payments at rate
// payments per second, with amounts uniform in [1, maxAmount]
func SyntheticTraces(n, perUser int, rate, maxAmount float64, rng *rand.Rand) []Trace {
	traces := make([]Trace, n)
	for i := range traces {
		t := Trace{User: "synthetic-" + strconv.Itoa(i), Payments: make([]Pair, 0, perUser)}
		at := 0.0
		for j := 0; j < perUser; j++ {
			at += rng.ExpFloat64() / rate
			t.Payments = append(t.Payments, Pair{
				At:     int64(at * 1000),
				Amount: 1 + rng.Float64()*(maxAmount-1),
			})
		}
		traces[i] = t
	}
	return traces
}

// PickUsers draws count indices out of available: without replacement when
// there are enough, with replacement otherwise
func PickUsers(available, count int, rng *rand.Rand) []int {
	if available <= 0 {
		return nil
	}
	if count <= available {
		return rng.Perm(available)[:count]
	}
	out := make([]int, count)
	for i := range out {
		out[i] = rng.IntN(available)
	}
	return out
}

// ArrivalRate estimates the payment rate in payments per second as the
// inverse of the mean of per-user mean inter-payment times. Users with fewer
// than two distinct timestamps are skipped.
func ArrivalRate(traces []Trace) float64 {
	var sum float64
	var users int
	for _, t := range traces {
		var total float64
		var gaps int
		for i := 1; i < len(t.Payments); i++ {
			if d := t.Payments[i].At - t.Payments[i-1].At; d > 0 {
				total += float64(d) / 1000
				gaps++
			}
		}
		if gaps == 0 {
			continue
		}
		sum += total / float64(gaps)
		users++
	}
	if users == 0 || sum == 0 {
		return 0
	}
	return 1 / (sum / float64(users))
}

// MeanPayments returns the mean number of payments per trace
func MeanPayments(traces []Trace) float64 {
	if len(traces) == 0 {
		return 0
	}
	total := 0
	for _, t := range traces {
		total += len(t.Payments)
	}
	return float64(total) / float64(len(traces))
}

// FitEpochLength splits the span of the chosen demand evenly over epochs
func FitEpochLength(users *types.UserSet, epochs int) time.Duration {
	var last time.Duration
	for _, u := range users.Users {
		if n := len(u.Payments); n > 0 && u.Payments[n-1].At > last {
			last = u.Payments[n-1].At
		}
	}
	if epochs < 1 || last == 0 {
		return 0
	}
	// the final payment must fall inside the horizon
	return last/time.Duration(epochs) + time.Second
}

// BuildPopulation creates the beta*(k+alpha) users of a run. beta*k users
// always cooperate, the others get AlphaCooperation and a FreeRiderShare of
// them free-ride; levels are shuffled over the population. Each user replays
// a trace picked from traces, shifted so the earliest chosen payment falls at
// time zero.
func BuildPopulation(traces []Trace, cfg Config, rng *rand.Rand) (*types.UserSet, error) {
	if len(traces) == 0 {
		return nil, ErrNoTraces
	}

	n := cfg.Population()
	cooperative := cfg.Beta * cfg.K
	alpha := n - cooperative
	freeRiders := int(math.Round(cfg.FreeRiderShare * float64(alpha)))

	type profile struct {
		role  types.Role
		level float64
	}
	profiles := make([]profile, n)
	for i := range profiles {
		switch {
		case i < cooperative:
			profiles[i] = profile{types.RoleCooperative, 1}
		case i < cooperative+freeRiders:
			profiles[i] = profile{types.RoleFreeRider, 0}
		default:
			profiles[i] = profile{types.RoleCooperative, cfg.AlphaCooperation}
		}
	}
	rng.Shuffle(n, func(i, j int) { profiles[i], profiles[j] = profiles[j], profiles[i] })

	chosen := PickUsers(len(traces), n, rng)

	first := int64(math.MaxInt64)
	for _, idx := range chosen {
		if p := traces[idx].Payments; len(p) > 0 && p[0].At < first {
			first = p[0].At
		}
	}
	if first == math.MaxInt64 {
		return nil, ErrNoPayments
	}

	users := types.NewUserSet()
	for i, idx := range chosen {
		t := traces[idx]
		p := profiles[i]
		if t.Cooperation != nil {
			p.level = *t.Cooperation
		}
		if t.Role != "" {
			role, err := parseRole(t.Role)
			if err != nil {
				return nil, err
			}
			p.role = role
		}

		u := types.NewUser(types.UserID(i), p.role, p.level)
		u.Wallet = cfg.Wallet
		for _, pair := range t.Payments {
			u.Payments = append(u.Payments, types.ScheduledPayment{
				At:     time.Duration(pair.At-first) * time.Millisecond,
				Amount: pair.Amount,
			})
		}
		users.Add(u)
	}
	return users, nil
}

func parseRole(s string) (types.Role, error) {
	switch s {
	case "cooperative":
		return types.RoleCooperative, nil
	case "free-rider", "free_rider":
		return types.RoleFreeRider, nil
	case "observer":
		return types.RoleObserver, nil
	default:
		return 0, &types.ConfigError{Field: "role", Reason: "unknown role " + s}
	}
}
