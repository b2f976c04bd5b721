// Package cost converts ring contract operations into USD expenses.
package cost

import (
	"fmt"
	"sort"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Op names a ring contract operation that consumes gas
type Op string

const (
	OpStartConfirm Op = "startConfirm"
	OpConfirm      Op = "confirm"
	OpPay          Op = "pay"
	OpDepositBack  Op = "depositBack"

	// opSetConfirm is the older name of startConfirm
	opSetConfirm Op = "setConfirm"
)

// RequiredOps lists the operations every gas table must price
var RequiredOps = []Op{OpStartConfirm, OpConfirm, OpPay, OpDepositBack}

// Reference gas usage of the ring contract operations
const (
	DefaultStartConfirmGas = 118_432
	DefaultConfirmGas      = 50_056
	DefaultPayGas          = 86_217
	DefaultDepositBackGas  = 61_904

	// DefaultUSDPerGas is the 2024 yearly average cost of one gas unit
	DefaultUSDPerGas = 0.0000598392
)

// DefaultGasTable returns the reference gas table
func DefaultGasTable() map[string]uint64 {
	return map[string]uint64{
		string(OpStartConfirm): DefaultStartConfirmGas,
		string(OpConfirm):      DefaultConfirmGas,
		string(OpPay):          DefaultPayGas,
		string(OpDepositBack):  DefaultDepositBackGas,
	}
}

// Model prices operations in USD. It is immutable once built and safe to
// share between rings.
type Model struct {
	gas       map[Op]uint64
	usdPerGas float64
	profile   *BatchProfile
}

// NewModel builds a cost model from a gas table keyed by operation name
func NewModel(table map[string]uint64, usdPerGas float64) (*Model, error) {
	if usdPerGas <= 0 {
		return nil, &types.ConfigError{Field: "usd_per_gas", Reason: fmt.Sprintf("must be positive, got %g", usdPerGas)}
	}

	gas := make(map[Op]uint64, len(RequiredOps))
	for name, units := range table {
		op := Op(name)
		if op == opSetConfirm {
			op = OpStartConfirm
		}
		gas[op] = units
	}

	missing := make([]string, 0)
	for _, op := range RequiredOps {
		if _, ok := gas[op]; !ok {
			missing = append(missing, string(op))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &types.ConfigError{Field: "gas_table", Reason: fmt.Sprintf("missing operations %v", missing)}
	}

	return &Model{gas: gas, usdPerGas: usdPerGas}, nil
}

// DefaultModel returns the model built from the reference table
func DefaultModel() *Model {
	m, err := NewModel(DefaultGasTable(), DefaultUSDPerGas)
	if err != nil {
		panic(err)
	}
	return m
}

// WithProfile returns a copy of the model that prices exits from a measured
// batch profile where one is available
func (m *Model) WithProfile(p *BatchProfile) *Model {
	gas := make(map[Op]uint64, len(m.gas))
	for op, units := range m.gas {
		gas[op] = units
	}
	return &Model{gas: gas, usdPerGas: m.usdPerGas, profile: p}
}

// Gas returns the gas units of an operation
func (m *Model) Gas(op Op) uint64 {
	return m.gas[op]
}

// USDPerGas returns the conversion rate the model uses
func (m *Model) USDPerGas() float64 {
	return m.usdPerGas
}

// USD returns the cost of one call of op
func (m *Model) USD(op Op) float64 {
	return float64(m.gas[op]) * m.usdPerGas
}

// ConfirmCost is charged to every member that confirms a batch
func (m *Model) ConfirmCost() float64 {
	return m.USD(OpConfirm)
}

// ExitCost is charged to the exit holder for startConfirm and pay over a
// batch of nPayments requests. The batch that closes an epoch also carries
// the depositBack settlement.
func (m *Model) ExitCost(nPayments int, endEpoch bool) float64 {
	if m.profile != nil {
		if c, ok := m.profile.Lookup(nPayments, endEpoch); ok {
			return float64(c.StartConfirmGas+c.PayGas) * m.usdPerGas
		}
	}

	total := m.USD(OpStartConfirm) + m.USD(OpPay)
	if endEpoch {
		total += m.USD(OpDepositBack)
	}
	return total
}

// DepositBackCost is the extra cost of a batch that closes an epoch
func (m *Model) DepositBackCost(nPayments int) float64 {
	return m.ExitCost(nPayments, true) - m.ExitCost(nPayments, false)
}
