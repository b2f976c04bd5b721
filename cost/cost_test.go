package cost

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

func TestNewModelMissingOp(t *testing.T) {
	table := DefaultGasTable()
	delete(table, string(OpDepositBack))

	_, err := NewModel(table, DefaultUSDPerGas)
	require.ErrorIs(t, err, types.ErrConfig)

	var cfgErr *types.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Contains(t, cfgErr.Reason, "depositBack")
}

func TestNewModelSetConfirmAlias(t *testing.T) {
	table := DefaultGasTable()
	delete(table, string(OpStartConfirm))
	table["setConfirm"] = 1000

	m, err := NewModel(table, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), m.Gas(OpStartConfirm))
	require.Equal(t, 2000.0, m.USD(OpStartConfirm))
}

func TestNewModelRejectsPrice(t *testing.T) {
	_, err := NewModel(DefaultGasTable(), 0)
	require.ErrorIs(t, err, types.ErrConfig)
}

func TestExitCost(t *testing.T) {
	m, err := NewModel(map[string]uint64{
		"startConfirm": 10,
		"confirm":      1,
		"pay":          20,
		"depositBack":  5,
	}, 0.5)
	require.NoError(t, err)

	require.Equal(t, 15.0, m.ExitCost(3, false))
	require.Equal(t, 17.5, m.ExitCost(3, true))
	require.Equal(t, 2.5, m.DepositBackCost(3))
	require.Equal(t, 0.5, m.ConfirmCost())

	profile := NewBatchProfile(3, 1)
	profile.Set(3, true, BatchCost{StartConfirmGas: 100, PayGas: 60})
	pm := m.WithProfile(profile)

	require.Equal(t, 80.0, pm.ExitCost(3, true))
	// unmeasured shapes fall back to the table
	require.Equal(t, 15.0, pm.ExitCost(3, false))
	// the original model is untouched
	require.Equal(t, 17.5, m.ExitCost(3, true))
}

const ganacheExport = `k;alpha;nPayments;End Epoch;DeployGas;StartConfirmGas;MaxConfirmGas;MinConfirmGas;PayGas
3;1;1;No;900000;70000;52000;50000;40000
3;1;1;Yes;900000;90000;52000;50000;65000
3;1;2;No;900000;80000;52000;50000;50000
100;30;1;No;900000;1;1;1;1
3;1;x;No;900000;1;1;1;1
`

func TestLoadBatchProfile(t *testing.T) {
	p, err := LoadBatchProfile(strings.NewReader(ganacheExport), 3, 1)
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())

	c, ok := p.Lookup(1, true)
	require.True(t, ok)
	require.Equal(t, BatchCost{StartConfirmGas: 90000, PayGas: 65000}, c)

	_, ok = p.Lookup(2, true)
	require.False(t, ok)
}

func TestLoadBatchProfileMissingColumn(t *testing.T) {
	_, err := LoadBatchProfile(strings.NewReader("k;alpha;nPayments\n3;1;1\n"), 3, 1)
	require.ErrorIs(t, err, ErrMissingColumn)
}

const gasExport = `"Date(UTC)","UnixTimeStamp","Value (Wei)"
"12/31/2023","1703980800","30000000000"
"01/01/2024","1704067200","10000000000"
"06/15/2024","1718409600","30000000000"
"garbage"
`

func TestYearlyAverage(t *testing.T) {
	avg, err := YearlyAverage(strings.NewReader(gasExport), 2024, 0, 2)
	require.NoError(t, err)
	require.Equal(t, 20e9, avg)

	_, err = YearlyAverage(strings.NewReader(gasExport), 2019, 0, 2)
	require.ErrorIs(t, err, ErrNoData)
}

func TestPriceConverter(t *testing.T) {
	p := PriceConverter{GasPriceWei: 20e9, EtherUSD: 3000}
	if math.Abs(p.USDPerGas()-0.00006) > 1e-12 {
		t.Fatalf("unexpected usd per gas %g", p.USDPerGas())
	}
	if math.Abs(p.TransactionUSD(50056)-3.00336) > 1e-9 {
		t.Fatalf("unexpected transaction cost %g", p.TransactionUSD(50056))
	}

	ether := "\"Date(UTC)\",\"UnixTimeStamp\",\"Value\"\n\"03/01/2024\",\"0\",\"3000\"\n"
	loaded, err := LoadPriceConverter(strings.NewReader(gasExport), strings.NewReader(ether), 2024)
	require.NoError(t, err)
	require.Equal(t, PriceConverter{GasPriceWei: 20e9, EtherUSD: 3000}, loaded)
}
