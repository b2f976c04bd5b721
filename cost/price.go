package cost

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// WeiPerEther is the number of wei in one ether
const WeiPerEther = 1e18

// ErrNoData is returned when an export has no value for the requested year
var ErrNoData = errors.New("no data for year")

// PriceConverter turns an average gas price and an ether price into the USD
// cost of one gas unit
type PriceConverter struct {
	GasPriceWei float64 // wei per gas unit
	EtherUSD    float64 // USD per ether
}

// USDPerGas returns the USD cost of one gas unit
func (p PriceConverter) USDPerGas() float64 {
	return p.GasPriceWei / WeiPerEther * p.EtherUSD
}

// TransactionUSD returns the USD cost of a transaction consuming gas units
func (p PriceConverter) TransactionUSD(gas uint64) float64 {
	return float64(gas) * p.USDPerGas()
}

// YearlyAverage averages the value column of a daily export over the rows
// dated in year. Dates are MM/DD/YYYY; header and malformed rows are skipped.
func YearlyAverage(r io.Reader, year, dateCol, valueCol int) (float64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var sum float64
	var count int
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read row: %w", err)
		}
		if len(row) <= dateCol || len(row) <= valueCol {
			continue
		}

		date, err := time.Parse("1/2/2006", strings.TrimSpace(row[dateCol]))
		if err != nil || date.Year() != year {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(row[valueCol]), 64)
		if err != nil {
			continue
		}
		sum += value
		count++
	}

	if count == 0 {
		return 0, fmt.Errorf("%w %d", ErrNoData, year)
	}
	return sum / float64(count), nil
}

// LoadPriceConverter averages a gas price export and an ether price export
// over the same year
func LoadPriceConverter(gasPrices, etherPrices io.Reader, year int) (PriceConverter, error) {
	gas, err := YearlyAverage(gasPrices, year, 0, 2)
	if err != nil {
		return PriceConverter{}, fmt.Errorf("gas price: %w", err)
	}
	eth, err := YearlyAverage(etherPrices, year, 0, 2)
	if err != nil {
		return PriceConverter{}, fmt.Errorf("ether price: %w", err)
	}
	return PriceConverter{GasPriceWei: gas, EtherUSD: eth}, nil
}
