package cost

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMissingColumn is returned when a cost export lacks a required column
var ErrMissingColumn = errors.New("missing column")

// BatchCost is the measured gas of one exit for a given batch shape
type BatchCost struct {
	StartConfirmGas uint64
	PayGas          uint64
}

type batchKey struct {
	nPayments int
	endEpoch  bool
}

// BatchProfile holds gas measurements keyed by (nPayments, endEpoch) for one
// ring shape
type BatchProfile struct {
	K     int
	Alpha int
	costs map[batchKey]BatchCost
}

// NewBatchProfile creates an empty profile
func NewBatchProfile(k, alpha int) *BatchProfile {
	return &BatchProfile{
		K:     k,
		Alpha: alpha,
		costs: make(map[batchKey]BatchCost),
	}
}

// Set records the measurement for a batch shape
func (p *BatchProfile) Set(nPayments int, endEpoch bool, c BatchCost) {
	p.costs[batchKey{nPayments, endEpoch}] = c
}

// Lookup returns the measurement for a batch shape
func (p *BatchProfile) Lookup(nPayments int, endEpoch bool) (BatchCost, bool) {
	c, ok := p.costs[batchKey{nPayments, endEpoch}]
	return c, ok
}

// Len returns the number of measured shapes
func (p *BatchProfile) Len() int {
	return len(p.costs)
}

var profileColumns = []string{"k", "alpha", "nPayments", "End Epoch", "StartConfirmGas", "PayGas"}

// LoadBatchProfile reads a semicolon separated gas export and keeps the rows
// of the (k, alpha) ring shape. Rows that do not parse are skipped.
func LoadBatchProfile(r io.Reader, k, alpha int) (*BatchProfile, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, col := range profileColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, col)
		}
	}

	profile := NewBatchProfile(k, alpha)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		field := func(col string) string {
			i := index[col]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		kv, err1 := strconv.Atoi(field("k"))
		av, err2 := strconv.Atoi(field("alpha"))
		if err1 != nil || err2 != nil || kv != k || av != alpha {
			continue
		}
		n, err1 := strconv.Atoi(field("nPayments"))
		sc, err2 := strconv.ParseUint(field("StartConfirmGas"), 10, 64)
		pay, err3 := strconv.ParseUint(field("PayGas"), 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		profile.Set(n, field("End Epoch") == "Yes", BatchCost{StartConfirmGas: sc, PayGas: pay})
	}

	return profile, nil
}
