// Package msp checks listing prices against the minimum support price
// (MSP) reference table.
package msp

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/refdata"
)

// Checker is a pure lookup over a fixed MSP table. It never fails: a crop
// without a reference price is treated as compliant.
type Checker struct {
	prices map[string]decimal.Decimal
}

// NewChecker builds a checker from the reference tables.
func NewChecker(tables *refdata.Tables) *Checker {
	prices := make(map[string]decimal.Decimal, len(tables.MSP))
	for crop, p := range tables.MSP {
		prices[normCrop(crop)] = decimal.NewFromFloat(p)
	}
	return &Checker{prices: prices}
}

// Check returns the crop's MSP and whether unitPrice meets it.
// Unknown crops yield (0, true).
func (c *Checker) Check(crop string, unitPrice decimal.Decimal) (decimal.Decimal, bool) {
	ref, ok := c.prices[normCrop(crop)]
	if !ok {
		return decimal.Zero, true
	}
	return ref, unitPrice.GreaterThanOrEqual(ref)
}

// Delta returns unitPrice - MSP, or zero for an unknown crop.
func (c *Checker) Delta(crop string, unitPrice decimal.Decimal) decimal.Decimal {
	ref, ok := c.prices[normCrop(crop)]
	if !ok {
		return decimal.Zero
	}
	return unitPrice.Sub(ref)
}

func normCrop(crop string) string {
	return strings.ToLower(strings.TrimSpace(crop))
}
