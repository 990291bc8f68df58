/*
pricing.go - Paid amount to heart mapping

The price table is configuration, not code: fixed tiers for the known
packages plus a linear fallback (floor(amount/20)) for arbitrary
gateway denominations. Tiers can be extended from a YAML file at
startup; lookups never consult anything ambient.
*/
package payments

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Pricing maps paid currency amounts to heart counts.
type Pricing struct {
	tiers map[string]int64 // key: normalized decimal string
}

// DefaultPricing returns the standard package tiers.
func DefaultPricing() Pricing {
	p := Pricing{tiers: make(map[string]int64)}
	for amount, hearts := range map[int64]int64{
		1000:  50,
		2000:  100,
		5000:  300,
		10000: 700,
	} {
		p.tiers[decimal.NewFromInt(amount).String()] = hearts
	}
	return p
}

// Hearts returns the heart count for a paid amount: the tier value
// when mapped, otherwise floor(amount/20). Non-positive amounts map
// to zero hearts (callers treat that as unverifiable).
func (p Pricing) Hearts(amount decimal.Decimal) int64 {
	if !amount.IsPositive() {
		return 0
	}
	if hearts, ok := p.tiers[amount.String()]; ok {
		return hearts
	}
	return amount.Div(decimal.NewFromInt(20)).Floor().IntPart()
}

// pricingFile is the on-disk YAML shape:
//
//	tiers:
//	  "1000": 50
//	  "2000": 100
type pricingFile struct {
	Tiers map[string]int64 `yaml:"tiers"`
}

// LoadPricing reads tier overrides from a YAML file on top of the
// defaults. An empty path returns the defaults unchanged.
func LoadPricing(path string) (Pricing, error) {
	p := DefaultPricing()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Pricing{}, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Pricing{}, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	for amount, hearts := range f.Tiers {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return Pricing{}, fmt.Errorf("invalid pricing tier amount %q: %w", amount, err)
		}
		if hearts <= 0 {
			return Pricing{}, fmt.Errorf("pricing tier %q must grant positive hearts", amount)
		}
		p.tiers[d.String()] = hearts
	}
	return p, nil
}
