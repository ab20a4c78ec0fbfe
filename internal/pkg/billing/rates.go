package billing

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RateLookup returns the inclusive sales tax rate for a region. Regions are
// matched as "<COUNTRY>-<REGION>" first, then "<REGION>", then "<COUNTRY>".
type RateLookup interface {
	RateFor(country, region string) (decimal.Decimal, bool)
}

// StaticRateTable is a fixed region to rate map.
type StaticRateTable map[string]decimal.Decimal

func (t StaticRateTable) RateFor(country, region string) (decimal.Decimal, bool) {
	country = strings.ToUpper(strings.TrimSpace(country))
	region = strings.ToUpper(strings.TrimSpace(region))
	var keys []string
	if country != "" && region != "" {
		keys = append(keys, country+"-"+region)
	}
	if region != "" {
		keys = append(keys, region)
	}
	if country != "" {
		keys = append(keys, country)
	}
	for _, k := range keys {
		if rate, ok := t[k]; ok && rate.IsPositive() {
			return rate, true
		}
	}
	return decimal.Zero, false
}

// DefaultRateTable holds base state rates for US states plus the flat
// consumption tax of the markets served with chat notifications.
func DefaultRateTable() StaticRateTable {
	return StaticRateTable{
		"US-CA": decimal.RequireFromString("0.0725"),
		"US-NY": decimal.RequireFromString("0.04"),
		"US-TX": decimal.RequireFromString("0.0625"),
		"US-WA": decimal.RequireFromString("0.065"),
		"US-FL": decimal.RequireFromString("0.06"),
		"US-IL": decimal.RequireFromString("0.0625"),
		"US-NJ": decimal.RequireFromString("0.06625"),
		"US-PA": decimal.RequireFromString("0.06"),
		"US-MA": decimal.RequireFromString("0.0625"),
		"US-HI": decimal.RequireFromString("0.04"),
		"TH":    decimal.RequireFromString("0.07"),
		"JP":    decimal.RequireFromString("0.10"),
	}
}

type rateFile struct {
	Rates map[string]string `yaml:"rates"`
}

// LoadRateTable reads a YAML rate table of the form
//
//	rates:
//	  US-CA: 0.0725
//	  TH: 0.07
//
// Entries override the defaults.
func LoadRateTable(path string) (StaticRateTable, error) {
	table := DefaultRateTable()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tax rate table: %w", err)
	}
	var f rateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tax rate table: %w", err)
	}
	for key, raw := range f.Rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("tax rate %s: %w", key, err)
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("tax rate %s out of range: %s", key, rate)
		}
		table[strings.ToUpper(strings.TrimSpace(key))] = rate
	}
	return table, nil
}
