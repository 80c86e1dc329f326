package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal is a decimal.Decimal read from YAML. Values are typed in by hand (the FX
// rate, hedge quantity), so "1,330.5", 1330.5 and "1330.5" all load as the same
// number: thousands separators are dropped before parsing, and an empty scalar
// loads as zero so applyDefaults can fill it in.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar")
	}
	raw := strings.ReplaceAll(strings.TrimSpace(value.Value), ",", "")
	if raw == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", value.Value, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
