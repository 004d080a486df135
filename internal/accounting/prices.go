package accounting

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prices.yaml
var defaultPrices []byte

// Price is the cost of Divider tokens.
type Price struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
	Divider    float64 `yaml:"divider"`
}

var DefaultPrice = Price{Prompt: 0.01, Completion: 0.03, Divider: 1000}

type PriceTable struct {
	Default Price            `yaml:"default"`
	Models  map[string]Price `yaml:"models"`
}

// Lookup returns the model's price or the table default.
func (t PriceTable) Lookup(model string) Price {
	if p, ok := t.Models[strings.ToLower(strings.TrimSpace(model))]; ok && p.Divider > 0 {
		return p
	}
	if t.Default.Divider > 0 {
		return t.Default
	}
	return DefaultPrice
}

func ParsePriceTable(data []byte) (PriceTable, error) {
	var t PriceTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return PriceTable{}, fmt.Errorf("parse price table: %w", err)
	}
	if t.Default.Divider <= 0 {
		t.Default = DefaultPrice
	}
	models := make(map[string]Price, len(t.Models))
	for name, p := range t.Models {
		if p.Divider <= 0 {
			p.Divider = t.Default.Divider
		}
		if p.Prompt < 0 || p.Completion < 0 {
			return PriceTable{}, fmt.Errorf("price table: negative price for %s", name)
		}
		models[strings.ToLower(name)] = p
	}
	t.Models = models
	return t, nil
}

// LoadPriceTable reads path, or the embedded table when path is empty.
func LoadPriceTable(path string) (PriceTable, error) {
	if path == "" {
		return ParsePriceTable(defaultPrices)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PriceTable{}, fmt.Errorf("read price table: %w", err)
	}
	return ParsePriceTable(data)
}
