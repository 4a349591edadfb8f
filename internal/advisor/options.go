package advisor

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed options.yaml
var defaultOptionsYAML []byte

// RiskProfile is a percentage allocation across asset classes.
type RiskProfile struct {
	Equity int `yaml:"equity"`
	Debt   int `yaml:"debt"`
	Gold   int `yaml:"gold"`
}

// InvestmentOption describes one instrument in the advice tables.
type InvestmentOption struct {
	Risk        string  `yaml:"risk"`
	Returns     float64 `yaml:"returns"` // expected annual return, percent
	LockInYears int     `yaml:"lockInYears"`
	TaxBenefit  bool    `yaml:"taxBenefit"`
}

// Options are the advice tables: risk profiles and instrument catalogue.
type Options struct {
	RiskProfiles map[string]RiskProfile      `yaml:"riskProfiles"`
	Investments  map[string]InvestmentOption `yaml:"investmentOptions"`
}

// DefaultOptions returns the embedded advice tables.
func DefaultOptions() (*Options, error) {
	return parseOptions(defaultOptionsYAML)
}

// LoadOptions reads advice tables from path, falling back to the embedded
// defaults when path is empty.
func LoadOptions(path string) (*Options, error) {
	if path == "" {
		return DefaultOptions()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}
	return parseOptions(data)
}

func parseOptions(data []byte) (*Options, error) {
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("parse options: %w", err)
	}
	if len(opts.RiskProfiles) == 0 {
		return nil, fmt.Errorf("options: no risk profiles defined")
	}
	for name, p := range opts.RiskProfiles {
		if p.Equity+p.Debt+p.Gold != 100 {
			return nil, fmt.Errorf("options: risk profile %q does not sum to 100", name)
		}
	}
	return &opts, nil
}

// Allocation renders the monthly split for a risk profile, e.g. for a
// moderate profile and 10000/month: equity 5000, debt 4000, gold 1000.
func (o *Options) Allocation(profile string, monthly float64) (string, error) {
	p, ok := o.RiskProfiles[profile]
	if !ok {
		names := make([]string, 0, len(o.RiskProfiles))
		for n := range o.RiskProfiles {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("unknown risk profile %q (available: %s)", profile, strings.Join(names, ", "))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Allocation for %s profile at %.0f/month\n", profile, monthly)
	fmt.Fprintf(&sb, "  Equity: %.0f (%d%%)\n", monthly*float64(p.Equity)/100, p.Equity)
	fmt.Fprintf(&sb, "  Debt:   %.0f (%d%%)\n", monthly*float64(p.Debt)/100, p.Debt)
	fmt.Fprintf(&sb, "  Gold:   %.0f (%d%%)\n", monthly*float64(p.Gold)/100, p.Gold)
	return sb.String(), nil
}
