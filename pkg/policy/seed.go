package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/pkg/core"
)

// seedFile is the yaml layout for an initial policy.
type seedFile struct {
	RiskThresholds  map[string]string `yaml:"risk_thresholds"`
	TierAssignments map[string]string `yaml:"tier_assignments"`
}

// LoadSeed reads an initial policy from a yaml file. The result is a
// version-1 state suitable for PolicyStore bootstrap.
func LoadSeed(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses yaml policy seed content.
func ParseSeed(data []byte) (*State, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse policy seed: %w", err)
	}
	risks := make(map[string]core.RiskLevel, len(seed.RiskThresholds))
	for sig, level := range seed.RiskThresholds {
		switch core.RiskLevel(level) {
		case core.RiskLow, core.RiskMedium, core.RiskHigh:
			risks[sig] = core.RiskLevel(level)
		default:
			return nil, fmt.Errorf("policy seed: unknown risk level %q for %q", level, sig)
		}
	}
	tiers := make(map[string]core.Tier, len(seed.TierAssignments))
	for sig, tier := range seed.TierAssignments {
		switch core.Tier(tier) {
		case core.TierEconomy, core.TierStandard, core.TierPremium:
			tiers[sig] = core.Tier(tier)
		default:
			return nil, fmt.Errorf("policy seed: unknown tier %q for %q", tier, sig)
		}
	}
	return NewState(risks, tiers), nil
}
