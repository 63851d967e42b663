package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/regimebot/regimebot/internal/domain"
)

// paramsFile is the YAML shape of the strategy parameter file.
type paramsFile struct {
	ID            string                `yaml:"id"`
	EffectiveFrom int64                 `yaml:"effectiveFrom"`
	KB            float64               `yaml:"kb"`
	KS            float64               `yaml:"ks"`
	LeverageBands []domain.LeverageBand `yaml:"leverageBands"`
	Cooldowns     domain.CooldownRules  `yaml:"cooldowns"`
	Caps          domain.PortfolioCaps  `yaml:"caps"`
}

// LoadParams reads the baseline parameter version from a YAML file. A missing
// file yields the built-in defaults rather than an error, so fresh checkouts
// run without setup.
func LoadParams(path string) (domain.ParamVersion, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaultParamVersion(), nil
	}
	if err != nil {
		return domain.ParamVersion{}, fmt.Errorf("read params file %s: %w", path, err)
	}

	var file paramsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return domain.ParamVersion{}, fmt.Errorf("parse params file %s: %w", path, err)
	}

	version := defaultParamVersion()
	if file.ID != "" {
		version.ID = file.ID
	}
	if file.EffectiveFrom > 0 {
		version.EffectiveFrom = file.EffectiveFrom
	}
	if file.KB > 0 {
		version.KB = file.KB
	}
	if file.KS > 0 {
		version.KS = file.KS
	}
	if len(file.LeverageBands) > 0 {
		version.LeverageBands = file.LeverageBands
	}
	if file.Cooldowns.PerSymbolMs > 0 {
		version.CooldownRules.PerSymbolMs = file.Cooldowns.PerSymbolMs
	}
	if file.Cooldowns.PerEngineMs > 0 {
		version.CooldownRules.PerEngineMs = file.Cooldowns.PerEngineMs
	}
	if file.Caps.Max > 0 {
		version.PortfolioCaps.Max = file.Caps.Max
	}
	if file.Caps.MaxDefensive > 0 {
		version.PortfolioCaps.MaxDefensive = file.Caps.MaxDefensive
	}
	return version, nil
}

func defaultParamVersion() domain.ParamVersion {
	return domain.ParamVersion{
		ID:            "baseline",
		EffectiveFrom: 0,
		KB:            1.2,
		KS:            0.9,
		LeverageBands: []domain.LeverageBand{
			{MaxSigmaNorm: 0.8, Leverage: 8},
			{MaxSigmaNorm: 1.2, Leverage: 5},
			{MaxSigmaNorm: 2.0, Leverage: 3},
		},
		CooldownRules: domain.CooldownRules{PerSymbolMs: 5 * 60_000, PerEngineMs: 2 * 60_000},
		PortfolioCaps: domain.PortfolioCaps{Max: 3, MaxDefensive: 1},
	}
}
