package router

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type EndpointConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type ProviderConfig struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	URL      string             `yaml:"url"`
	Assets   []string           `yaml:"assets"`
	Capacity map[string]float64 `yaml:"capacity"`
	Disabled bool               `yaml:"disabled"`
}

type RelayConfig struct {
	URL        string `yaml:"url"`
	AuthHeader string `yaml:"auth_header"`
	AuthToken  string `yaml:"auth_token"`
}

type ChainPolicyConfig struct {
	CollateralRatio  float64  `yaml:"collateral_ratio"`
	RevenueRate      float64  `yaml:"revenue_rate"`
	ComplexityPerLeg float64  `yaml:"complexity_per_leg"`
	ComplexityWeight float64  `yaml:"complexity_weight"`
	RiskWeight       float64  `yaml:"risk_weight"`
	RotationAssets   []string `yaml:"rotation_assets"`
}

type Config struct {
	Endpoints   []EndpointConfig  `yaml:"endpoints"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Relay       *RelayConfig      `yaml:"relay"`
	ChainPolicy ChainPolicyConfig `yaml:"chain_policy"`
}

// LoadConfig parses the router config from a file
func LoadConfig(file string) (Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var config Config
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return Config{}, err
	}

	if len(config.Endpoints) == 0 {
		return Config{}, fmt.Errorf("%w: no endpoints", ErrInvalidConfig)
	}
	for _, e := range config.Endpoints {
		if e.URL == "" {
			return Config{}, fmt.Errorf("%w: endpoint %q has no url", ErrInvalidConfig, e.Name)
		}
	}
	seen := make(map[string]struct{}, len(config.Providers))
	for _, p := range config.Providers {
		if p.ID == "" || p.URL == "" {
			return Config{}, fmt.Errorf("%w: provider needs id and url", ErrInvalidConfig)
		}
		if _, ok := seen[p.ID]; ok {
			return Config{}, fmt.Errorf("%w: duplicate provider %s", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if config.Relay != nil && config.Relay.URL == "" {
		config.Relay = nil
	}
	return config, nil
}

// FinancingProviders returns the registry entries for the enabled providers
func (c *Config) FinancingProviders() []FinancingProvider {
	out := make([]FinancingProvider, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Disabled {
			continue
		}
		name := p.Name
		if name == "" {
			name = p.ID
		}
		out = append(out, FinancingProvider{
			ID:       p.ID,
			Name:     name,
			URL:      p.URL,
			Assets:   p.Assets,
			Capacity: p.Capacity,
			Active:   true,
		})
	}
	return out
}

// Policy fills unset fields with defaults
func (c ChainPolicyConfig) Policy() ChainPolicy {
	p := DefaultChainPolicy()
	if c.CollateralRatio > 0 {
		p.CollateralRatio = c.CollateralRatio
	}
	if c.RevenueRate > 0 {
		p.RevenueRate = c.RevenueRate
	}
	if c.ComplexityPerLeg > 0 {
		p.ComplexityPerLeg = c.ComplexityPerLeg
	}
	if c.ComplexityWeight > 0 {
		p.ComplexityWeight = c.ComplexityWeight
	}
	if c.RiskWeight > 0 {
		p.RiskWeight = c.RiskWeight
	}
	if len(c.RotationAssets) > 0 {
		p.RotationAssets = c.RotationAssets
	}
	return p
}
