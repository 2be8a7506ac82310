package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"taskmarket/internal/policy"
)

// Config models taskmarket.yml. Amounts and rates are kept as strings in
// YAML and parsed to decimals on access, after Validate has checked them.
type Config struct {
	Commission struct {
		DefaultRate string            `yaml:"default_rate"`
		Tiers       map[string]string `yaml:"tiers"`
	} `yaml:"commission"`
	Tasks struct {
		Categories []string `yaml:"categories"`
		Urgencies  []string `yaml:"urgencies"`
		BudgetMin  string   `yaml:"budget_min"`
		BudgetMax  string   `yaml:"budget_max"`
		TTLDays    int      `yaml:"ttl_days"`
	} `yaml:"tasks"`
	Bids struct {
		AmountMin string `yaml:"amount_min"`
		AmountMax string `yaml:"amount_max"`
		TTLDays   int    `yaml:"ttl_days"`
	} `yaml:"bids"`
	Escrow struct {
		AutoReleaseDays int `yaml:"auto_release_days"`
	} `yaml:"escrow"`
	Sweep struct {
		Schedule string `yaml:"schedule"`
	} `yaml:"sweep"`
	Events struct {
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with tm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskmarket.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := parseRate(c.Commission.DefaultRate); err != nil {
		return fmt.Errorf("config.commission.default_rate: %w", err)
	}
	for tier, rate := range c.Commission.Tiers {
		if tier == "" {
			return fmt.Errorf("config.commission.tiers contains empty tier id")
		}
		if _, err := parseRate(rate); err != nil {
			return fmt.Errorf("config.commission.tiers.%s: %w", tier, err)
		}
	}
	if len(c.Tasks.Categories) == 0 {
		return fmt.Errorf("config.tasks.categories is required")
	}
	if len(c.Tasks.Urgencies) == 0 {
		return fmt.Errorf("config.tasks.urgencies is required")
	}
	budgetMin, err := parseAmount(c.Tasks.BudgetMin)
	if err != nil {
		return fmt.Errorf("config.tasks.budget_min: %w", err)
	}
	budgetMax, err := parseAmount(c.Tasks.BudgetMax)
	if err != nil {
		return fmt.Errorf("config.tasks.budget_max: %w", err)
	}
	if budgetMax.LessThan(budgetMin) {
		return fmt.Errorf("config.tasks.budget_max below budget_min")
	}
	bidMin, err := parseAmount(c.Bids.AmountMin)
	if err != nil {
		return fmt.Errorf("config.bids.amount_min: %w", err)
	}
	bidMax, err := parseAmount(c.Bids.AmountMax)
	if err != nil {
		return fmt.Errorf("config.bids.amount_max: %w", err)
	}
	if bidMax.LessThan(bidMin) {
		return fmt.Errorf("config.bids.amount_max below amount_min")
	}
	if c.Tasks.TTLDays <= 0 {
		return fmt.Errorf("config.tasks.ttl_days must be positive")
	}
	if c.Bids.TTLDays <= 0 {
		return fmt.Errorf("config.bids.ttl_days must be positive")
	}
	if c.Escrow.AutoReleaseDays <= 0 {
		return fmt.Errorf("config.escrow.auto_release_days must be positive")
	}
	return nil
}

// CommissionPolicy builds the injected policy object from config.
func (c *Config) CommissionPolicy() policy.Commission {
	p := policy.Commission{
		Default: decimal.RequireFromString(c.Commission.DefaultRate),
		Tiers:   map[string]decimal.Decimal{},
	}
	for tier, rate := range c.Commission.Tiers {
		p.Tiers[tier] = decimal.RequireFromString(rate)
	}
	return p
}

func (c *Config) BudgetMin() decimal.Decimal { return decimal.RequireFromString(c.Tasks.BudgetMin) }
func (c *Config) BudgetMax() decimal.Decimal { return decimal.RequireFromString(c.Tasks.BudgetMax) }
func (c *Config) BidMin() decimal.Decimal    { return decimal.RequireFromString(c.Bids.AmountMin) }
func (c *Config) BidMax() decimal.Decimal    { return decimal.RequireFromString(c.Bids.AmountMax) }

func (c *Config) HasCategory(category string) bool {
	for _, cat := range c.Tasks.Categories {
		if cat == category {
			return true
		}
	}
	return false
}

func (c *Config) HasUrgency(urgency string) bool {
	for _, u := range c.Tasks.Urgencies {
		if u == urgency {
			return true
		}
	}
	return false
}

func parseRate(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("rate is required")
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid rate %q", raw)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, fmt.Errorf("rate %q outside [0,1]", raw)
	}
	return rate, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("amount is required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("amount %q is negative", raw)
	}
	return amount, nil
}

const defaultTemplate = `commission:
  default_rate: "0.10"
  tiers:
    standard: "0.10"
    plus: "0.07"
    enterprise: "0.05"

tasks:
  categories:
    - cleaning
    - moving
    - handyman
    - gardening
    - tutoring
    - delivery
    - assembly
    - other
  urgencies:
    - low
    - normal
    - high
    - urgent
  budget_min: "5"
  budget_max: "10000"
  ttl_days: 30

bids:
  amount_min: "5"
  amount_max: "10000"
  ttl_days: 7

escrow:
  auto_release_days: 3

sweep:
  schedule: "*/5 * * * *"

events:
  kafka:
    brokers: []
    topic: taskmarket.events
`
