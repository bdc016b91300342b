package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"phaseline/internal/domain"
)

// Config models phaseline.yml: a catalog of deal templates that expand
// into draft transactions.
type Config struct {
	Templates map[string]Template `yaml:"templates"`
}

// Template describes a sequence of blocks whose spans tile the whole
// transaction range.
type Template struct {
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	Blocks      []BlockTemplate `yaml:"blocks"`
}

type BlockTemplate struct {
	Title     string             `yaml:"title"`
	SpanDays  int                `yaml:"span_days"`
	Policy    PolicyTemplate     `yaml:"policy"`
	Approvers []ApproverTemplate `yaml:"approvers"`
	Rules     []RuleTemplate     `yaml:"rules"`
}

type PolicyTemplate struct {
	Type      string `yaml:"type"`
	Threshold *int   `yaml:"threshold"`
}

type ApproverTemplate struct {
	Role     string `yaml:"role"`
	Required bool   `yaml:"required"`
}

type RuleTemplate struct {
	WorkType  string `yaml:"work_type"`
	Title     string `yaml:"title"`
	Quantity  int    `yaml:"quantity"`
	Frequency string `yaml:"frequency"`
	DueDays   []int  `yaml:"due_days"`
}

// TotalSpanDays sums the template's block spans.
func (t Template) TotalSpanDays() int {
	total := 0
	for _, b := range t.Blocks {
		total += b.SpanDays
	}
	return total
}

// Validate ensures the catalog meets required structure.
func (c *Config) Validate() error {
	for name, tpl := range c.Templates {
		if name == "" {
			return fmt.Errorf("templates contains an empty name")
		}
		if tpl.Title == "" {
			return fmt.Errorf("template %s: title is required", name)
		}
		if len(tpl.Blocks) == 0 {
			return fmt.Errorf("template %s: at least one block is required", name)
		}
		for i, b := range tpl.Blocks {
			if b.Title == "" {
				return fmt.Errorf("template %s block %d: title is required", name, i+1)
			}
			if b.SpanDays < 1 {
				return fmt.Errorf("template %s block %q: span_days must be at least 1", name, b.Title)
			}
			switch b.Policy.Type {
			case domain.PolicySingle, domain.PolicyAll, domain.PolicyAny:
			case domain.PolicyThreshold:
				if b.Policy.Threshold == nil || *b.Policy.Threshold < 1 {
					return fmt.Errorf("template %s block %q: THRESHOLD policy needs a positive threshold", name, b.Title)
				}
			default:
				return fmt.Errorf("template %s block %q: unknown policy type %q", name, b.Title, b.Policy.Type)
			}
			for _, a := range b.Approvers {
				switch a.Role {
				case domain.RoleBuyer, domain.RoleSeller, domain.RoleVerifier:
				default:
					return fmt.Errorf("template %s block %q: unknown approver role %q", name, b.Title, a.Role)
				}
			}
			for _, r := range b.Rules {
				if r.Title == "" {
					return fmt.Errorf("template %s block %q: rule title is required", name, b.Title)
				}
				if r.Quantity < 1 {
					return fmt.Errorf("template %s block %q rule %q: quantity must be at least 1", name, b.Title, r.Title)
				}
				switch r.Frequency {
				case domain.FreqOnce, domain.FreqDaily, domain.FreqWeekly, domain.FreqCustom:
				default:
					return fmt.Errorf("template %s block %q rule %q: unknown frequency %q", name, b.Title, r.Title, r.Frequency)
				}
				for _, d := range r.DueDays {
					if d < 1 {
						return fmt.Errorf("template %s block %q rule %q: due days are 1-based", name, b.Title, r.Title)
					}
				}
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// Load reads the catalog from the workspace, falling back to the
// default catalog when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a catalog from raw YAML bytes.
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

// FromFile reads a YAML catalog from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in template catalog.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default catalog YAML for seeding a
// workspace file.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `templates:
  goods-inspection:
    title: Goods purchase with inspection window
    description: Deposit, shipping, and a buyer inspection phase before release.
    blocks:
      - title: Deposit
        span_days: 7
        policy:
          type: SINGLE
        approvers:
          - role: BUYER
            required: true
        rules:
          - work_type: document
            title: Proof of deposit
            quantity: 1
            frequency: ONCE
      - title: Shipping
        span_days: 14
        policy:
          type: ALL
        approvers:
          - role: BUYER
            required: true
          - role: SELLER
            required: true
        rules:
          - work_type: shipment
            title: Tracking update
            quantity: 2
            frequency: WEEKLY
      - title: Inspection
        span_days: 7
        policy:
          type: THRESHOLD
          threshold: 2
        approvers:
          - role: BUYER
            required: true
          - role: VERIFIER
            required: false
        rules:
          - work_type: report
            title: Inspection report
            quantity: 1
            frequency: ONCE

  milestone-services:
    title: Service engagement with weekly deliverables
    blocks:
      - title: Kickoff
        span_days: 7
        policy:
          type: SINGLE
        approvers:
          - role: BUYER
            required: true
        rules:
          - work_type: document
            title: Statement of work
            quantity: 1
            frequency: ONCE
      - title: Delivery
        span_days: 28
        policy:
          type: ANY
        approvers:
          - role: BUYER
            required: true
          - role: VERIFIER
            required: false
        rules:
          - work_type: deliverable
            title: Weekly progress drop
            quantity: 4
            frequency: WEEKLY
`
