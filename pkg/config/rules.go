package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vectornode/vectornode/pkg/liability"
)

// Rules is the operator-maintained rules profile.
type Rules struct {
	Name string `yaml:"name" json:"name"`
	// DeadlineHours overrides DISPUTE_DEADLINE_HOURS when set.
	DeadlineHours int              `yaml:"deadline_hours,omitempty" json:"deadline_hours,omitempty"`
	Liability     []liability.Rule `yaml:"liability" json:"liability"`
}

// LoadRules reads a rules profile. The liability rules are compiled here so
// that a bad expression fails at boot rather than on the first dispute.
func LoadRules(path string) (*Rules, *liability.Assessor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load rules %q: %w", path, err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, nil, fmt.Errorf("parse rules %q: %w", path, err)
	}
	if rules.DeadlineHours < 0 {
		return nil, nil, fmt.Errorf("rules %q: deadline_hours must not be negative", path)
	}

	assessor, err := liability.NewAssessor(rules.Liability)
	if err != nil {
		return nil, nil, fmt.Errorf("rules %q: %w", path, err)
	}
	return &rules, assessor, nil
}

// Deadline returns the reporting window, preferring the profile's value.
func (r *Rules) Deadline(fallback time.Duration) time.Duration {
	if r == nil || r.DeadlineHours == 0 {
		return fallback
	}
	return time.Duration(r.DeadlineHours) * time.Hour
}
