package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"gopkg.in/yaml.v3"
)

// RulesFile is the on-disk rule source used by single-node deployments
type RulesFile struct {
	Rules []area.Rule `yaml:"rules"`
}

// LoadRulesFile reads and validates a YAML rules file
func LoadRulesFile(path string) ([]area.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening rules file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file RulesFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}

	seen := map[string]bool{}
	for i, rule := range file.Rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		key := rule.UserID + "/" + rule.ID
		if seen[key] {
			return nil, fmt.Errorf("rules[%d]: duplicate rule %s for user %s", i, rule.ID, rule.UserID)
		}
		seen[key] = true
		for j, b := range rule.Reactions {
			if b.ReactionID == "" || b.ServiceID == "" {
				return nil, fmt.Errorf("rules[%d].reactions[%d]: reaction and service are required", i, j)
			}
		}
	}
	return file.Rules, nil
}

// SeedRules upserts rules into a store
func SeedRules(ctx context.Context, store RuleStore, rules []area.Rule) error {
	for _, rule := range rules {
		if err := store.PutRule(ctx, rule); err != nil {
			return err
		}
	}
	internal.LogInfoWithFields("storage", "Seeded rules", map[string]any{"count": len(rules)})
	return nil
}
