package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
	"github.com/issueflow/issueflow/engine/webhook"
)

const (
	defaultRulesDir        = "./rules"
	defaultIntegrationsDir = "./integrations"
)

func decodeRuleFile(path string) (*rule.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NotFoundError("rule file", core.ID(path))
		}
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	var r rule.Rule
	if err := yaml.UnmarshalWithOptions(data, &r, yaml.Strict()); err != nil {
		return nil, core.WrapError(core.CategoryValidation, "malformed_rule_file",
			fmt.Sprintf("%s is not a valid rule spec", path), err)
	}
	return &r, nil
}

func decodeIntegrationFile(path string) (*webhook.Integration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NotFoundError("integration file", core.ID(path))
		}
		return nil, fmt.Errorf("failed to read integration file: %w", err)
	}
	var integration webhook.Integration
	if err := yaml.UnmarshalWithOptions(data, &integration, yaml.Strict()); err != nil {
		return nil, core.WrapError(core.CategoryValidation, "malformed_integration_file",
			fmt.Sprintf("%s is not a valid integration spec", path), err)
	}
	return &integration, nil
}

func rulePath(dir string, id core.ID) string {
	return filepath.Join(dir, string(id)+".yaml")
}

func writeRuleFile(dir string, r *rule.Rule) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize rule: %w", err)
	}
	if err := os.WriteFile(rulePath(dir, r.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write rule file: %w", err)
	}
	return nil
}

// loadRulesDir reads every YAML rule under dir, sorted by file name. A
// missing directory is an empty rule set, not an error.
func loadRulesDir(dir string) ([]*rule.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	rules := make([]*rule.Rule, 0, len(names))
	for _, name := range names {
		r, err := decodeRuleFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func loadIntegrationsDir(dir string) ([]*webhook.Integration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read integrations directory: %w", err)
	}
	var out []*webhook.Integration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		integration, err := decodeIntegrationFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, integration)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
