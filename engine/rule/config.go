package rule

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// ScheduledTriggerConfig backs TriggerScheduled.
type ScheduledTriggerConfig struct {
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
}

// WebhookTriggerConfig backs TriggerWebhook. Secret, when set, is used to
// verify inbound inlet payloads.
type WebhookTriggerConfig struct {
	InletID string `mapstructure:"inlet_id"`
	Secret  string `mapstructure:"secret"`
}

// EventTriggerConfig backs the issue-event trigger types. All filters are
// optional; empty filters match everything.
type EventTriggerConfig struct {
	ProjectKeys []string `mapstructure:"project_keys"`
	IssueTypes  []string `mapstructure:"issue_types"`
	FromStatus  string   `mapstructure:"from_status"`
	ToStatus    string   `mapstructure:"to_status"`
	FieldID     string   `mapstructure:"field_id"`
	FromValue   any      `mapstructure:"from_value"`
	ToValue     any      `mapstructure:"to_value"`
}

// TrackerQueryConditionConfig backs ConditionTrackerQuery.
type TrackerQueryConditionConfig struct {
	Query string `mapstructure:"query"`
}

// FieldValueConditionConfig backs ConditionFieldValue.
type FieldValueConditionConfig struct {
	Field      string     `mapstructure:"field"`
	Comparator Comparator `mapstructure:"comparator"`
	Value      any        `mapstructure:"value"`
}

// UserInGroupConditionConfig backs ConditionUserInGroup.
type UserInGroupConditionConfig struct {
	Group string `mapstructure:"group"`
}

// ProjectCategoryConditionConfig backs ConditionProjectCategory.
type ProjectCategoryConditionConfig struct {
	CategoryID string `mapstructure:"category_id"`
}

// IssueAgeConditionConfig backs ConditionIssueAge.
type IssueAgeConditionConfig struct {
	Days int `mapstructure:"days"`
}

// SmartValueConditionConfig backs ConditionSmartValue.
type SmartValueConditionConfig struct {
	Expression string `mapstructure:"expression"`
}

// decodeStrict decodes a config map into the typed form, rejecting unknown
// keys so ambiguous configs fail validation instead of being guessed at.
func decodeStrict(input map[string]any, output any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "mapstructure",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build config decoder: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DecodeTriggerConfig returns the typed config for a trigger.
func DecodeTriggerConfig(t Trigger) (any, error) {
	switch t.Type {
	case TriggerScheduled:
		var cfg ScheduledTriggerConfig
		if err := decodeStrict(t.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case TriggerWebhook:
		var cfg WebhookTriggerConfig
		if err := decodeStrict(t.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case TriggerManual:
		return nil, nil
	default:
		var cfg EventTriggerConfig
		if err := decodeStrict(t.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
}

// DecodeConditionConfig returns the typed config for a condition.
func DecodeConditionConfig(c Condition) (any, error) {
	switch c.Type {
	case ConditionTrackerQuery:
		var cfg TrackerQueryConditionConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case ConditionFieldValue:
		var cfg FieldValueConditionConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case ConditionUserInGroup:
		var cfg UserInGroupConditionConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case ConditionProjectCategory:
		var cfg ProjectCategoryConditionConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case ConditionIssueAge:
		var cfg IssueAgeConditionConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case ConditionSmartValue:
		var cfg SmartValueConditionConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	default:
		return nil, fmt.Errorf("unsupported condition type %q", c.Type)
	}
}
