package validation

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/corvid-labs/weft/pkg/schema"
)

var triggerValidate = validator.New(validator.WithRequiredStructEnabled())

// ValidateTriggerConfig checks a trigger configuration payload against the
// required fields of its trigger type. Errors are reported at registration
// time, never at fire time.
func ValidateTriggerConfig(triggerType schema.TriggerType, config map[string]any) error {
	switch triggerType {
	case schema.TriggerTypeManual:
		return nil
	case schema.TriggerTypeCron:
		var cfg schema.CronTriggerConfig
		return decodeAndValidate(triggerType, config, &cfg)
	case schema.TriggerTypePoll:
		var cfg schema.PollTriggerConfig
		return decodeAndValidate(triggerType, config, &cfg)
	case schema.TriggerTypeWatch:
		var cfg schema.WatchTriggerConfig
		return decodeAndValidate(triggerType, config, &cfg)
	case schema.TriggerTypeCompletion:
		var cfg schema.CompletionTriggerConfig
		return decodeAndValidate(triggerType, config, &cfg)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", triggerType)
	}
}

func decodeAndValidate(triggerType schema.TriggerType, config map[string]any, target any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s trigger config is not serializable", triggerType).WithCause(err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s trigger config is malformed: %s", triggerType, err.Error()).WithCause(err)
	}
	if err := triggerValidate.Struct(target); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s trigger config invalid: %s", triggerType, err.Error()).WithCause(err)
	}
	return nil
}
