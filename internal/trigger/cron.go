package trigger

import (
	"time"

	"github.com/corvid-labs/weft/pkg/schema"
)

func cronJobName(workflowID string) string {
	return "cron:" + workflowID
}

// registerCron schedules the workflow under a stable job name; the scheduler
// replaces any previous schedule for the same workflow.
func (m *Manager) registerCron(workflowID string, cfg schema.CronTriggerConfig) error {
	err := m.scheduler.AddCronJob(cronJobName(workflowID), cfg.Expression, func() {
		input := schema.NewDataMessage(map[string]any{
			"fired_at": time.Now().UTC().Format(time.RFC3339),
		})
		input.Metadata = map[string]string{"trigger": "cron"}
		m.fire(workflowID, schema.TriggerTypeCron, input)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTrigger, "cron trigger for %q: %v", workflowID, err)
	}
	m.logger.Info("registered cron trigger", "workflow_id", workflowID, "expression", cfg.Expression)
	return nil
}
