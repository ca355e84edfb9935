package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/corvid-labs/weft/internal/engine"
	"github.com/corvid-labs/weft/internal/scheduler"
	"github.com/corvid-labs/weft/internal/store"
	"github.com/corvid-labs/weft/internal/validation"
	"github.com/corvid-labs/weft/pkg/schema"
)

// WorkflowRunner starts workflow executions. Satisfied by *engine.Executor.
type WorkflowRunner interface {
	Execute(ctx context.Context, workflowID string, opts engine.ExecuteOptions) (string, error)
}

// Manager owns every registered trigger source: completion chains, cron
// schedules, resource polls, and filesystem watches. It also implements
// engine.CompletionNotifier so finished runs can chain into new ones.
type Manager struct {
	store     store.Store
	runner    WorkflowRunner
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	mu          sync.Mutex
	completions *completionRegistry
	polls       map[string]*pollSource
	watches     map[string]*watchSource
}

func NewManager(st store.Store, runner WorkflowRunner, sched *scheduler.Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       st,
		runner:      runner,
		scheduler:   sched,
		logger:      logger,
		completions: newCompletionRegistry(),
		polls:       make(map[string]*pollSource),
		watches:     make(map[string]*watchSource),
	}
}

// Register wires a workflow's trigger. Re-registering a workflow replaces its
// previous trigger of the same type. Manual needs no registration.
func (m *Manager) Register(ctx context.Context, workflowID string, triggerType schema.TriggerType, config map[string]any) error {
	if err := validation.ValidateTriggerConfig(triggerType, config); err != nil {
		return err
	}

	switch triggerType {
	case schema.TriggerTypeManual:
		return nil
	case schema.TriggerTypeCompletion:
		var cfg schema.CompletionTriggerConfig
		if err := decodeConfig(config, &cfg); err != nil {
			return err
		}
		m.completions.register(workflowID, cfg)
		m.logger.Info("registered completion trigger",
			"workflow_id", workflowID, "source_type", cfg.SourceType, "source_id", cfg.SourceID)
		return nil
	case schema.TriggerTypeCron:
		var cfg schema.CronTriggerConfig
		if err := decodeConfig(config, &cfg); err != nil {
			return err
		}
		return m.registerCron(workflowID, cfg)
	case schema.TriggerTypePoll:
		var cfg schema.PollTriggerConfig
		if err := decodeConfig(config, &cfg); err != nil {
			return err
		}
		return m.registerPoll(workflowID, cfg)
	case schema.TriggerTypeWatch:
		var cfg schema.WatchTriggerConfig
		if err := decodeConfig(config, &cfg); err != nil {
			return err
		}
		return m.registerWatch(workflowID, cfg)
	default:
		return schema.NewErrorf(schema.ErrCodeTrigger, "unknown trigger type %q", triggerType)
	}
}

// Unregister tears down a workflow's trigger. Unknown registrations are a
// no-op so teardown is idempotent.
func (m *Manager) Unregister(workflowID string, triggerType schema.TriggerType) {
	switch triggerType {
	case schema.TriggerTypeCompletion:
		m.completions.unregister(workflowID)
	case schema.TriggerTypeCron:
		m.scheduler.RemoveJob(cronJobName(workflowID))
	case schema.TriggerTypePoll:
		m.mu.Lock()
		delete(m.polls, workflowID)
		m.mu.Unlock()
		m.scheduler.RemoveJob(pollJobName(workflowID))
	case schema.TriggerTypeWatch:
		m.mu.Lock()
		w := m.watches[workflowID]
		delete(m.watches, workflowID)
		m.mu.Unlock()
		if w != nil {
			w.stop()
		}
	}
}

// ReloadFromStore registers triggers for every enabled workflow. Called once
// at startup after crash recovery; individual failures are logged and do not
// abort the reload.
func (m *Manager) ReloadFromStore(ctx context.Context) error {
	enabled := true
	workflows, err := m.store.ListWorkflows(ctx, store.WorkflowFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list workflows for trigger reload: %w", err)
	}

	for _, wf := range workflows {
		if wf.TriggerType == "" || wf.TriggerType == schema.TriggerTypeManual {
			continue
		}
		if err := m.Register(ctx, wf.ID, wf.TriggerType, wf.TriggerConfig); err != nil {
			m.logger.Error("failed to reload trigger",
				"workflow_id", wf.ID, "trigger_type", string(wf.TriggerType), "error", err.Error())
		}
	}
	return nil
}

// Shutdown stops every trigger source. Watchers are joined before return.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	watches := make([]*watchSource, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.watches = make(map[string]*watchSource)
	m.polls = make(map[string]*pollSource)
	m.mu.Unlock()

	for _, w := range watches {
		w.stop()
	}
	for _, name := range m.scheduler.JobNames() {
		m.scheduler.RemoveJob(name)
	}
}

// fire starts a run for a triggered workflow and logs the outcome. Trigger
// sources never propagate run errors back to their callers.
func (m *Manager) fire(workflowID string, triggerType schema.TriggerType, input *schema.Message) {
	executionID, err := m.runner.Execute(context.Background(), workflowID, engine.ExecuteOptions{
		Input:       input,
		TriggerType: triggerType,
	})
	if err != nil {
		m.logger.Error("trigger fire failed",
			"workflow_id", workflowID, "trigger_type", string(triggerType), "error", err.Error())
		return
	}
	m.logger.Info("trigger fired",
		"workflow_id", workflowID, "trigger_type", string(triggerType), "execution_id", executionID)
}

func decodeConfig(config map[string]any, target any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTrigger, "invalid trigger config: %v", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return schema.NewErrorf(schema.ErrCodeTrigger, "invalid trigger config: %v", err)
	}
	return nil
}
