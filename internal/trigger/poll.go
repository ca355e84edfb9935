package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/corvid-labs/weft/pkg/schema"
)

const pollRequestTimeout = 30 * time.Second

func pollJobName(workflowID string) string {
	return "poll:" + workflowID
}

// pollSource periodically fetches a URL and fires on response change. Change
// detection hashes the response body; the first poll under status_changed
// mode only records the baseline.
type pollSource struct {
	workflowID string
	cfg        schema.PollTriggerConfig
	client     *http.Client

	mu       sync.Mutex
	lastHash string
	primed   bool
}

// registerPoll installs a poll source and its interval job. Re-registration
// replaces both the source state and the schedule.
func (m *Manager) registerPoll(workflowID string, cfg schema.PollTriggerConfig) error {
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Mode == "" {
		cfg.Mode = "status_changed"
	}

	source := &pollSource{
		workflowID: workflowID,
		cfg:        cfg,
		client:     &http.Client{Timeout: pollRequestTimeout},
	}

	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	err := m.scheduler.AddIntervalJob(pollJobName(workflowID), interval, func() {
		m.poll(source)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTrigger, "poll trigger for %q: %v", workflowID, err)
	}

	m.mu.Lock()
	m.polls[workflowID] = source
	m.mu.Unlock()

	m.logger.Info("registered poll trigger",
		"workflow_id", workflowID, "url", cfg.URL, "interval_seconds", cfg.IntervalSeconds, "mode", cfg.Mode)
	return nil
}

// poll performs one fetch cycle. Request errors leave the hash state
// untouched so a transient failure cannot register as a change.
func (m *Manager) poll(source *pollSource) {
	hash, statusCode, err := source.fetch()
	if err != nil {
		m.logger.Warn("poll request failed",
			"workflow_id", source.workflowID, "url", source.cfg.URL, "error", err.Error())
		return
	}

	fire, previous := source.observe(hash)
	if !fire {
		return
	}

	input := schema.NewDataMessage(map[string]any{
		"url":         source.cfg.URL,
		"status_code": statusCode,
		"body_hash":   hash,
	})
	if previous != "" {
		input.Data["previous_hash"] = previous
	}
	input.Metadata = map[string]string{"trigger": "poll"}
	m.fire(source.workflowID, schema.TriggerTypePoll, input)
}

func (s *pollSource) fetch() (hash string, statusCode int, err error) {
	req, err := http.NewRequest(s.cfg.Method, s.cfg.URL, nil)
	if err != nil {
		return "", 0, err
	}
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, resp.Body); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(sum.Sum(nil)), resp.StatusCode, nil
}

// observe updates the hash state and reports whether this cycle fires. In
// always mode every successful poll fires; in status_changed mode only a
// hash different from the recorded baseline does.
func (s *pollSource) observe(hash string) (fire bool, previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous = s.lastHash
	changed := s.primed && hash != s.lastHash
	s.lastHash = hash

	if s.cfg.Mode == "always" {
		s.primed = true
		return true, previous
	}
	if !s.primed {
		s.primed = true
		return false, ""
	}
	return changed, previous
}
