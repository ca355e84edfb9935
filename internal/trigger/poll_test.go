package trigger

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/weft/pkg/schema"
)

type mutableBody struct {
	mu   sync.Mutex
	body string
}

func (b *mutableBody) set(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.body = s
}

func (b *mutableBody) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = w.Write([]byte(b.body))
}

func newPollSource(t *testing.T, url, mode string) *pollSource {
	t.Helper()
	return &pollSource{
		workflowID: "wf-poll",
		cfg: schema.PollTriggerConfig{
			URL:             url,
			Method:          http.MethodGet,
			IntervalSeconds: 1,
			Mode:            mode,
		},
		client: http.DefaultClient,
	}
}

func TestPoll_StatusChanged_FiresOnlyOnChange(t *testing.T) {
	body := &mutableBody{body: "version-1"}
	server := httptest.NewServer(body)
	defer server.Close()

	runner := &fakeRunner{}
	m := newTestManager(runner)
	source := newPollSource(t, server.URL, "status_changed")

	// First poll records the baseline, never fires.
	m.poll(source)
	assert.Empty(t, runner.snapshot())

	// Unchanged body stays quiet.
	m.poll(source)
	assert.Empty(t, runner.snapshot())

	// Changed body fires exactly once.
	body.set("version-2")
	m.poll(source)
	calls := runner.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf-poll", calls[0].workflowID)
	assert.Equal(t, schema.TriggerTypePoll, calls[0].opts.TriggerType)
	assert.Equal(t, server.URL, calls[0].opts.Input.Data["url"])

	// Stable again after the change.
	m.poll(source)
	assert.Len(t, runner.snapshot(), 1)
}

func TestPoll_AlwaysMode_FiresEveryCycle(t *testing.T) {
	body := &mutableBody{body: "constant"}
	server := httptest.NewServer(body)
	defer server.Close()

	runner := &fakeRunner{}
	m := newTestManager(runner)
	source := newPollSource(t, server.URL, "always")

	m.poll(source)
	m.poll(source)
	assert.Len(t, runner.snapshot(), 2)
}

func TestPoll_RequestErrorLeavesStateUntouched(t *testing.T) {
	body := &mutableBody{body: "alive"}
	server := httptest.NewServer(body)

	runner := &fakeRunner{}
	m := newTestManager(runner)
	source := newPollSource(t, server.URL, "status_changed")

	m.poll(source) // baseline
	server.Close()
	m.poll(source) // request error: logged, no fire, hash kept
	assert.Empty(t, runner.snapshot())

	source.mu.Lock()
	assert.True(t, source.primed)
	assert.NotEmpty(t, source.lastHash)
	source.mu.Unlock()
}
