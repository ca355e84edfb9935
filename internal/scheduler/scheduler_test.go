package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCronJob_InvalidExpression(t *testing.T) {
	s := NewScheduler(nil)
	err := s.AddCronJob("bad", "not a cron line", func() {})
	require.Error(t, err)
	assert.False(t, s.HasJob("bad"))
}

func TestAddCronJob_ReplaceByName(t *testing.T) {
	s := NewScheduler(nil)

	require.NoError(t, s.AddCronJob("job", "* * * * *", func() {}))
	require.NoError(t, s.AddCronJob("job", "*/5 * * * *", func() {}))

	assert.True(t, s.HasJob("job"))
	assert.Len(t, s.JobNames(), 1)
}

func TestRemoveJob(t *testing.T) {
	s := NewScheduler(nil)
	require.NoError(t, s.AddCronJob("gone", "* * * * *", func() {}))

	s.RemoveJob("gone")
	assert.False(t, s.HasJob("gone"))

	// Removing twice is a no-op.
	s.RemoveJob("gone")
}

func TestAddIntervalJob_Fires(t *testing.T) {
	s := NewScheduler(nil)
	var fired atomic.Int32

	require.NoError(t, s.AddIntervalJob("ticker", 20*time.Millisecond, func() {
		fired.Add(1)
	}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return fired.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAddIntervalJob_RejectsNonPositive(t *testing.T) {
	s := NewScheduler(nil)
	assert.Error(t, s.AddIntervalJob("zero", 0, func() {}))
	assert.Error(t, s.AddIntervalJob("neg", -time.Second, func() {}))
}
