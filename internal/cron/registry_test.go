package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryRejectsDuplicateAndInvalidJobs(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubJob{name: "pending-expiry"}, Schedule{Every: 5 * time.Minute}))

	assert.Error(t, registry.Register(&stubJob{name: "pending-expiry"}, Schedule{}))
	assert.Error(t, registry.Register(nil, Schedule{}))
	assert.Error(t, registry.Register(&stubJob{}, Schedule{}))
	assert.Error(t, registry.Register(&stubJob{name: "outbox-retention"}, Schedule{Every: -time.Second}))
	assert.Equal(t, []string{"pending-expiry"}, registry.Names())
}

func TestRegistryDueHonorsCadence(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubJob{name: "settlement-backfill"}, Schedule{}))
	require.NoError(t, registry.Register(&stubJob{name: "outbox-retention"}, Schedule{Every: time.Hour}))
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	due := registry.Due(start)
	require.Len(t, due, 2)
	assert.Equal(t, "settlement-backfill", due[0].Job.Name())
	assert.Equal(t, "outbox-retention", due[1].Job.Name())

	registry.MarkRan("settlement-backfill", start)
	registry.MarkRan("outbox-retention", start)

	due = registry.Due(start.Add(30 * time.Minute))
	require.Len(t, due, 1)
	assert.Equal(t, "settlement-backfill", due[0].Job.Name())

	due = registry.Due(start.Add(time.Hour))
	assert.Len(t, due, 2)
}

func TestRegistryEntriesIsACopy(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubJob{name: "a"}, Schedule{Timeout: time.Minute}))
	entries := registry.Entries()
	entries[0].Job = nil
	assert.NotNil(t, registry.Entries()[0].Job)
	assert.Equal(t, time.Minute, registry.Entries()[0].Schedule.Timeout)
}
