package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Job represents a scheduled task that runs inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule controls how a job runs inside the worker's tick loop. A zero
// Every runs the job on every cycle; a zero Timeout leaves the run bounded
// only by the worker's context.
type Schedule struct {
	Every   time.Duration
	Timeout time.Duration
}

// Entry is a registered job with its schedule.
type Entry struct {
	Job      Job
	Schedule Schedule
}

// Registry tracks registered cron jobs and when each last ran.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
	lastRun map[string]time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{lastRun: map[string]time.Time{}}
}

// Register adds a job. Job names key the run bookkeeping and metrics, so
// they must be unique.
func (r *Registry) Register(job Job, schedule Schedule) error {
	if job == nil {
		return errors.New("job required")
	}
	if job.Name() == "" {
		return errors.New("job name required")
	}
	if schedule.Every < 0 || schedule.Timeout < 0 {
		return fmt.Errorf("job %s: negative schedule", job.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.Job.Name() == job.Name() {
			return fmt.Errorf("job %s already registered", job.Name())
		}
	}
	r.entries = append(r.entries, Entry{Job: job, Schedule: schedule})
	return nil
}

// Entries returns the registered jobs in the order they were added.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Due returns the entries whose cadence has elapsed at now, in
// registration order. A job that never ran is always due.
func (r *Registry) Due(now time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Entry
	for _, entry := range r.entries {
		last, ran := r.lastRun[entry.Job.Name()]
		if !ran || entry.Schedule.Every == 0 || now.Sub(last) >= entry.Schedule.Every {
			due = append(due, entry)
		}
	}
	return due
}

// MarkRan records a run attempt. Failed runs count too, so a failing job
// waits out its cadence instead of retrying every tick.
func (r *Registry) MarkRan(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRun[name] = at
}

// Names lists the registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		names = append(names, entry.Job.Name())
	}
	sort.Strings(names)
	return names
}
