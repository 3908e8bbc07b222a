package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/harun/wafleet/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Maintenance runs the periodic housekeeping job on a cron schedule.
type Maintenance struct {
	daemon   *Daemon
	cron     *cron.Cron
	schedule string
	logger   zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
	runs    int
}

// NewMaintenance schedules the housekeeping job. schedule uses the standard five-field syntax.
func NewMaintenance(d *Daemon, schedule string) (*Maintenance, error) {
	m := &Maintenance{
		daemon:   d,
		cron:     cron.New(),
		schedule: schedule,
		logger:   d.component("maintenance"),
	}
	if _, err := m.cron.AddFunc(schedule, m.Run); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start starts the scheduler.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop stops the scheduler and waits for a running job.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// Run refreshes session gauges, logs busy lanes and pushes a stats event.
func (m *Maintenance) Run() {
	d := m.daemon

	counts := d.manager.Counts()
	observability.SetSessionStates(counts)

	keys, err := d.store.Keys()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to list stored sessions")
	} else {
		observability.SetStoredSessions(len(keys))
		if d.groups != nil {
			m.pruneGroups(keys)
		}
	}

	for lane, laneStats := range d.manager.Lanes().GetStats() {
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			m.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Lane stats")
		}
	}

	d.events.Broadcast("server.stats", map[string]interface{}{
		"sessions": counts,
		"stored":   len(keys),
	})

	m.mu.Lock()
	m.lastRun = time.Now()
	m.runs++
	m.mu.Unlock()

	m.logger.Debug().Interface("sessions", counts).Int("stored", len(keys)).Msg("Maintenance complete")
}

// pruneGroups drops group moderation state of sessions that are no longer stored.
func (m *Maintenance) pruneGroups(keys []string) {
	stored := make(map[string]bool, len(keys))
	for _, key := range keys {
		stored[key] = true
	}
	removed, err := m.daemon.groups.Prune(func(key string) bool {
		return stored[key] || m.daemon.store.Exists(key)
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to prune group state")
		return
	}
	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("Pruned group state of removed sessions")
	}
}

// LastRun returns when the job last finished and how many times it ran.
func (m *Maintenance) LastRun() (time.Time, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun, m.runs
}
