// Package retention enforces the audit log retention window.
//
// A janitor runs on a cron schedule and removes audit entries older than the
// configured TTL. When an archiver is registered, expired entries are written
// to it first and the purge is skipped if archiving fails, so no entry is
// lost to a broken archive.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/telemetry"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSchedule runs a sweep every hour.
const DefaultSchedule = "@every 1h"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Archiver persists expired audit entries somewhere durable.
type Archiver interface {
	Kind() string
	ArchiveAuditEntries(ctx context.Context, ownerID string, entries []models.AuditLogEntry) (string, error)
}

// CycleStats tracks what happened in a single sweep.
type CycleStats struct {
	Cutoff   time.Time
	Archived int
	Purged   int
	URIs     []string
	Errors   []error
}

// Janitor purges expired audit entries.
type Janitor struct {
	store    store.AuditStore
	ttl      time.Duration
	schedule string
	archiver Archiver
	now      func() time.Time

	mu sync.Mutex // one sweep at a time
}

// NewJanitor creates a janitor. A ttl of zero disables purging.
func NewJanitor(s store.AuditStore, ttl time.Duration, schedule string) *Janitor {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Janitor{store: s, ttl: ttl, schedule: schedule, now: time.Now}
}

// SetArchiver registers the archive backend used before each purge.
func (j *Janitor) SetArchiver(a Archiver) {
	j.archiver = a
	log.Info().Str("kind", a.Kind()).Msg("Audit archiver registered")
}

// Start runs a sweep immediately and then on the schedule until ctx is
// cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	if j.ttl <= 0 {
		log.Info().Msg("Audit retention disabled")
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(j.schedule, func() { j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("retention schedule %q: %w", j.schedule, err)
	}

	log.Info().
		Dur("ttl", j.ttl).
		Str("schedule", j.schedule).
		Bool("archive", j.archiver != nil).
		Msg("Retention janitor started")

	j.RunOnce(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("Retention janitor stopped")
	return nil
}

// RunOnce performs one sweep.
func (j *Janitor) RunOnce(ctx context.Context) CycleStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	stats := CycleStats{}
	if j.ttl <= 0 {
		return stats
	}
	start := time.Now()
	stats.Cutoff = j.now().UTC().Add(-j.ttl)

	if j.archiver != nil {
		if ok := j.archive(ctx, &stats); !ok {
			log.Warn().Time("cutoff", stats.Cutoff).Msg("Archive failed, skipping purge")
			return stats
		}
	}

	n, err := j.store.PurgeAuditEntries(ctx, stats.Cutoff)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		log.Warn().Err(err).Msg("Retention janitor: purge failed")
		return stats
	}
	stats.Purged = n
	telemetry.AuditPurged.Add(float64(n))

	if n > 0 || stats.Archived > 0 {
		log.Info().
			Int("purged", n).
			Int("archived", stats.Archived).
			Time("cutoff", stats.Cutoff).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

// archive writes every expired entry, grouped by owner. It reports whether
// all groups were archived.
func (j *Janitor) archive(ctx context.Context, stats *CycleStats) bool {
	expired, err := j.store.ListAuditEntries(ctx, models.AuditFilter{Before: stats.Cutoff})
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return false
	}
	if len(expired) == 0 {
		return true
	}

	byOwner := make(map[string][]models.AuditLogEntry)
	var owners []string
	for _, e := range expired {
		if _, seen := byOwner[e.OwnerID]; !seen {
			owners = append(owners, e.OwnerID)
		}
		byOwner[e.OwnerID] = append(byOwner[e.OwnerID], e)
	}

	allOK := true
	for _, owner := range owners {
		batch := byOwner[owner]
		uri, err := j.archiver.ArchiveAuditEntries(ctx, owner, batch)
		if err != nil {
			log.Warn().Err(err).
				Str("owner", owner).
				Str("backend", j.archiver.Kind()).
				Int("batch_size", len(batch)).
				Msg("Failed to archive audit entries")
			stats.Errors = append(stats.Errors, err)
			allOK = false
			continue
		}
		stats.Archived += len(batch)
		stats.URIs = append(stats.URIs, uri)
	}
	return allOK
}
