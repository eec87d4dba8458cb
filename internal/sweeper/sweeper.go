// Package sweeper runs the background archival loop: expired links and their
// visit history move to the archive tables in one transaction, then the
// corresponding cache entries are evicted best-effort.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shortlinker/internal/model"
)

// Store is the durable-store surface the sweeper needs. *repository.Repo
// implements it.
type Store interface {
	FindExpired(ctx context.Context, now time.Time) ([]model.Link, error)
	VisitsFor(ctx context.Context, codes []string) ([]model.Visit, error)
	Archive(ctx context.Context, links []model.ArchivedLink, visits []model.ArchivedVisit, codes []string) error
}

// Cache is the eviction surface. Eviction is not part of the archival
// transaction; entries that survive a failed eviction age out by TTL.
type Cache interface {
	Evict(ctx context.Context, code, url string) error
}

type Sweeper struct {
	store  Store
	cache  Cache
	logger *slog.Logger
	period time.Duration
	now    func() time.Time
}

// New builds a sweeper. period defaults to one minute, now to time.Now.
func New(store Store, cache Cache, logger *slog.Logger, period time.Duration, now func() time.Time) *Sweeper {
	if period <= 0 {
		period = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, cache: cache, logger: logger, period: period, now: now}
}

// Run loops until ctx is cancelled, sweeping once per period. A failed cycle
// only logs: the expired rows are re-selected next time, so archival is
// naturally retried and idempotent.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", "period", s.period)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep cycle failed", "error", err)
			} else if n > 0 {
				s.logger.Info("archived expired links", "count", n)
			}
		}
	}
}

// Sweep performs one find-archive-delete-evict cycle and returns how many
// links were archived. Exported so tests can drive cycles synchronously.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	expired, err := s.store.FindExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	codes := make([]string, 0, len(expired))
	reasons := make(map[string]string, len(expired))
	archivedLinks := make([]model.ArchivedLink, 0, len(expired))
	for i := range expired {
		link := &expired[i]
		reason := model.ReasonExpiredExplicit
		if link.AutoExpiresAt != nil && link.AutoExpiresAt.Before(now) {
			reason = model.ReasonExpiredAuto
		}
		reasons[link.ShortCode] = reason
		codes = append(codes, link.ShortCode)
		archivedLinks = append(archivedLinks, model.ArchiveLink(link, now, reason))
	}

	visits, err := s.store.VisitsFor(ctx, codes)
	if err != nil {
		return 0, fmt.Errorf("load visits: %w", err)
	}
	archivedVisits := make([]model.ArchivedVisit, 0, len(visits))
	for i := range visits {
		v := &visits[i]
		reason, ok := reasons[v.ShortCode]
		if !ok {
			// Visits can reference codes outside this batch; leave them.
			continue
		}
		archivedVisits = append(archivedVisits, model.ArchiveVisit(v, now, reason))
	}

	if err := s.store.Archive(ctx, archivedLinks, archivedVisits, codes); err != nil {
		// Whole batch rolled back; the cache stays untouched so live entries
		// keep serving until their TTL lapses.
		return 0, fmt.Errorf("archive batch: %w", err)
	}

	for i := range expired {
		link := &expired[i]
		if cerr := s.cache.Evict(ctx, link.ShortCode, link.OriginalURL); cerr != nil {
			s.logger.Warn("cache evict failed after archive",
				"code", link.ShortCode, "error", cerr)
		}
	}

	return len(expired), nil
}
