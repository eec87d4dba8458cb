// Package service implements the resolution engine: cache-aside lookups over
// the dual Redis index with the durable store as the authority, plus link
// lifecycle operations (create, delete, update, stats).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"shortlinker/internal/cache"
	"shortlinker/internal/model"
	"shortlinker/internal/repository"
	"shortlinker/internal/util"
)

var (
	ErrInvalidURL   = errors.New("invalid url")
	ErrInvalidAlias = errors.New("invalid alias")
	ErrAliasTaken   = errors.New("alias already taken")
	ErrNotFound     = errors.New("link not found")
	ErrForbidden    = errors.New("not allowed")
)

// Store is the durable-store surface the engine needs. *repository.Repo
// implements it.
type Store interface {
	GetByShortCode(ctx context.Context, code string) (*model.Link, error)
	GetByOriginalURL(ctx context.Context, original string) (*model.Link, error)
	ExistsActive(ctx context.Context, code string) (bool, error)
	Insert(ctx context.Context, l *model.Link) error
	RecordVisit(ctx context.Context, v *model.Visit) error
	VisitCount(ctx context.Context, code string) (int64, error)
	VisitsFor(ctx context.Context, codes []string) ([]model.Visit, error)
	VisitsByOwner(ctx context.Context, owner model.UserID, code string) ([]model.Visit, error)
	ArchivedVisitsByOwner(ctx context.Context, owner model.UserID, code string) ([]model.ArchivedVisit, error)
	UpdateDestination(ctx context.Context, code, newURL string, now, autoExpiresAt time.Time) error
	Archive(ctx context.Context, links []model.ArchivedLink, visits []model.ArchivedVisit, codes []string) error
}

// Cache is the advisory index surface. *cache.Cache implements it. Errors
// from any Get are treated as misses; the store stays authoritative.
type Cache interface {
	TTL(expiry *time.Time, now time.Time) time.Duration
	DefaultTTL() time.Duration
	GetDestination(ctx context.Context, code string) (string, error)
	HasCode(ctx context.Context, code string) (bool, error)
	GetCode(ctx context.Context, url string) (string, error)
	SetMapping(ctx context.Context, code, url string, ttl time.Duration) error
	SetDestination(ctx context.Context, code, url string, ttl time.Duration) error
	Refresh(ctx context.Context, code, url string, ttl time.Duration) error
	GetOwner(ctx context.Context, code string) (string, error)
	SetOwner(ctx context.Context, code, owner string, ttl time.Duration) error
	Evict(ctx context.Context, code, url string) error
	EvictReverse(ctx context.Context, url string) error
}

// CountryFunc maps a caller IP to an ISO country code, or "" when unknown.
// IP-to-country resolution is an external collaborator.
type CountryFunc func(ip string) string

// Options configures a Service.
type Options struct {
	BaseURL     string
	OwnedExpiry time.Duration // auto-expiry for owned links
	AnonExpiry  time.Duration // auto-expiry for anonymous links
	CountryOf   CountryFunc
	Now         func() time.Time
}

type Service struct {
	store  Store
	cache  Cache
	logger *slog.Logger

	baseURL     string
	ownedExpiry time.Duration
	anonExpiry  time.Duration
	countryOf   CountryFunc
	now         func() time.Time

	visitWG sync.WaitGroup
}

func New(store Store, c Cache, logger *slog.Logger, opts Options) *Service {
	s := &Service{
		store:       store,
		cache:       c,
		logger:      logger,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		ownedExpiry: opts.OwnedExpiry,
		anonExpiry:  opts.AnonExpiry,
		countryOf:   opts.CountryOf,
		now:         opts.Now,
	}
	if s.ownedExpiry == 0 {
		s.ownedExpiry = 30 * 24 * time.Hour
	}
	if s.anonExpiry == 0 {
		s.anonExpiry = 10 * 24 * time.Hour
	}
	if s.countryOf == nil {
		s.countryOf = func(string) string { return "" }
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Wait drains in-flight visit recordings. Called on shutdown and by tests.
func (s *Service) Wait() {
	s.visitWG.Wait()
}

// ShortURL builds the public short URL for a code.
func (s *Service) ShortURL(code string) string {
	return s.baseURL + "/links/" + code
}

// VisitInfo carries the request attributes the visit recorder needs.
type VisitInfo struct {
	IP        string
	UserAgent string
	Referer   string
}

// Resolve maps a short code to its destination. The forward index is
// consulted first; a hit slides both index TTLs, a miss falls back to the
// store and repopulates the forward key with the clamped TTL. Every
// successful resolve records a visit without blocking the caller.
func (s *Service) Resolve(ctx context.Context, code string, info VisitInfo) (string, error) {
	owner := s.ownerOf(ctx, code)

	dest, err := s.cache.GetDestination(ctx, code)
	switch {
	case err == nil:
		if rerr := s.cache.Refresh(ctx, code, dest, s.cache.DefaultTTL()); rerr != nil {
			s.logger.Debug("cache refresh failed", "code", code, "error", rerr)
		}
	default:
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("cache read failed, falling back to store", "code", code, "error", err)
		}
		link, serr := s.store.GetByShortCode(ctx, code)
		if errors.Is(serr, repository.ErrNotFound) {
			return "", ErrNotFound
		}
		if serr != nil {
			return "", fmt.Errorf("resolve %s: %w", code, serr)
		}
		dest = link.OriginalURL
		ttl := s.cache.TTL(link.Expiry(), s.now())
		if cerr := s.cache.SetDestination(ctx, code, dest, ttl); cerr != nil {
			s.logger.Debug("cache repopulate failed", "code", code, "error", cerr)
		}
	}

	s.visitWG.Add(1)
	go func() {
		defer s.visitWG.Done()
		s.recordVisit(code, dest, owner, info)
	}()

	return dest, nil
}

// SearchResult is the reverse-lookup answer.
type SearchResult struct {
	ShortCode   string `json:"short_code"`
	OriginalURL string `json:"original_url"`
}

// Search finds the short code for a destination URL, reverse index first,
// store as fallback.
func (s *Service) Search(ctx context.Context, original string) (*SearchResult, error) {
	if !util.ValidateURL(original) {
		return nil, ErrInvalidURL
	}

	if code, err := s.cache.GetCode(ctx, original); err == nil {
		return &SearchResult{ShortCode: code, OriginalURL: original}, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("reverse cache read failed", "error", err)
	}

	link, err := s.store.GetByOriginalURL(ctx, original)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	ttl := s.cache.TTL(link.Expiry(), s.now())
	if cerr := s.cache.SetMapping(ctx, link.ShortCode, original, ttl); cerr != nil {
		s.logger.Debug("reverse cache repopulate failed", "error", cerr)
	}
	return &SearchResult{ShortCode: link.ShortCode, OriginalURL: link.OriginalURL}, nil
}

// Delete archives a link and its visits synchronously with reason "deleted".
// Shares the transactional contract with the sweeper.
func (s *Service) Delete(ctx context.Context, code string, owner model.UserID) error {
	link, err := s.store.GetByShortCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", code, err)
	}
	if link.Owner == nil || *link.Owner != owner {
		return ErrForbidden
	}

	visits, err := s.store.VisitsFor(ctx, []string{code})
	if err != nil {
		return fmt.Errorf("delete %s: load visits: %w", code, err)
	}

	now := s.now()
	archived := []model.ArchivedLink{model.ArchiveLink(link, now, model.ReasonDeleted)}
	archivedVisits := make([]model.ArchivedVisit, 0, len(visits))
	for i := range visits {
		archivedVisits = append(archivedVisits, model.ArchiveVisit(&visits[i], now, model.ReasonDeleted))
	}

	if err := s.store.Archive(ctx, archived, archivedVisits, []string{code}); err != nil {
		return fmt.Errorf("delete %s: archive: %w", code, err)
	}

	// Best effort: a stale entry ages out by TTL if eviction fails.
	if cerr := s.cache.Evict(ctx, code, link.OriginalURL); cerr != nil {
		s.logger.Warn("cache evict failed after delete", "code", code, "error", cerr)
	}
	return nil
}

// UpdateDestination rewrites an owned link's destination and restarts its
// lifecycle, then re-seeds the cache under the new URL.
func (s *Service) UpdateDestination(ctx context.Context, code string, owner model.UserID, newURL string) (*model.Link, error) {
	newURL = strings.TrimSpace(newURL)
	if !util.ValidateURL(newURL) {
		return nil, ErrInvalidURL
	}

	link, err := s.store.GetByShortCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", code, err)
	}
	if link.Owner == nil || *link.Owner != owner {
		return nil, ErrForbidden
	}

	now := s.now()
	autoExpires := now.Add(s.ownedExpiry)
	if err := s.store.UpdateDestination(ctx, code, newURL, now, autoExpires); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update %s: %w", code, err)
	}

	// The old reverse entry must go, or Search would keep answering with the
	// old destination's code.
	if cerr := s.cache.EvictReverse(ctx, link.OriginalURL); cerr != nil {
		s.logger.Warn("reverse cache evict failed after update", "code", code, "error", cerr)
	}
	ttl := s.cache.TTL(&autoExpires, now)
	if cerr := s.cache.SetMapping(ctx, code, newURL, ttl); cerr != nil {
		s.logger.Debug("cache reseed failed after update", "code", code, "error", cerr)
	}

	updated := *link
	updated.OriginalURL = newURL
	updated.CreatedAt = now
	updated.AutoExpiresAt = &autoExpires
	updated.ExpiresAt = nil
	updated.LastAccessAt = nil
	return &updated, nil
}

// Stats summarizes one active link.
type Stats struct {
	OriginalURL  string     `json:"original_url"`
	CreatedAt    time.Time  `json:"created_at"`
	VisitCount   int64      `json:"visit_count"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
}

func (s *Service) Stats(ctx context.Context, code string) (*Stats, error) {
	link, err := s.store.GetByShortCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", code, err)
	}
	count, err := s.store.VisitCount(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("stats %s: count visits: %w", code, err)
	}
	return &Stats{
		OriginalURL:  link.OriginalURL,
		CreatedAt:    link.CreatedAt,
		VisitCount:   count,
		LastAccessAt: link.LastAccessAt,
	}, nil
}

// VisitGroup is one link's visit history in a grouped stats response.
type VisitGroup struct {
	ShortCode   string        `json:"short_code"`
	OriginalURL string        `json:"original_url"`
	Visits      []model.Visit `json:"visits"`
}

// ActiveVisitStats returns the owner's visits on active links grouped by
// (short_code, original_url), optionally filtered to one code.
func (s *Service) ActiveVisitStats(ctx context.Context, owner model.UserID, code string) ([]VisitGroup, error) {
	visits, err := s.store.VisitsByOwner(ctx, owner, code)
	if err != nil {
		return nil, fmt.Errorf("active stats: %w", err)
	}

	var groups []VisitGroup
	index := make(map[string]int)
	for i := range visits {
		v := visits[i]
		key := v.ShortCode + "\x00" + v.OriginalURL
		gi, ok := index[key]
		if !ok {
			gi = len(groups)
			index[key] = gi
			groups = append(groups, VisitGroup{ShortCode: v.ShortCode, OriginalURL: v.OriginalURL})
		}
		groups[gi].Visits = append(groups[gi].Visits, v)
	}
	return groups, nil
}

// ArchivedVisitGroup is one archived link's visit history.
type ArchivedVisitGroup struct {
	ShortCode   string                `json:"short_code"`
	OriginalURL string                `json:"original_url"`
	Visits      []model.ArchivedVisit `json:"visits"`
}

// ArchivedVisitStats is ActiveVisitStats over the archive tables.
func (s *Service) ArchivedVisitStats(ctx context.Context, owner model.UserID, code string) ([]ArchivedVisitGroup, error) {
	visits, err := s.store.ArchivedVisitsByOwner(ctx, owner, code)
	if err != nil {
		return nil, fmt.Errorf("archived stats: %w", err)
	}

	var groups []ArchivedVisitGroup
	index := make(map[string]int)
	for i := range visits {
		v := visits[i]
		key := v.ShortCode + "\x00" + v.OriginalURL
		gi, ok := index[key]
		if !ok {
			gi = len(groups)
			index[key] = gi
			groups = append(groups, ArchivedVisitGroup{ShortCode: v.ShortCode, OriginalURL: v.OriginalURL})
		}
		groups[gi].Visits = append(groups[gi].Visits, v)
	}
	return groups, nil
}
