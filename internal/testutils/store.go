// Package testutils provides an in-memory durable-store double enforcing the
// same contract as the Postgres repository: unique active codes, transactional
// archival, sentinel errors.
package testutils

import (
	"context"
	"sync"
	"time"

	"shortlinker/internal/model"
	"shortlinker/internal/repository"
)

// MockStore is safe for concurrent use.
type MockStore struct {
	mu             sync.Mutex
	links          map[string]*model.Link
	visits         []model.Visit
	archivedLinks  []model.ArchivedLink
	archivedVisits []model.ArchivedVisit
	nextID         int64

	// FailNext is returned (once) by the next store call. FailArchive fails
	// every Archive call until cleared, leaving live rows untouched.
	FailNext    error
	FailArchive error

	InsertCalls int
	GetCalls    int
}

func NewMockStore() *MockStore {
	return &MockStore{links: make(map[string]*model.Link)}
}

func (m *MockStore) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

// AddLink seeds a link directly, bypassing the uniqueness check.
func (m *MockStore) AddLink(l model.Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l.ID = m.nextID
	m.links[l.ShortCode] = &l
}

// Link returns a copy of the stored link, or nil.
func (m *MockStore) Link(code string) *model.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[code]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// ActiveCount returns the number of active links.
func (m *MockStore) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// ArchivedLinks returns a snapshot of the archive.
func (m *MockStore) ArchivedLinks() []model.ArchivedLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ArchivedLink(nil), m.archivedLinks...)
}

// ArchivedVisits returns a snapshot of the visit archive.
func (m *MockStore) ArchivedVisits() []model.ArchivedVisit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ArchivedVisit(nil), m.archivedVisits...)
}

// Visits returns a snapshot of the live visits.
func (m *MockStore) Visits() []model.Visit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Visit(nil), m.visits...)
}

func (m *MockStore) GetByShortCode(ctx context.Context, code string) (*model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	l, ok := m.links[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MockStore) GetByOriginalURL(ctx context.Context, original string) (*model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	var latest *model.Link
	for _, l := range m.links {
		if l.OriginalURL != original {
			continue
		}
		if latest == nil || l.CreatedAt.After(latest.CreatedAt) {
			latest = l
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MockStore) ExistsActive(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	_, ok := m.links[code]
	return ok, nil
}

func (m *MockStore) Insert(ctx context.Context, l *model.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.links[l.ShortCode]; ok {
		return repository.ErrCodeTaken
	}
	m.nextID++
	l.ID = m.nextID
	cp := *l
	m.links[l.ShortCode] = &cp
	return nil
}

func (m *MockStore) RecordVisit(ctx context.Context, v *model.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.nextID++
	v.ID = m.nextID
	m.visits = append(m.visits, *v)
	if l, ok := m.links[v.ShortCode]; ok {
		ts := v.Timestamp
		l.LastAccessAt = &ts
	}
	return nil
}

func (m *MockStore) VisitCount(ctx context.Context, code string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	var n int64
	for i := range m.visits {
		if m.visits[i].ShortCode == code {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) VisitsFor(ctx context.Context, codes []string) ([]model.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[c] = true
	}
	var res []model.Visit
	for i := range m.visits {
		if want[m.visits[i].ShortCode] {
			res = append(res, m.visits[i])
		}
	}
	return res, nil
}

func (m *MockStore) VisitsByOwner(ctx context.Context, owner model.UserID, code string) ([]model.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	var res []model.Visit
	for i := range m.visits {
		v := m.visits[i]
		if v.Owner == nil || *v.Owner != owner {
			continue
		}
		if code != "" && v.ShortCode != code {
			continue
		}
		res = append(res, v)
	}
	return res, nil
}

func (m *MockStore) ArchivedVisitsByOwner(ctx context.Context, owner model.UserID, code string) ([]model.ArchivedVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	var res []model.ArchivedVisit
	for i := range m.archivedVisits {
		v := m.archivedVisits[i]
		if v.Owner == nil || *v.Owner != owner {
			continue
		}
		if code != "" && v.ShortCode != code {
			continue
		}
		res = append(res, v)
	}
	return res, nil
}

func (m *MockStore) UpdateDestination(ctx context.Context, code, newURL string, now, autoExpiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	l, ok := m.links[code]
	if !ok {
		return repository.ErrNotFound
	}
	l.OriginalURL = newURL
	l.CreatedAt = now
	l.AutoExpiresAt = &autoExpiresAt
	l.ExpiresAt = nil
	l.LastAccessAt = nil
	return nil
}

func (m *MockStore) FindExpired(ctx context.Context, now time.Time) ([]model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	var res []model.Link
	for _, l := range m.links {
		if (l.AutoExpiresAt != nil && l.AutoExpiresAt.Before(now)) ||
			(l.ExpiresAt != nil && l.ExpiresAt.Before(now)) {
			res = append(res, *l)
		}
	}
	return res, nil
}

func (m *MockStore) Archive(ctx context.Context, links []model.ArchivedLink, visits []model.ArchivedVisit, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailArchive != nil {
		return m.FailArchive
	}
	if err := m.takeFailure(); err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}
	m.archivedLinks = append(m.archivedLinks, links...)
	m.archivedVisits = append(m.archivedVisits, visits...)

	drop := make(map[string]bool, len(codes))
	for _, c := range codes {
		drop[c] = true
	}
	kept := m.visits[:0]
	for i := range m.visits {
		if !drop[m.visits[i].ShortCode] {
			kept = append(kept, m.visits[i])
		}
	}
	m.visits = kept
	for _, c := range codes {
		delete(m.links, c)
	}
	return nil
}
