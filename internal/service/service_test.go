package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shortlinker/internal/cache"
	"shortlinker/internal/model"
	"shortlinker/internal/service"
	"shortlinker/internal/testutils"
)

var testStart = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *service.Service
	store *testutils.MockStore
	cache *cache.Cache
	mr    *miniredis.Miniredis
	clock *testutils.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := testutils.NewMockStore()
	idx := cache.New(rdb, 3*time.Hour)
	clock := testutils.NewClock(testStart)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := service.New(store, idx, logger, service.Options{
		BaseURL:     "http://short.test",
		OwnedExpiry: 30 * 24 * time.Hour,
		AnonExpiry:  10 * 24 * time.Hour,
		Now:         clock.Now,
	})
	return &fixture{svc: svc, store: store, cache: idx, mr: mr, clock: clock}
}

func TestCreateResolveRoundtrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)
	assert.Equal(t, "http://short.test/links/"+res.CustomAlias, res.ShortURL)
	assert.False(t, res.FromCache)
	assert.Len(t, res.CustomAlias, 8)

	dest, err := f.svc.Resolve(ctx, res.CustomAlias, service.VisitInfo{IP: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", dest)
	f.svc.Wait()
}

func TestResolveSurvivesCacheEviction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)

	f.mr.FlushAll()

	dest, err := f.svc.Resolve(ctx, res.CustomAlias, service.VisitInfo{IP: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", dest)
	f.svc.Wait()

	// Store fallback repopulated the forward index.
	assert.True(t, f.mr.Exists("shortlink:"+res.CustomAlias))
}

func TestResolveUnknownCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Resolve(context.Background(), "nosuchcd", service.VisitInfo{})
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestCreateRejectsMalformedURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, raw := range []string{"", "ftp://x.com", "not a url"} {
		_, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: raw})
		assert.ErrorIs(t, err, service.ErrInvalidURL, raw)
	}
	assert.Equal(t, 0, f.store.InsertCalls)
}

func TestExplicitDeadlineClampsTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deadline := testStart.Add(5 * time.Minute).Format(time.RFC3339)
	res, err := f.svc.Create(ctx, service.CreateRequest{
		OriginalURL: "https://example.com/page?expires_at=" + deadline,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page", res.OriginalURL)

	link := f.store.Link(res.CustomAlias)
	require.NotNil(t, link)
	require.NotNil(t, link.ExpiresAt)
	assert.Nil(t, link.AutoExpiresAt, "explicit deadline suppresses the automatic one")

	ttl := f.mr.TTL("shortlink:" + res.CustomAlias)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 5*time.Minute)
}

func TestAutoExpirySplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/anon"})
	require.NoError(t, err)
	link := f.store.Link(anon.CustomAlias)
	require.NotNil(t, link.AutoExpiresAt)
	assert.Equal(t, testStart.Add(10*24*time.Hour), *link.AutoExpiresAt)

	owner := model.UserID(7)
	owned, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/owned", Owner: &owner})
	require.NoError(t, err)
	link = f.store.Link(owned.CustomAlias)
	require.NotNil(t, link.AutoExpiresAt)
	assert.Equal(t, testStart.Add(30*24*time.Hour), *link.AutoExpiresAt)
}

func TestAnonymousReuseVerifiedAgainstStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)

	second, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.CustomAlias, second.CustomAlias)
	assert.Equal(t, 1, f.store.ActiveCount())

	// Cache and store diverged: the reverse entry survives but the link is
	// gone. The short-circuit must not trust the cache alone.
	require.NoError(t, f.store.Archive(ctx,
		[]model.ArchivedLink{{ShortCode: first.CustomAlias}}, nil, []string{first.CustomAlias}))

	third, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.NotEqual(t, first.CustomAlias, third.CustomAlias)
}

func TestNoReuseForOwnedOrDeadlineRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)

	owner := model.UserID(3)
	owned, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a", Owner: &owner})
	require.NoError(t, err)
	assert.False(t, owned.FromCache)
	assert.NotEqual(t, first.CustomAlias, owned.CustomAlias)
}

func TestCustomAlias(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, service.CreateRequest{
		OriginalURL: "https://example.com/a",
		CustomAlias: "campaign1",
	})
	require.NoError(t, err)
	assert.Equal(t, "campaign1", res.CustomAlias)

	_, err = f.svc.Create(ctx, service.CreateRequest{
		OriginalURL: "https://example.com/b",
		CustomAlias: "campaign1",
	})
	assert.ErrorIs(t, err, service.ErrAliasTaken)

	_, err = f.svc.Create(ctx, service.CreateRequest{
		OriginalURL: "https://example.com/c",
		CustomAlias: "no!",
	})
	assert.ErrorIs(t, err, service.ErrInvalidAlias)
}

func TestConcurrentCreatorsAllocateUniqueCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 40
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Create(ctx, service.CreateRequest{
				OriginalURL: fmt.Sprintf("https://example.com/p/%d", i),
			})
			if assert.NoError(t, err) {
				codes <- res.CustomAlias
			}
		}(i)
	}
	wg.Wait()
	close(codes)

	seen := make(map[string]bool)
	for code := range codes {
		assert.False(t, seen[code], "code %s allocated twice", code)
		seen[code] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, f.store.ActiveCount())
}

func TestVisitRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	owner := model.UserID(42)
	res, err := f.svc.Create(ctx, service.CreateRequest{
		OriginalURL: "https://sub.example.com/page",
		Owner:       &owner,
	})
	require.NoError(t, err)

	ref := "https://referrer.test/"
	_, err = f.svc.Resolve(ctx, res.CustomAlias, service.VisitInfo{
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0 (iPhone) Mobile Safari",
		Referer:   ref,
	})
	require.NoError(t, err)
	f.svc.Wait()

	visits := f.store.Visits()
	require.Len(t, visits, 1)
	v := visits[0]
	assert.Equal(t, res.CustomAlias, v.ShortCode)
	assert.Equal(t, "https://sub.example.com/page", v.OriginalURL)
	assert.Equal(t, "mobile", v.DeviceClass)
	assert.Equal(t, "com", v.DomainTLD)
	assert.Equal(t, "example.com", v.DomainRegistrable)
	assert.Equal(t, "203.0.113.7", v.IPAddress)
	require.NotNil(t, v.Owner)
	assert.Equal(t, owner, *v.Owner)
	require.NotNil(t, v.Referer)
	assert.Equal(t, ref, *v.Referer)

	link := f.store.Link(res.CustomAlias)
	require.NotNil(t, link.LastAccessAt)
	assert.Equal(t, testStart, *link.LastAccessAt)

	// Owner attribution is memoized.
	memo, merr := f.mr.Get("short_ui:" + res.CustomAlias)
	require.NoError(t, merr)
	assert.Equal(t, "42", memo)
}

func TestGuestAttributionMemo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, res.CustomAlias, service.VisitInfo{IP: "203.0.113.7"})
	require.NoError(t, err)
	f.svc.Wait()

	memo, merr := f.mr.Get("short_ui:" + res.CustomAlias)
	require.NoError(t, merr)
	assert.Equal(t, "guest", memo)

	visits := f.store.Visits()
	require.Len(t, visits, 1)
	assert.Nil(t, visits[0].Owner)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)

	found, err := f.svc.Search(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, res.CustomAlias, found.ShortCode)

	// Store fallback after cache loss.
	f.mr.FlushAll()
	found, err = f.svc.Search(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, res.CustomAlias, found.ShortCode)

	_, err = f.svc.Search(ctx, "https://example.com/unknown")
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = f.svc.Search(ctx, "not a url")
	assert.ErrorIs(t, err, service.ErrInvalidURL)
}

func TestUpdateDestination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	owner := model.UserID(9)
	res, err := f.svc.Create(ctx, service.CreateRequest{
		OriginalURL: "https://example.com/old",
		Owner:       &owner,
	})
	require.NoError(t, err)
	code := res.CustomAlias

	f.clock.Advance(time.Hour)
	updated, err := f.svc.UpdateDestination(ctx, code, owner, "https://example.com/new")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/new", updated.OriginalURL)
	assert.Nil(t, updated.ExpiresAt)
	assert.Nil(t, updated.LastAccessAt)
	require.NotNil(t, updated.AutoExpiresAt)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), *updated.AutoExpiresAt)

	// The old reverse entry must not answer anymore.
	_, err = f.svc.Search(ctx, "https://example.com/old")
	assert.ErrorIs(t, err, service.ErrNotFound)

	found, err := f.svc.Search(ctx, "https://example.com/new")
	require.NoError(t, err)
	assert.Equal(t, code, found.ShortCode)

	dest, err := f.svc.Resolve(ctx, code, service.VisitInfo{IP: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/new", dest)
	f.svc.Wait()
}

func TestUpdateAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	owner := model.UserID(9)
	res, err := f.svc.Create(ctx, service.CreateRequest{
		OriginalURL: "https://example.com/a",
		Owner:       &owner,
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateDestination(ctx, res.CustomAlias, model.UserID(10), "https://example.com/b")
	assert.ErrorIs(t, err, service.ErrForbidden)

	_, err = f.svc.UpdateDestination(ctx, "nosuchcd", owner, "https://example.com/b")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestDeleteArchivesSynchronously(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	owner := model.UserID(5)
	res, err := f.svc.Create(ctx, service.CreateRequest{
		OriginalURL: "https://example.com/a",
		Owner:       &owner,
	})
	require.NoError(t, err)
	code := res.CustomAlias

	_, err = f.svc.Resolve(ctx, code, service.VisitInfo{IP: "203.0.113.7"})
	require.NoError(t, err)
	f.svc.Wait()

	assert.ErrorIs(t, f.svc.Delete(ctx, code, model.UserID(6)), service.ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, code, owner))

	assert.Equal(t, 0, f.store.ActiveCount())
	archived := f.store.ArchivedLinks()
	require.Len(t, archived, 1)
	assert.Equal(t, model.ReasonDeleted, archived[0].ArchivalReason)
	archVisits := f.store.ArchivedVisits()
	require.Len(t, archVisits, 1)
	assert.Equal(t, model.ReasonDeleted, archVisits[0].ArchivalReason)

	assert.False(t, f.mr.Exists("shortlink:"+code))
	assert.False(t, f.mr.Exists("short_ui:"+code))

	assert.ErrorIs(t, f.svc.Delete(ctx, code, owner), service.ErrNotFound)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.svc.Resolve(ctx, res.CustomAlias, service.VisitInfo{IP: "203.0.113.7"})
		require.NoError(t, err)
	}
	f.svc.Wait()

	stats, err := f.svc.Stats(ctx, res.CustomAlias)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", stats.OriginalURL)
	assert.Equal(t, int64(3), stats.VisitCount)
	assert.NotNil(t, stats.LastAccessAt)

	_, err = f.svc.Stats(ctx, "nosuchcd")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestGroupedVisitStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	owner := model.UserID(11)
	a, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a", Owner: &owner})
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/b", Owner: &owner})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.svc.Resolve(ctx, a.CustomAlias, service.VisitInfo{IP: "203.0.113.7"})
		require.NoError(t, err)
	}
	_, err = f.svc.Resolve(ctx, b.CustomAlias, service.VisitInfo{IP: "203.0.113.8"})
	require.NoError(t, err)
	f.svc.Wait()

	groups, err := f.svc.ActiveVisitStats(ctx, owner, "")
	require.NoError(t, err)
	require.Len(t, groups, 2)

	filtered, err := f.svc.ActiveVisitStats(ctx, owner, a.CustomAlias)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, a.CustomAlias, filtered[0].ShortCode)
	assert.Len(t, filtered[0].Visits, 2)
}
