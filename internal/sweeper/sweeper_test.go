package sweeper_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shortlinker/internal/cache"
	"shortlinker/internal/model"
	"shortlinker/internal/service"
	"shortlinker/internal/sweeper"
	"shortlinker/internal/testutils"
)

var sweepStart = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	sw    *sweeper.Sweeper
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
	clock := testutils.NewClock(sweepStart)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sw := sweeper.New(store, idx, logger, time.Minute, clock.Now)
	return &fixture{sw: sw, store: store, cache: idx, mr: mr, clock: clock}
}

func past(d time.Duration) *time.Time {
	t := sweepStart.Add(-d)
	return &t
}

func future(d time.Duration) *time.Time {
	t := sweepStart.Add(d)
	return &t
}

func TestSweepClassifiesReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.AddLink(model.Link{
		ShortCode:     "autodead",
		OriginalURL:   "https://example.com/auto",
		AutoExpiresAt: past(time.Hour),
	})
	f.store.AddLink(model.Link{
		ShortCode:   "explicit",
		OriginalURL: "https://example.com/explicit",
		ExpiresAt:   past(time.Minute),
	})
	f.store.AddLink(model.Link{
		ShortCode:     "alive123",
		OriginalURL:   "https://example.com/alive",
		AutoExpiresAt: future(time.Hour),
	})
	require.NoError(t, f.store.RecordVisit(ctx, &model.Visit{ShortCode: "autodead", OriginalURL: "https://example.com/auto"}))
	require.NoError(t, f.store.RecordVisit(ctx, &model.Visit{ShortCode: "alive123", OriginalURL: "https://example.com/alive"}))

	n, err := f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reasons := make(map[string]string)
	for _, l := range f.store.ArchivedLinks() {
		reasons[l.ShortCode] = l.ArchivalReason
	}
	assert.Equal(t, map[string]string{
		"autodead": model.ReasonExpiredAuto,
		"explicit": model.ReasonExpiredExplicit,
	}, reasons)

	// The live link and its history stay put.
	assert.Equal(t, 1, f.store.ActiveCount())
	require.NotNil(t, f.store.Link("alive123"))
	require.Len(t, f.store.Visits(), 1)
	assert.Equal(t, "alive123", f.store.Visits()[0].ShortCode)

	archVisits := f.store.ArchivedVisits()
	require.Len(t, archVisits, 1)
	assert.Equal(t, "autodead", archVisits[0].ShortCode)
	assert.Equal(t, model.ReasonExpiredAuto, archVisits[0].ArchivalReason)
	assert.Equal(t, sweepStart, archVisits[0].ArchivedAt)
}

func TestSweepEvictsCacheAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.AddLink(model.Link{
		ShortCode:     "autodead",
		OriginalURL:   "https://example.com/auto",
		AutoExpiresAt: past(time.Hour),
	})
	require.NoError(t, f.cache.SetMapping(ctx, "autodead", "https://example.com/auto", time.Hour))
	require.NoError(t, f.cache.SetOwner(ctx, "autodead", cache.OwnerGuest, time.Hour))

	_, err := f.sw.Sweep(ctx)
	require.NoError(t, err)

	assert.False(t, f.mr.Exists("shortlink:autodead"))
	assert.False(t, f.mr.Exists("short_ui:autodead"))
	assert.False(t, f.mr.Exists("longlink:https%3A%2F%2Fexample.com%2Fauto"))
}

func TestSweepNoopWhenNothingExpired(t *testing.T) {
	f := newFixture(t)

	f.store.AddLink(model.Link{
		ShortCode:     "alive123",
		OriginalURL:   "https://example.com/alive",
		AutoExpiresAt: future(time.Hour),
	})

	n, err := f.sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.store.ArchivedLinks())
}

func TestSweepRetriesAfterArchiveFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.AddLink(model.Link{
		ShortCode:     "autodead",
		OriginalURL:   "https://example.com/auto",
		AutoExpiresAt: past(time.Hour),
	})
	require.NoError(t, f.cache.SetMapping(ctx, "autodead", "https://example.com/auto", time.Hour))

	f.store.FailArchive = errors.New("connection reset")
	_, err := f.sw.Sweep(ctx)
	require.Error(t, err)

	// Rolled back: the row is still live and the cache untouched.
	assert.Equal(t, 1, f.store.ActiveCount())
	assert.True(t, f.mr.Exists("shortlink:autodead"))

	f.store.FailArchive = nil
	n, err := f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.store.ActiveCount())
	assert.False(t, f.mr.Exists("shortlink:autodead"))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestAnonymousLinkAgesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(f.store, f.cache, logger, service.Options{
		BaseURL:    "http://short.test",
		AnonExpiry: 10 * 24 * time.Hour,
		Now:        f.clock.Now,
	})

	res, err := svc.Create(ctx, service.CreateRequest{OriginalURL: "https://example.com/a"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, res.CustomAlias, service.VisitInfo{IP: "203.0.113.7"})
	require.NoError(t, err)
	svc.Wait()

	f.clock.Advance(10*24*time.Hour + time.Minute)

	n, err := f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	archived := f.store.ArchivedLinks()
	require.Len(t, archived, 1)
	assert.Equal(t, model.ReasonExpiredAuto, archived[0].ArchivalReason)
	require.Len(t, f.store.ArchivedVisits(), 1)

	_, err = svc.Resolve(ctx, res.CustomAlias, service.VisitInfo{IP: "203.0.113.7"})
	assert.ErrorIs(t, err, service.ErrNotFound)
	svc.Wait()
}
