package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"shortlinker/internal/cache"
	"shortlinker/internal/model"
	"shortlinker/internal/util"
)

// ownerOf resolves owner attribution for a code: memo hit short-circuits,
// a miss falls back to the store and is memoized with the "guest" sentinel
// for ownerless links. Failures degrade to anonymous attribution.
func (s *Service) ownerOf(ctx context.Context, code string) *model.UserID {
	val, err := s.cache.GetOwner(ctx, code)
	if err == nil {
		if val == cache.OwnerGuest {
			return nil
		}
		id, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return nil
		}
		owner := model.UserID(id)
		return &owner
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Debug("owner cache read failed", "code", code, "error", err)
	}

	link, serr := s.store.GetByShortCode(ctx, code)
	if serr != nil {
		return nil
	}

	memo := cache.OwnerGuest
	if link.Owner != nil {
		memo = strconv.FormatInt(int64(*link.Owner), 10)
	}
	ttl := s.cache.TTL(link.Expiry(), s.now())
	if cerr := s.cache.SetOwner(ctx, code, memo, ttl); cerr != nil {
		s.logger.Debug("owner memo write failed", "code", code, "error", cerr)
	}
	return link.Owner
}

// recordVisit persists one visit plus the liveness refresh. Runs detached
// from the request: the redirect has already been served, so a fresh context
// bounds the write instead of the caller's.
func (s *Service) recordVisit(code, dest string, owner *model.UserID, info VisitInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tld, registrable := util.ParseDomains(dest)
	visit := &model.Visit{
		Owner:             owner,
		Timestamp:         s.now(),
		ShortCode:         code,
		OriginalURL:       dest,
		DomainTLD:         tld,
		DomainRegistrable: registrable,
		IPAddress:         info.IP,
		DeviceClass:       util.DeviceClass(info.UserAgent),
	}
	if country := s.countryOf(info.IP); country != "" {
		visit.Country = &country
	}
	if info.Referer != "" {
		referer := info.Referer
		visit.Referer = &referer
	}

	if err := s.store.RecordVisit(ctx, visit); err != nil {
		s.logger.Error("record visit failed", "code", code, "error", err)
	}
}
