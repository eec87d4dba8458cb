package service

import (
	"context"
	"errors"
	"fmt"

	"shortlinker/internal/cache"
	"shortlinker/internal/model"
	"shortlinker/internal/repository"
	"shortlinker/internal/util"
)

// CreateRequest carries a creation request. Owner is nil for anonymous
// callers; the identity value itself comes from an external collaborator.
type CreateRequest struct {
	OriginalURL string
	CustomAlias string
	Owner       *model.UserID
}

// CreateResult is the public answer to a creation request.
type CreateResult struct {
	ShortURL    string `json:"short_url"`
	OriginalURL string `json:"original_url"`
	CustomAlias string `json:"custom_alias"`
	FromCache   bool   `json:"from_cache,omitempty"`
}

// Create validates and canonicalizes the destination, allocates a
// collision-free short code, persists the link and populates both cache
// indices. Anonymous requests without a deadline are deduplicated against the
// reverse index, verified against the store.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if !util.ValidateURL(req.OriginalURL) {
		return nil, ErrInvalidURL
	}
	canonical, deadline := util.ExtractDeadline(req.OriginalURL)

	if req.Owner == nil && deadline == nil && req.CustomAlias == "" {
		if res := s.reuseAnonymous(ctx, canonical); res != nil {
			return res, nil
		}
	}

	now := s.now()
	link := &model.Link{
		OriginalURL: canonical,
		Owner:       req.Owner,
		CreatedAt:   now,
	}
	if deadline != nil {
		// An explicit deadline suppresses the automatic one.
		link.ExpiresAt = deadline
	} else {
		expiry := s.anonExpiry
		if req.Owner != nil {
			expiry = s.ownedExpiry
		}
		auto := now.Add(expiry)
		link.AutoExpiresAt = &auto
	}

	if req.CustomAlias != "" {
		if err := s.reserveAlias(ctx, link, req.CustomAlias); err != nil {
			return nil, err
		}
	} else {
		if err := s.reserveGenerated(ctx, link, canonical); err != nil {
			return nil, err
		}
	}

	// Store commit first; the cache is an accelerator re-populated after.
	ttl := s.cache.TTL(link.Expiry(), now)
	if cerr := s.cache.SetMapping(ctx, link.ShortCode, canonical, ttl); cerr != nil {
		s.logger.Warn("cache populate failed after create", "code", link.ShortCode, "error", cerr)
	}

	return &CreateResult{
		ShortURL:    s.ShortURL(link.ShortCode),
		OriginalURL: canonical,
		CustomAlias: link.ShortCode,
	}, nil
}

// reuseAnonymous short-circuits an anonymous, no-deadline request to an
// existing code. The reverse index alone is not trusted: an active ownerless
// link with the same destination must still exist in the store.
func (s *Service) reuseAnonymous(ctx context.Context, canonical string) *CreateResult {
	code, err := s.cache.GetCode(ctx, canonical)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Debug("reverse cache read failed", "error", err)
		}
		return nil
	}

	link, err := s.store.GetByShortCode(ctx, code)
	if err != nil || link.Owner != nil || link.OriginalURL != canonical {
		return nil
	}

	ttl := s.cache.TTL(link.Expiry(), s.now())
	if rerr := s.cache.Refresh(ctx, code, canonical, ttl); rerr != nil {
		s.logger.Debug("cache refresh failed", "code", code, "error", rerr)
	}

	return &CreateResult{
		ShortURL:    s.ShortURL(code),
		OriginalURL: canonical,
		CustomAlias: code,
		FromCache:   true,
	}
}

// reserveAlias validates a caller-supplied alias and reserves it. The cache
// is checked first for latency, the store second for authority, and the
// conditional insert settles any remaining race.
func (s *Service) reserveAlias(ctx context.Context, link *model.Link, alias string) error {
	if !util.ValidateAlias(alias) {
		return fmt.Errorf("%w: %q must be 5-15 alphanumeric characters", ErrInvalidAlias, alias)
	}

	if taken, err := s.cache.HasCode(ctx, alias); err != nil {
		s.logger.Debug("alias cache check failed", "alias", alias, "error", err)
	} else if taken {
		return fmt.Errorf("%w: %s", ErrAliasTaken, alias)
	}

	taken, err := s.store.ExistsActive(ctx, alias)
	if err != nil {
		return fmt.Errorf("check alias %s: %w", alias, err)
	}
	if taken {
		return fmt.Errorf("%w: %s", ErrAliasTaken, alias)
	}

	link.ShortCode = alias
	if err := s.store.Insert(ctx, link); err != nil {
		if errors.Is(err, repository.ErrCodeTaken) {
			return fmt.Errorf("%w: %s", ErrAliasTaken, alias)
		}
		return fmt.Errorf("reserve alias %s: %w", alias, err)
	}
	return nil
}

// reserveGenerated derives candidates from the destination and a fresh salt
// until one is unoccupied. The loop is unbounded; a lost insert race retries
// with a new salt.
func (s *Service) reserveGenerated(ctx context.Context, link *model.Link, canonical string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := util.ShortCode(canonical, util.NewSalt())

		if taken, err := s.cache.HasCode(ctx, code); err != nil {
			s.logger.Debug("code cache check failed", "code", code, "error", err)
		} else if taken {
			continue
		}

		taken, err := s.store.ExistsActive(ctx, code)
		if err != nil {
			return fmt.Errorf("check code %s: %w", code, err)
		}
		if taken {
			continue
		}

		link.ShortCode = code
		err = s.store.Insert(ctx, link)
		if errors.Is(err, repository.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reserve code %s: %w", code, err)
		}
		return nil
	}
}
