package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/goliatone/go-payhooks/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const accountCacheKeyPrefix = "go-payhooks::connected_account::v1"

var errAccountNotCached = errors.New("sqlstore: account not found")

// CachedAccountStore fronts an AccountDirectory with a read-through cache.
// Misses are not cached so a newly linked account shows up immediately.
type CachedAccountStore struct {
	base  core.AccountDirectory
	cache repositorycache.CacheService
}

func NewCachedAccountStore(base core.AccountDirectory, cacheService repositorycache.CacheService) (*CachedAccountStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base account directory is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: account cache service is required")
	}
	return &CachedAccountStore{base: base, cache: cacheService}, nil
}

// AccountCacheKey is go-payhooks::connected_account::v1::<external_account_id>
// with the id URL-path escaped.
func AccountCacheKey(externalAccountID string) string {
	return accountCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(externalAccountID))
}

func (s *CachedAccountStore) FindByExternalAccountID(ctx context.Context, externalAccountID string) (core.ConnectedAccount, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.ConnectedAccount{}, false, fmt.Errorf("sqlstore: cached account store is not configured")
	}
	externalAccountID = strings.TrimSpace(externalAccountID)
	if externalAccountID == "" {
		return core.ConnectedAccount{}, false, nil
	}
	account, err := repositorycache.GetOrFetch(ctx, s.cache, AccountCacheKey(externalAccountID), func(ctx context.Context) (core.ConnectedAccount, error) {
		fetched, found, fetchErr := s.base.FindByExternalAccountID(ctx, externalAccountID)
		if fetchErr != nil {
			return core.ConnectedAccount{}, fetchErr
		}
		if !found {
			return core.ConnectedAccount{}, errAccountNotCached
		}
		return cloneAccount(fetched), nil
	})
	if err != nil {
		if errors.Is(err, errAccountNotCached) {
			return core.ConnectedAccount{}, false, nil
		}
		return core.ConnectedAccount{}, false, err
	}
	return cloneAccount(account), true, nil
}

func (s *CachedAccountStore) UpdateStatus(ctx context.Context, account core.ConnectedAccount, update core.AccountStatusUpdate) (core.ConnectedAccount, error) {
	if s == nil || s.base == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: cached account store is not configured")
	}
	updated, err := s.base.UpdateStatus(ctx, account, update)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	return updated, s.Invalidate(ctx, account.ExternalAccountID)
}

func (s *CachedAccountStore) RecordPayout(ctx context.Context, account core.ConnectedAccount, payout core.PayoutRecord) error {
	if s == nil || s.base == nil {
		return fmt.Errorf("sqlstore: cached account store is not configured")
	}
	if err := s.base.RecordPayout(ctx, account, payout); err != nil {
		return err
	}
	return s.Invalidate(ctx, account.ExternalAccountID)
}

func (s *CachedAccountStore) IncrementFailureCount(ctx context.Context, account core.ConnectedAccount, increment core.FailureIncrement) (int, bool, error) {
	if s == nil || s.base == nil {
		return 0, false, fmt.Errorf("sqlstore: cached account store is not configured")
	}
	count, applied, err := s.base.IncrementFailureCount(ctx, account, increment)
	if err != nil {
		return 0, false, err
	}
	if applied {
		if err := s.Invalidate(ctx, account.ExternalAccountID); err != nil {
			return count, applied, err
		}
	}
	return count, applied, nil
}

func (s *CachedAccountStore) Invalidate(ctx context.Context, externalAccountID string) error {
	if s == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached account store is not configured")
	}
	return s.cache.Delete(ctx, AccountCacheKey(externalAccountID))
}

func cloneAccount(account core.ConnectedAccount) core.ConnectedAccount {
	account.RequirementsDue = slices.Clone(account.RequirementsDue)
	account.OnboardedAt = utcPointer(account.OnboardedAt)
	return account
}

var (
	_ core.AccountDirectory        = (*CachedAccountStore)(nil)
	_ core.AccountCacheInvalidator = (*CachedAccountStore)(nil)
)
