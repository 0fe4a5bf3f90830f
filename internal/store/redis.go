package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for listings and pools.
//
// Writes go to the primary store and then overwrite the cached entry with
// the committed record. Read misses fill the cache with SET NX, so a slow
// reader holding an older row never replaces an entry a writer has
// refreshed. The ForUpdate reads bypass Redis entirely.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.CreateListing(ctx, l); err != nil {
		return err
	}
	s.refresh(ctx, listingKey(l.ID), l)
	return nil
}

func (s *CachedStore) UpdateListingState(ctx context.Context, id string, status model.ListingStatus, currentBid *decimal.Decimal, bidCount int) error {
	if err := s.primary.UpdateListingState(ctx, id, status, currentBid, bidCount); err != nil {
		return err
	}
	fresh, err := s.primary.GetListingForUpdate(ctx, id)
	if err != nil {
		s.invalidate(ctx, listingKey(id))
		return nil
	}
	s.refresh(ctx, listingKey(id), fresh)
	return nil
}

func (s *CachedStore) SavePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.SavePool(ctx, p); err != nil {
		return err
	}
	s.refresh(ctx, poolKey(p.ID), p)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	var l model.Listing
	if s.lookup(ctx, listingKey(id), &l) {
		return &l, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, listingKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	var p model.Pool
	if s.lookup(ctx, poolKey(id), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, poolKey(id), fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	return s.primary.GetListingForUpdate(ctx, id)
}

func (s *CachedStore) GetPoolForUpdate(ctx context.Context, id string) (*model.Pool, error) {
	return s.primary.GetPoolForUpdate(ctx, id)
}

func (s *CachedStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	return s.primary.ListListings(ctx)
}

func (s *CachedStore) CreateBid(ctx context.Context, b *model.Bid) error {
	return s.primary.CreateBid(ctx, b)
}

func (s *CachedStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	return s.primary.GetBid(ctx, id)
}

func (s *CachedStore) ListBidsByListing(ctx context.Context, listingID string) ([]model.Bid, error) {
	return s.primary.ListBidsByListing(ctx, listingID)
}

func (s *CachedStore) ListBids(ctx context.Context) ([]model.Bid, error) {
	return s.primary.ListBids(ctx)
}

func (s *CachedStore) UpdateBidState(ctx context.Context, id string, escrow model.EscrowState, winning bool, failureReason string) error {
	return s.primary.UpdateBidState(ctx, id, escrow, winning, failureReason)
}

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

// --- Cache helpers ---

// refresh overwrites key with a just-committed record. If that fails the
// entry is deleted; if the delete fails too, the stale entry lives until
// its TTL and only unlocked reads can observe it.
func (s *CachedStore) refresh(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err == nil {
		err = s.rdb.Set(ctx, key, data, s.ttl).Err()
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis: cache refresh failed, invalidating")
		s.invalidate(ctx, key)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Dur("ttl", s.ttl).Msg("redis: cache invalidation failed, entry may be stale until expiry")
	}
}

// fill caches a record read on a miss unless a writer got there first.
func (s *CachedStore) fill(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.SetNX(ctx, key, data, s.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis: cache fill failed")
	}
}

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }
func poolKey(id string) string    { return fmt.Sprintf("pool:%s", id) }
