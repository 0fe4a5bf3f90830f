package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*model.Listing
	bids     map[string]*model.Bid
	pools    map[string]*model.Pool
	bidSeq   int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*model.Listing),
		bids:     make(map[string]*model.Bid),
		pools:    make(map[string]*model.Pool),
	}
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listings[l.ID]; exists {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	s.listings[l.ID] = copyListing(l)
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, model.ErrNotFound)
	}
	return copyListing(l), nil
}

func (s *MemoryStore) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	return s.GetListing(ctx, id)
}

func (s *MemoryStore) ListListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		listings = append(listings, *copyListing(l))
	}
	return listings, nil
}

func (s *MemoryStore) UpdateListingState(_ context.Context, id string, status model.ListingStatus, currentBid *decimal.Decimal, bidCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, model.ErrNotFound)
	}
	l.Status = status
	l.CurrentBid = copyDecimal(currentBid)
	l.BidCount = bidCount
	return nil
}

func (s *MemoryStore) CreateBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bids[b.ID]; exists {
		return fmt.Errorf("bid %s already exists", b.ID)
	}
	s.bidSeq++
	b.Seq = s.bidSeq

	// Store a copy to avoid external mutation.
	copy := *b
	s.bids[b.ID] = &copy
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("bid %s: %w", id, model.ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListBidsByListing(_ context.Context, listingID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, b := range s.bids {
		if b.ListingID == listingID {
			result = append(result, *b)
		}
	}
	sortBySeq(result)
	return result, nil
}

func (s *MemoryStore) ListBids(_ context.Context) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Bid, 0, len(s.bids))
	for _, b := range s.bids {
		result = append(result, *b)
	}
	sortBySeq(result)
	return result, nil
}

func (s *MemoryStore) UpdateBidState(_ context.Context, id string, escrow model.EscrowState, winning bool, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[id]
	if !ok {
		return fmt.Errorf("bid %s: %w", id, model.ErrNotFound)
	}
	b.Escrow = escrow
	b.Winning = winning
	b.FailureReason = failureReason
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetPoolForUpdate(ctx context.Context, id string) (*model.Pool, error) {
	return s.GetPool(ctx, id)
}

func (s *MemoryStore) SavePool(_ context.Context, p *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.pools[p.ID] = &copy
	return nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

func copyListing(l *model.Listing) *model.Listing {
	c := *l
	c.CurrentBid = copyDecimal(l.CurrentBid)
	return &c
}

func copyDecimal(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func sortBySeq(bids []model.Bid) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Seq < bids[j].Seq })
}
