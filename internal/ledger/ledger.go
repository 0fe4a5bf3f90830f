// Package ledger owns listing records: creation with derived logistics and
// MSP fields, status transitions, and read queries.
//
// The ledger is the only writer of a listing's status and bid view. The
// settlement engine drives MarkSold and SetBidView while holding the
// listing lock obtained from Lock.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/events"
	"github.com/digitalmandi/mandi-engine/internal/keylock"
	"github.com/digitalmandi/mandi-engine/internal/model"
	"github.com/digitalmandi/mandi-engine/internal/store"
)

// Estimator produces the logistics estimate for a new listing.
type Estimator interface {
	Estimate(location string, quantityKg int64) model.LogisticsEstimate
}

// PriceChecker compares a price to the crop's minimum support price.
type PriceChecker interface {
	Check(crop string, unitPrice decimal.Decimal) (decimal.Decimal, bool)
}

// PoolMembership records pooled listings joining and leaving their pool.
type PoolMembership interface {
	Join(ctx context.Context, poolID, crop, location string, quantity int64, unitPrice decimal.Decimal) (*model.Pool, error)
	Leave(ctx context.Context, poolID string, quantity int64, unitPrice decimal.Decimal) (*model.Pool, error)
}

// Ledger manages listings.
type Ledger struct {
	store     store.Store
	estimator Estimator
	checker   PriceChecker
	pools     PoolMembership
	emitter   events.Emitter
	locks     *keylock.Map
	now       func() time.Time
}

// New creates a ledger. A nil emitter discards events.
func New(st store.Store, est Estimator, checker PriceChecker, pools PoolMembership, emitter events.Emitter) *Ledger {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Ledger{
		store:     st,
		estimator: est,
		checker:   checker,
		pools:     pools,
		emitter:   emitter,
		locks:     keylock.New(),
		now:       time.Now,
	}
}

// CreateParams is the input to Create.
type CreateParams struct {
	SellerID  string
	Crop      string
	Quantity  int64
	UnitPrice decimal.Decimal
	Location  string
	PoolID    string
}

// Create validates and stores a new listing. A listing with a pool id
// starts pooled_open and joins its pool before it is stored; a failed join
// rejects the listing.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (*model.Listing, error) {
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("quantity %d must be positive: %w", p.Quantity, model.ErrInvalidListing)
	}
	if !p.UnitPrice.IsPositive() {
		return nil, fmt.Errorf("unit price %s must be positive: %w", p.UnitPrice, model.ErrInvalidListing)
	}
	crop := strings.ToLower(strings.TrimSpace(p.Crop))
	if crop == "" {
		return nil, fmt.Errorf("crop is required: %w", model.ErrInvalidListing)
	}

	mspPrice, aboveMSP := l.checker.Check(crop, p.UnitPrice)
	listing := &model.Listing{
		ID:        uuid.NewString(),
		SellerID:  p.SellerID,
		Crop:      crop,
		Quantity:  p.Quantity,
		UnitPrice: p.UnitPrice,
		Location:  strings.TrimSpace(p.Location),
		PoolID:    strings.TrimSpace(p.PoolID),
		Status:    model.ListingActive,
		MSPPrice:  mspPrice,
		AboveMSP:  aboveMSP,
		Logistics: l.estimator.Estimate(p.Location, p.Quantity),
		CreatedAt: l.now(),
	}

	if listing.Pooled() {
		listing.Status = model.ListingPooledOpen
		if _, err := l.pools.Join(ctx, listing.PoolID, crop, listing.Location, listing.Quantity, listing.UnitPrice); err != nil {
			return nil, fmt.Errorf("join pool %s: %w", listing.PoolID, err)
		}
	}

	if err := l.store.CreateListing(ctx, listing); err != nil {
		if listing.Pooled() {
			if _, lerr := l.pools.Leave(ctx, listing.PoolID, listing.Quantity, listing.UnitPrice); lerr != nil {
				log.Error().Err(lerr).Str("pool_id", listing.PoolID).Msg("pool rollback failed")
			}
		}
		return nil, fmt.Errorf("create listing: %w", err)
	}

	log.Info().
		Str("listing_id", listing.ID).
		Str("crop", crop).
		Int64("quantity_kg", listing.Quantity).
		Bool("above_msp", aboveMSP).
		Str("pool_id", listing.PoolID).
		Msg("listing created")

	l.emitter.Emit(events.Event{
		Kind:      events.ListingCreated,
		ListingID: listing.ID,
		PoolID:    listing.PoolID,
		Price:     listing.UnitPrice.String(),
		Payload:   *listing,
		At:        listing.CreatedAt,
	})
	return listing, nil
}

// Lock serializes all mutations of one listing. The settlement engine
// shares it so bid placement, winner recompute and status changes of a
// listing never interleave.
func (l *Ledger) Lock(id string) (unlock func()) {
	return l.locks.Lock(id)
}

// Get returns a listing by id. The result may come from a cache.
func (l *Ledger) Get(ctx context.Context, id string) (*model.Listing, error) {
	return l.store.GetListing(ctx, id)
}

// GetForUpdate reads a listing from the source of truth. Callers holding
// the listing lock use it before deciding on a write.
func (l *Ledger) GetForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	return l.store.GetListingForUpdate(ctx, id)
}

// Expire moves an active or pooled_open listing to expired. A pooled
// listing leaves its pool.
func (l *Ledger) Expire(ctx context.Context, id string) (*model.Listing, error) {
	unlock := l.Lock(id)
	defer unlock()

	listing, err := l.store.GetListingForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.Status.Terminal() {
		return nil, fmt.Errorf("listing %s is %s: %w", id, listing.Status, model.ErrAlreadyTerminal)
	}

	// The pool leave runs first so that a failed leave writes nothing.
	if listing.Pooled() {
		if _, err := l.pools.Leave(ctx, listing.PoolID, listing.Quantity, listing.UnitPrice); err != nil {
			return nil, fmt.Errorf("expire listing %s: leave pool %s: %w", id, listing.PoolID, err)
		}
	}

	if err := l.store.UpdateListingState(ctx, id, model.ListingExpired, listing.CurrentBid, listing.BidCount); err != nil {
		if listing.Pooled() {
			l.rejoin(ctx, listing)
		}
		return nil, fmt.Errorf("expire listing %s: %w", id, err)
	}
	listing.Status = model.ListingExpired

	log.Info().Str("listing_id", id).Msg("listing expired")
	l.emitter.Emit(events.Event{Kind: events.ListingExpired, ListingID: id, PoolID: listing.PoolID, At: l.now()})
	return listing, nil
}

// rejoin undoes a pool leave after a failed listing write.
func (l *Ledger) rejoin(ctx context.Context, listing *model.Listing) {
	if _, err := l.pools.Join(ctx, listing.PoolID, listing.Crop, listing.Location, listing.Quantity, listing.UnitPrice); err != nil {
		log.Error().Err(err).Str("listing_id", listing.ID).Str("pool_id", listing.PoolID).Msg("pool rollback failed")
	}
}

// MarkSold moves a listing to sold. The caller must hold the listing lock.
func (l *Ledger) MarkSold(ctx context.Context, id string) error {
	listing, err := l.store.GetListingForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if !listing.Status.CanTransition(model.ListingSold) {
		return fmt.Errorf("listing %s is %s: %w", id, listing.Status, model.ErrInvalidTransition)
	}
	if err := l.store.UpdateListingState(ctx, id, model.ListingSold, listing.CurrentBid, listing.BidCount); err != nil {
		return fmt.Errorf("mark listing %s sold: %w", id, err)
	}
	log.Info().Str("listing_id", id).Msg("listing sold")
	return nil
}

// SetBidView writes the listing's current best bid and bid count. The
// caller must hold the listing lock.
func (l *Ledger) SetBidView(ctx context.Context, id string, best *decimal.Decimal, count int) error {
	listing, err := l.store.GetListingForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if err := l.store.UpdateListingState(ctx, id, listing.Status, best, count); err != nil {
		return fmt.Errorf("set bid view %s: %w", id, err)
	}
	return nil
}

// Filter narrows ListActive. Zero values match everything.
type Filter struct {
	Crop     string // case-insensitive substring
	Location string // case-insensitive substring
	AboveMSP *bool
	Pooled   *bool
	Limit    int // 0 means no limit
}

func (f Filter) match(l *model.Listing) bool {
	if !l.Status.Biddable() {
		return false
	}
	if f.Crop != "" && !containsFold(l.Crop, f.Crop) {
		return false
	}
	if f.Location != "" && !containsFold(l.Location, f.Location) {
		return false
	}
	if f.AboveMSP != nil && l.AboveMSP != *f.AboveMSP {
		return false
	}
	if f.Pooled != nil && l.Pooled() != *f.Pooled {
		return false
	}
	return true
}

// ListActive returns active and pooled_open listings matching f, newest
// first; equal timestamps order by id ascending.
func (l *Ledger) ListActive(ctx context.Context, f Filter) ([]model.Listing, error) {
	all, err := l.store.ListListings(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]model.Listing, 0, len(all))
	for i := range all {
		if f.match(&all[i]) {
			result = append(result, all[i])
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// Stats summarizes the open marketplace.
type Stats struct {
	ActiveListings    int     `json:"active_listings"`
	PooledListings    int     `json:"pooled_listings"`
	AboveMSPListings  int     `json:"above_msp_listings"`
	MSPComplianceRate float64 `json:"msp_compliance_rate"` // percent, one decimal
}

// Stats counts open listings and the share priced at or above MSP.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	open, err := l.ListActive(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	s.ActiveListings = len(open)
	for i := range open {
		if open[i].Pooled() {
			s.PooledListings++
		}
		if open[i].AboveMSP {
			s.AboveMSPListings++
		}
	}
	if s.ActiveListings > 0 {
		rate := float64(s.AboveMSPListings) / float64(s.ActiveListings) * 100
		s.MSPComplianceRate = math.Round(rate*10) / 10
	}
	return s, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.TrimSpace(substr)))
}
