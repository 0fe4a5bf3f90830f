// Package store defines the persistence interface for the mandi engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
//
// The store performs no locking of its own beyond keeping its maps
// consistent: callers serialize per-listing and per-pool mutations.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/model"
)

// Store is the persistence interface. Missing records are reported with
// an error wrapping model.ErrNotFound.
type Store interface {
	// --- Listings ---

	// CreateListing persists a new listing. Quantity and price are written
	// here and never again.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves a listing by ID. It may be served from a cache.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// GetListingForUpdate reads a listing from the source of truth, never
	// a cache. Read-modify-write paths must use it.
	GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error)

	// ListListings returns every listing, in no particular order.
	ListListings(ctx context.Context) ([]model.Listing, error)

	// UpdateListingState writes the mutable listing fields: status,
	// current best bid and bid count.
	UpdateListingState(ctx context.Context, id string, status model.ListingStatus, currentBid *decimal.Decimal, bidCount int) error

	// --- Bids ---

	// CreateBid persists a new bid and assigns its insertion sequence.
	CreateBid(ctx context.Context, b *model.Bid) error

	// GetBid retrieves a bid by ID.
	GetBid(ctx context.Context, id string) (*model.Bid, error)

	// ListBidsByListing returns a listing's bids in insertion order.
	ListBidsByListing(ctx context.Context, listingID string) ([]model.Bid, error)

	// ListBids returns every bid, in insertion order.
	ListBids(ctx context.Context) ([]model.Bid, error)

	// UpdateBidState writes the mutable bid fields.
	UpdateBidState(ctx context.Context, id string, escrow model.EscrowState, winning bool, failureReason string) error

	// --- Pools ---

	// GetPool retrieves a pool by ID. It may be served from a cache.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// GetPoolForUpdate reads a pool from the source of truth, never a cache.
	GetPoolForUpdate(ctx context.Context, id string) (*model.Pool, error)

	// SavePool inserts or replaces a pool's aggregate.
	SavePool(ctx context.Context, p *model.Pool) error

	// ListPools returns every pool.
	ListPools(ctx context.Context) ([]model.Pool, error)
}
