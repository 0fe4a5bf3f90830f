// Package settlement owns bids: placement, winner selection and the
// escrow state machine.
//
// Who is winning is a view recomputed from the bid set; escrow progression
// is driven by explicit calls. Once a winner's escrow is held or released,
// a later higher bid does not displace it. Only a pending winner can be
// overtaken.
//
// Every operation runs under the listing lock shared with the ledger, so a
// recompute never misses a just-inserted bid and at most one bid per
// listing is ever winning.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/events"
	"github.com/digitalmandi/mandi-engine/internal/model"
)

// Listings is the ledger surface the engine depends on. MarkSold and
// SetBidView are called with the listing lock held.
type Listings interface {
	Lock(id string) (unlock func())
	Get(ctx context.Context, id string) (*model.Listing, error)
	GetForUpdate(ctx context.Context, id string) (*model.Listing, error)
	MarkSold(ctx context.Context, id string) error
	SetBidView(ctx context.Context, id string, best *decimal.Decimal, count int) error
}

// BidStore persists bids.
type BidStore interface {
	CreateBid(ctx context.Context, b *model.Bid) error
	GetBid(ctx context.Context, id string) (*model.Bid, error)
	ListBidsByListing(ctx context.Context, listingID string) ([]model.Bid, error)
	ListBids(ctx context.Context) ([]model.Bid, error)
	UpdateBidState(ctx context.Context, id string, escrow model.EscrowState, winning bool, failureReason string) error
}

// Pools removes a sold listing from its pool. Join undoes a leave when a
// later write of the release fails.
type Pools interface {
	Join(ctx context.Context, poolID, crop, location string, quantity int64, unitPrice decimal.Decimal) (*model.Pool, error)
	Leave(ctx context.Context, poolID string, quantity int64, unitPrice decimal.Decimal) (*model.Pool, error)
}

// Engine settles bids against listings.
type Engine struct {
	listings Listings
	bids     BidStore
	pools    Pools
	emitter  events.Emitter
	now      func() time.Time
}

// NewEngine creates a settlement engine. A nil emitter discards events.
func NewEngine(listings Listings, bids BidStore, pools Pools, emitter events.Emitter) *Engine {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Engine{
		listings: listings,
		bids:     bids,
		pools:    pools,
		emitter:  emitter,
		now:      time.Now,
	}
}

// PlaceBid records a pending bid and recomputes the listing's winner in
// the same critical section.
func (e *Engine) PlaceBid(ctx context.Context, listingID, bidderID string, unitPrice decimal.Decimal) (*model.Bid, error) {
	if !unitPrice.IsPositive() {
		return nil, fmt.Errorf("unit price %s must be positive: %w", unitPrice, model.ErrInvalidBid)
	}

	unlock := e.listings.Lock(listingID)
	defer unlock()

	listing, err := e.listings.GetForUpdate(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !listing.Status.Biddable() {
		return nil, fmt.Errorf("listing %s is %s: %w", listingID, listing.Status, model.ErrListingNotBiddable)
	}

	bid := &model.Bid{
		ID:          uuid.NewString(),
		ListingID:   listingID,
		BidderID:    bidderID,
		UnitPrice:   unitPrice,
		TotalAmount: unitPrice.Mul(decimal.NewFromInt(listing.Quantity)),
		Escrow:      model.EscrowPending,
		CreatedAt:   e.now(),
	}
	if err := e.bids.CreateBid(ctx, bid); err != nil {
		return nil, fmt.Errorf("place bid on %s: %w", listingID, err)
	}

	log.Info().
		Str("listing_id", listingID).
		Str("bid_id", bid.ID).
		Str("unit_price", unitPrice.String()).
		Msg("bid placed")
	e.emitter.Emit(events.Event{
		Kind:      events.BidPlaced,
		ListingID: listingID,
		BidID:     bid.ID,
		Price:     unitPrice.String(),
		At:        bid.CreatedAt,
	})

	winnerID, err := e.recompute(ctx, listingID)
	if err != nil {
		return nil, err
	}
	bid.Winning = winnerID == bid.ID
	return bid, nil
}

// RecomputeWinner re-derives the winning bid and the listing's bid view.
// It returns the winning bid id, or "" if no bid is eligible.
func (e *Engine) RecomputeWinner(ctx context.Context, listingID string) (string, error) {
	unlock := e.listings.Lock(listingID)
	defer unlock()

	if _, err := e.listings.GetForUpdate(ctx, listingID); err != nil {
		return "", err
	}
	return e.recompute(ctx, listingID)
}

// recompute selects the winner. The caller holds the listing lock.
//
// A winning bid whose escrow is held or released keeps winning. Otherwise
// the highest-priced non-failed bid wins and ties go to the earliest bid.
func (e *Engine) recompute(ctx context.Context, listingID string) (string, error) {
	bids, err := e.bids.ListBidsByListing(ctx, listingID)
	if err != nil {
		return "", fmt.Errorf("recompute %s: %w", listingID, err)
	}

	var previous, winner *model.Bid
	for i := range bids {
		b := &bids[i]
		if b.Winning {
			previous = b
		}
	}

	if previous != nil && (previous.Escrow == model.EscrowHeld || previous.Escrow == model.EscrowReleased) {
		winner = previous
	} else {
		// Bids arrive ordered by Seq, so a strict comparison keeps the
		// earliest of equal prices.
		for i := range bids {
			b := &bids[i]
			if b.Escrow == model.EscrowFailed {
				continue
			}
			if winner == nil || b.UnitPrice.GreaterThan(winner.UnitPrice) {
				winner = b
			}
		}
	}

	// Clear losers before flagging the winner so readers outside the lock
	// never see two winning bids.
	for i := range bids {
		b := &bids[i]
		if !b.Winning || (winner != nil && b.ID == winner.ID) {
			continue
		}
		if err := e.bids.UpdateBidState(ctx, b.ID, b.Escrow, false, b.FailureReason); err != nil {
			return "", fmt.Errorf("recompute %s: %w", listingID, err)
		}
	}
	if winner != nil && !winner.Winning {
		if err := e.bids.UpdateBidState(ctx, winner.ID, winner.Escrow, true, winner.FailureReason); err != nil {
			return "", fmt.Errorf("recompute %s: %w", listingID, err)
		}
	}

	var best *decimal.Decimal
	winnerID := ""
	if winner != nil {
		p := winner.UnitPrice
		best = &p
		winnerID = winner.ID
	}
	if err := e.listings.SetBidView(ctx, listingID, best, len(bids)); err != nil {
		return "", fmt.Errorf("recompute %s: %w", listingID, err)
	}

	previousID := ""
	if previous != nil {
		previousID = previous.ID
	}
	if winnerID != previousID {
		ev := events.Event{Kind: events.WinnerChanged, ListingID: listingID, BidID: winnerID, At: e.now()}
		if best != nil {
			ev.Price = best.String()
		}
		log.Info().Str("listing_id", listingID).Str("from", previousID).Str("to", winnerID).Msg("winner changed")
		e.emitter.Emit(ev)
	}
	return winnerID, nil
}

// MarkHeld moves the listing's current winning bid from pending to held.
func (e *Engine) MarkHeld(ctx context.Context, bidID string) (*model.Bid, error) {
	bid, unlock, err := e.lockBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if bid.Escrow != model.EscrowPending {
		return nil, fmt.Errorf("bid %s is %s, not pending: %w", bidID, bid.Escrow, model.ErrInvalidTransition)
	}
	if !bid.Winning {
		return nil, fmt.Errorf("bid %s: %w", bidID, model.ErrNotWinningBid)
	}
	listing, err := e.listings.GetForUpdate(ctx, bid.ListingID)
	if err != nil {
		return nil, err
	}
	if !listing.Status.Biddable() {
		return nil, fmt.Errorf("listing %s is %s: %w", listing.ID, listing.Status, model.ErrInvalidTransition)
	}

	if err := e.bids.UpdateBidState(ctx, bidID, model.EscrowHeld, true, ""); err != nil {
		return nil, fmt.Errorf("hold bid %s: %w", bidID, err)
	}
	bid.Escrow = model.EscrowHeld

	log.Info().Str("bid_id", bidID).Str("listing_id", bid.ListingID).Msg("escrow held")
	e.emitter.Emit(events.Event{Kind: events.EscrowHeld, ListingID: bid.ListingID, BidID: bidID, At: e.now()})
	return bid, nil
}

// MarkReleased moves a held bid to released, sells the listing and, for a
// pooled listing, removes it from its pool. The pool leave runs first; if
// a later write fails, the completed steps are undone before returning.
func (e *Engine) MarkReleased(ctx context.Context, bidID string) (*model.Bid, error) {
	bid, unlock, err := e.lockBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if bid.Escrow != model.EscrowHeld {
		return nil, fmt.Errorf("bid %s is %s, not held: %w", bidID, bid.Escrow, model.ErrInvalidTransition)
	}
	listing, err := e.listings.GetForUpdate(ctx, bid.ListingID)
	if err != nil {
		return nil, err
	}
	if !listing.Status.CanTransition(model.ListingSold) {
		return nil, fmt.Errorf("listing %s is %s: %w", listing.ID, listing.Status, model.ErrInvalidTransition)
	}

	if listing.Pooled() {
		if _, err := e.pools.Leave(ctx, listing.PoolID, listing.Quantity, listing.UnitPrice); err != nil {
			return nil, fmt.Errorf("release bid %s: leave pool %s: %w", bidID, listing.PoolID, err)
		}
	}

	if err := e.bids.UpdateBidState(ctx, bidID, model.EscrowReleased, bid.Winning, ""); err != nil {
		e.rejoinPool(ctx, listing)
		return nil, fmt.Errorf("release bid %s: %w", bidID, err)
	}
	if err := e.listings.MarkSold(ctx, listing.ID); err != nil {
		if rerr := e.bids.UpdateBidState(ctx, bidID, model.EscrowHeld, bid.Winning, ""); rerr != nil {
			log.Error().Err(rerr).Str("bid_id", bidID).Msg("escrow rollback failed")
		}
		e.rejoinPool(ctx, listing)
		return nil, fmt.Errorf("release bid %s: %w", bidID, err)
	}
	bid.Escrow = model.EscrowReleased

	settled := model.Settlement{
		ListingID:   listing.ID,
		BidID:       bidID,
		SellerID:    listing.SellerID,
		BidderID:    bid.BidderID,
		Crop:        listing.Crop,
		PoolID:      listing.PoolID,
		Quantity:    listing.Quantity,
		UnitPrice:   bid.UnitPrice,
		TotalAmount: bid.TotalAmount,
		SettledAt:   e.now(),
	}
	log.Info().
		Str("bid_id", bidID).
		Str("listing_id", listing.ID).
		Str("total_amount", bid.TotalAmount.String()).
		Msg("escrow released")
	e.emitter.Emit(events.Event{
		Kind:      events.EscrowReleased,
		ListingID: listing.ID,
		BidID:     bidID,
		PoolID:    listing.PoolID,
		Price:     bid.UnitPrice.String(),
		Payload:   settled,
		At:        settled.SettledAt,
	})
	return bid, nil
}

// rejoinPool undoes the pool leave of a release that could not complete.
func (e *Engine) rejoinPool(ctx context.Context, listing *model.Listing) {
	if !listing.Pooled() {
		return
	}
	if _, err := e.pools.Join(ctx, listing.PoolID, listing.Crop, listing.Location, listing.Quantity, listing.UnitPrice); err != nil {
		log.Error().Err(err).Str("listing_id", listing.ID).Str("pool_id", listing.PoolID).Msg("pool rollback failed")
	}
}

// MarkFailed moves a pending or held bid to failed. If it was winning, the
// next eligible bid is promoted.
func (e *Engine) MarkFailed(ctx context.Context, bidID, reason string) (*model.Bid, error) {
	bid, unlock, err := e.lockBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if bid.Escrow.Terminal() {
		return nil, fmt.Errorf("bid %s is %s: %w", bidID, bid.Escrow, model.ErrInvalidTransition)
	}

	wasWinning := bid.Winning
	if err := e.bids.UpdateBidState(ctx, bidID, model.EscrowFailed, false, reason); err != nil {
		return nil, fmt.Errorf("fail bid %s: %w", bidID, err)
	}
	bid.Escrow = model.EscrowFailed
	bid.Winning = false
	bid.FailureReason = reason

	log.Info().Str("bid_id", bidID).Str("listing_id", bid.ListingID).Str("reason", reason).Msg("escrow failed")
	e.emitter.Emit(events.Event{
		Kind:      events.EscrowFailed,
		ListingID: bid.ListingID,
		BidID:     bidID,
		Payload:   map[string]string{"reason": reason},
		At:        e.now(),
	})

	if wasWinning {
		if _, err := e.recompute(ctx, bid.ListingID); err != nil {
			return nil, err
		}
	}
	return bid, nil
}

// GetBid returns a bid by id.
func (e *Engine) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	return e.bids.GetBid(ctx, id)
}

// ListBids returns a listing's bids in placement order.
func (e *Engine) ListBids(ctx context.Context, listingID string) ([]model.Bid, error) {
	if _, err := e.listings.Get(ctx, listingID); err != nil {
		return nil, err
	}
	return e.bids.ListBidsByListing(ctx, listingID)
}

// SettledValue sums the total amounts of released winning bids.
func (e *Engine) SettledValue(ctx context.Context) (decimal.Decimal, error) {
	bids, err := e.bids.ListBids(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range bids {
		if bids[i].Winning && bids[i].Escrow == model.EscrowReleased {
			total = total.Add(bids[i].TotalAmount)
		}
	}
	return total, nil
}

// lockBid takes the lock of the bid's listing and re-reads the bid under
// it. The caller must call unlock.
func (e *Engine) lockBid(ctx context.Context, bidID string) (*model.Bid, func(), error) {
	bid, err := e.bids.GetBid(ctx, bidID)
	if err != nil {
		return nil, nil, err
	}
	unlock := e.listings.Lock(bid.ListingID)
	bid, err = e.bids.GetBid(ctx, bidID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return bid, unlock, nil
}
