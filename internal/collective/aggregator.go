// Package collective maintains running aggregates for pools of listings
// that share a crop: total quantity, member count and mean list price.
//
// Aggregates are updated incrementally on join and leave; member listings
// are never rescanned.
package collective

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/events"
	"github.com/digitalmandi/mandi-engine/internal/keylock"
	"github.com/digitalmandi/mandi-engine/internal/model"
)

// PoolStore is the subset of store.Store the aggregator needs.
type PoolStore interface {
	GetPool(ctx context.Context, id string) (*model.Pool, error)
	GetPoolForUpdate(ctx context.Context, id string) (*model.Pool, error)
	SavePool(ctx context.Context, p *model.Pool) error
	ListPools(ctx context.Context) ([]model.Pool, error)
}

// Aggregator owns pool records. Mutations of one pool are serialized by a
// per-pool lock; different pools update independently.
type Aggregator struct {
	store   PoolStore
	emitter events.Emitter
	locks   *keylock.Map
	now     func() time.Time
}

// NewAggregator creates an aggregator. A nil emitter discards events.
func NewAggregator(st PoolStore, emitter events.Emitter) *Aggregator {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Aggregator{
		store:   st,
		emitter: emitter,
		locks:   keylock.New(),
		now:     time.Now,
	}
}

// Join adds one member with quantity and unitPrice to poolID, creating the
// pool on first join. A pool keeps the crop of its first member; joining
// with another crop fails with ErrCropMismatch.
func (a *Aggregator) Join(ctx context.Context, poolID, crop, location string, quantity int64, unitPrice decimal.Decimal) (*model.Pool, error) {
	unlock := a.locks.Lock(poolID)
	defer unlock()

	crop = normalize(crop)
	p, err := a.store.GetPoolForUpdate(ctx, poolID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		p = &model.Pool{ID: poolID, Crop: crop, Location: normalize(location), AveragePrice: decimal.Zero}
	case err != nil:
		return nil, err
	case p.Crop != crop:
		return nil, fmt.Errorf("pool %s holds %s, not %s: %w", poolID, p.Crop, crop, model.ErrCropMismatch)
	}

	// Count first, then the average against the pre-update count, then quantity.
	n := decimal.NewFromInt(p.MemberCount)
	p.MemberCount++
	p.AveragePrice = p.AveragePrice.Mul(n).Add(unitPrice).Div(decimal.NewFromInt(p.MemberCount))
	p.TotalQuantity += quantity
	p.UpdatedAt = a.now()

	if err := a.store.SavePool(ctx, p); err != nil {
		return nil, fmt.Errorf("join pool %s: %w", poolID, err)
	}

	log.Info().Str("pool_id", poolID).Int64("members", p.MemberCount).Str("avg_price", p.AveragePrice.StringFixed(2)).Msg("pool joined")
	a.emitUpdate(p)
	return p, nil
}

// Leave removes one member with quantity and unitPrice from poolID. It
// fails with ErrEmptyPool if the pool has no members or does not exist.
// When the last member leaves, the average and quantity reset to zero.
func (a *Aggregator) Leave(ctx context.Context, poolID string, quantity int64, unitPrice decimal.Decimal) (*model.Pool, error) {
	unlock := a.locks.Lock(poolID)
	defer unlock()

	p, err := a.store.GetPoolForUpdate(ctx, poolID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("pool %s: %w", poolID, model.ErrEmptyPool)
	}
	if err != nil {
		return nil, err
	}
	if p.MemberCount <= 0 {
		return nil, fmt.Errorf("pool %s: %w", poolID, model.ErrEmptyPool)
	}

	n := decimal.NewFromInt(p.MemberCount)
	p.MemberCount--
	if p.MemberCount > 0 {
		p.AveragePrice = p.AveragePrice.Mul(n).Sub(unitPrice).Div(decimal.NewFromInt(p.MemberCount))
		p.TotalQuantity = max(p.TotalQuantity-quantity, 0)
	} else {
		p.AveragePrice = decimal.Zero
		p.TotalQuantity = 0
	}
	p.UpdatedAt = a.now()

	if err := a.store.SavePool(ctx, p); err != nil {
		return nil, fmt.Errorf("leave pool %s: %w", poolID, err)
	}

	log.Info().Str("pool_id", poolID).Int64("members", p.MemberCount).Msg("pool left")
	a.emitUpdate(p)
	return p, nil
}

// Snapshot returns the current aggregate of poolID.
func (a *Aggregator) Snapshot(ctx context.Context, poolID string) (*model.Pool, error) {
	return a.store.GetPool(ctx, poolID)
}

// List returns every pool.
func (a *Aggregator) List(ctx context.Context) ([]model.Pool, error) {
	return a.store.ListPools(ctx)
}

func (a *Aggregator) emitUpdate(p *model.Pool) {
	snapshot := *p
	a.emitter.Emit(events.Event{
		Kind:    events.PoolUpdated,
		PoolID:  p.ID,
		Price:   p.AveragePrice.String(),
		Payload: snapshot,
		At:      p.UpdatedAt,
	})
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
