package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/digitalmandi/mandi-engine/internal/collective"
	"github.com/digitalmandi/mandi-engine/internal/events"
	"github.com/digitalmandi/mandi-engine/internal/ledger"
	"github.com/digitalmandi/mandi-engine/internal/logistics"
	"github.com/digitalmandi/mandi-engine/internal/model"
	"github.com/digitalmandi/mandi-engine/internal/msp"
	"github.com/digitalmandi/mandi-engine/internal/refdata"
	"github.com/digitalmandi/mandi-engine/internal/store"
)

type harness struct {
	engine *Engine
	ledger *ledger.Ledger
	agg    *collective.Aggregator
	store  *store.MemoryStore
	rec    *events.Recorder
}

func newHarness() *harness {
	tables := refdata.Default()
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	agg := collective.NewAggregator(st, rec)
	led := ledger.New(st, logistics.NewSeeded(tables, 1), msp.NewChecker(tables), agg, rec)
	return &harness{
		engine: NewEngine(led, st, agg, rec),
		ledger: led,
		agg:    agg,
		store:  st,
		rec:    rec,
	}
}

func (h *harness) listing(t interface {
	Helper()
	Fatal(...any)
}, pool string) *model.Listing {
	t.Helper()
	l, err := h.ledger.Create(context.Background(), ledger.CreateParams{
		SellerID:  "farmer-1",
		Crop:      "tomato",
		Quantity:  200,
		UnitPrice: decimal.NewFromInt(40),
		Location:  "nashik",
		PoolID:    pool,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func p(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (h *harness) winners(t *testing.T, listingID string) []string {
	t.Helper()
	bids, err := h.engine.ListBids(context.Background(), listingID)
	require.NoError(t, err)
	var ids []string
	for _, b := range bids {
		if b.Winning {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

func TestPlaceBid_TieGoesToEarliest(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	b48, err := h.engine.PlaceBid(ctx, l.ID, "buyer-a", p(48))
	require.NoError(t, err)
	assert.True(t, b48.Winning)
	assert.Equal(t, model.EscrowPending, b48.Escrow)
	assert.True(t, b48.TotalAmount.Equal(p(48*200)))

	b45, err := h.engine.PlaceBid(ctx, l.ID, "buyer-b", p(45))
	require.NoError(t, err)
	assert.False(t, b45.Winning)

	tie, err := h.engine.PlaceBid(ctx, l.ID, "buyer-c", p(48))
	require.NoError(t, err)
	assert.False(t, tie.Winning)

	winner, err := h.engine.RecomputeWinner(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, b48.ID, winner)
	assert.Equal(t, []string{b48.ID}, h.winners(t, l.ID))

	got, err := h.ledger.Get(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentBid)
	assert.True(t, got.CurrentBid.Equal(p(48)))
	assert.Equal(t, 3, got.BidCount)

	// One WinnerChanged: nil → b48.
	var changes int
	for _, k := range h.rec.Kinds() {
		if k == events.WinnerChanged {
			changes++
		}
	}
	assert.Equal(t, 1, changes)
}

func TestPlaceBid_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	_, err := h.engine.PlaceBid(ctx, l.ID, "b", decimal.Zero)
	assert.ErrorIs(t, err, model.ErrInvalidBid)

	_, err = h.engine.PlaceBid(ctx, "missing", "b", p(10))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.ledger.Expire(ctx, l.ID)
	require.NoError(t, err)
	_, err = h.engine.PlaceBid(ctx, l.ID, "b", p(10))
	assert.ErrorIs(t, err, model.ErrListingNotBiddable)
}

func TestHigherBidOvertakesPendingWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	first, _ := h.engine.PlaceBid(ctx, l.ID, "a", p(45))
	second, err := h.engine.PlaceBid(ctx, l.ID, "b", p(50))
	require.NoError(t, err)
	assert.True(t, second.Winning)
	assert.Equal(t, []string{second.ID}, h.winners(t, l.ID))

	_, err = h.engine.MarkHeld(ctx, first.ID)
	assert.ErrorIs(t, err, model.ErrNotWinningBid)
}

func TestHeldWinnerNotDisplaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	b, _ := h.engine.PlaceBid(ctx, l.ID, "a", p(45))
	held, err := h.engine.MarkHeld(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowHeld, held.Escrow)

	higher, err := h.engine.PlaceBid(ctx, l.ID, "b", p(60))
	require.NoError(t, err)
	assert.False(t, higher.Winning)
	assert.Equal(t, []string{b.ID}, h.winners(t, l.ID))

	got, _ := h.ledger.Get(ctx, l.ID)
	assert.True(t, got.CurrentBid.Equal(p(45)))

	_, err = h.engine.MarkHeld(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "already held")
}

func TestMarkReleased_SellsAndLeavesPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "nashik-tomato")
	other := h.listing(t, "nashik-tomato")

	before, err := h.agg.Snapshot(ctx, "nashik-tomato")
	require.NoError(t, err)
	require.Equal(t, int64(2), before.MemberCount)

	b, _ := h.engine.PlaceBid(ctx, l.ID, "a", p(48))

	_, err = h.engine.MarkReleased(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "pending cannot release")

	_, err = h.engine.MarkHeld(ctx, b.ID)
	require.NoError(t, err)
	released, err := h.engine.MarkReleased(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, released.Escrow)

	got, _ := h.ledger.Get(ctx, l.ID)
	assert.Equal(t, model.ListingSold, got.Status)

	after, err := h.agg.Snapshot(ctx, "nashik-tomato")
	require.NoError(t, err)
	assert.Equal(t, before.MemberCount-1, after.MemberCount)
	assert.Equal(t, other.Quantity, after.TotalQuantity)

	_, err = h.engine.MarkReleased(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = h.engine.MarkFailed(ctx, b.ID, "late")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = h.engine.PlaceBid(ctx, l.ID, "c", p(99))
	assert.ErrorIs(t, err, model.ErrListingNotBiddable)

	settled, err := h.engine.SettledValue(ctx)
	require.NoError(t, err)
	assert.True(t, settled.Equal(p(48*200)), settled.String())

	assert.Contains(t, h.rec.Kinds(), events.EscrowReleased)
}

func TestMarkHeld_ListingNoLongerBiddable(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	b, _ := h.engine.PlaceBid(ctx, l.ID, "a", p(48))
	_, err := h.ledger.Expire(ctx, l.ID)
	require.NoError(t, err)

	_, err = h.engine.MarkHeld(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = h.engine.MarkHeld(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMarkFailed_PromotesNextBid(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	b48, _ := h.engine.PlaceBid(ctx, l.ID, "a", p(48))
	b45, _ := h.engine.PlaceBid(ctx, l.ID, "b", p(45))
	_, err := h.engine.MarkHeld(ctx, b48.ID)
	require.NoError(t, err)

	failed, err := h.engine.MarkFailed(ctx, b48.ID, "payment declined")
	require.NoError(t, err)
	assert.Equal(t, model.EscrowFailed, failed.Escrow)
	assert.Equal(t, "payment declined", failed.FailureReason)
	assert.False(t, failed.Winning)

	assert.Equal(t, []string{b45.ID}, h.winners(t, l.ID))
	got, _ := h.ledger.Get(ctx, l.ID)
	assert.True(t, got.CurrentBid.Equal(p(45)))

	_, err = h.engine.MarkFailed(ctx, b45.ID, "buyer withdrew")
	require.NoError(t, err)
	assert.Empty(t, h.winners(t, l.ID))

	got, _ = h.ledger.Get(ctx, l.ID)
	assert.Nil(t, got.CurrentBid)
	assert.Equal(t, 2, got.BidCount)
}

func TestMarkFailed_NonWinnerKeepsWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	b48, _ := h.engine.PlaceBid(ctx, l.ID, "a", p(48))
	b45, _ := h.engine.PlaceBid(ctx, l.ID, "b", p(45))

	_, err := h.engine.MarkFailed(ctx, b45.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{b48.ID}, h.winners(t, l.ID))
}

func TestConcurrentBidsSingleWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := h.engine.PlaceBid(ctx, l.ID, "buyer", p(int64(10+i%7)))
			if !assert.NoError(t, err) {
				return
			}
			if i%5 == 0 {
				_, _ = h.engine.MarkFailed(ctx, b.ID, "flaky")
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.winners(t, l.ID), 1)
	got, _ := h.ledger.Get(ctx, l.ID)
	assert.Equal(t, 64, got.BidCount)
	require.NotNil(t, got.CurrentBid)
	assert.True(t, got.CurrentBid.Equal(p(16)))
}

func TestAtMostOneWinnerProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		h := newHarness()
		l := h.listing(t, "")

		prices := rapid.SliceOfN(rapid.Int64Range(1, 20), 1, 30).Draw(t, "prices")
		failures := rapid.SliceOfN(rapid.Bool(), len(prices), len(prices)).Draw(t, "fail")

		var wg sync.WaitGroup
		var mu sync.Mutex
		var violation string
		check := func() {
			bids, err := h.store.ListBidsByListing(ctx, l.ID)
			if err != nil {
				return
			}
			winning := 0
			for _, b := range bids {
				if b.Winning {
					winning++
				}
			}
			if winning > 1 {
				mu.Lock()
				violation = "more than one winning bid observed"
				mu.Unlock()
			}
		}

		for i, price := range prices {
			wg.Add(1)
			go func(price int64, fail bool) {
				defer wg.Done()
				b, err := h.engine.PlaceBid(ctx, l.ID, "buyer", decimal.NewFromInt(price))
				if err != nil {
					return
				}
				check()
				if fail {
					_, _ = h.engine.MarkFailed(ctx, b.ID, "")
				}
				check()
			}(price, failures[i])
		}
		wg.Wait()

		if violation != "" {
			t.Fatal(violation)
		}

		bids, _ := h.store.ListBidsByListing(ctx, l.ID)
		var want *model.Bid
		winners := 0
		for i := range bids {
			b := &bids[i]
			if b.Winning {
				winners++
			}
			if b.Escrow != model.EscrowFailed && (want == nil || b.UnitPrice.GreaterThan(want.UnitPrice)) {
				want = b
			}
		}
		if want == nil {
			if winners != 0 {
				t.Fatalf("%d winners with no eligible bid", winners)
			}
			return
		}
		if winners != 1 || !want.Winning {
			t.Fatalf("expected %s (price %s) to win alone, %d winners", want.ID, want.UnitPrice, winners)
		}
	})
}

func TestMarkReleased_EmptyPoolWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "pool-1")

	b, err := h.engine.PlaceBid(ctx, l.ID, "a", p(48))
	require.NoError(t, err)
	_, err = h.engine.MarkHeld(ctx, b.ID)
	require.NoError(t, err)

	// Membership removed out of band.
	_, err = h.agg.Leave(ctx, "pool-1", l.Quantity, l.UnitPrice)
	require.NoError(t, err)
	h.rec.Reset()

	_, err = h.engine.MarkReleased(ctx, b.ID)
	require.ErrorIs(t, err, model.ErrEmptyPool)

	got, err := h.ledger.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingPooledOpen, got.Status)
	bid, err := h.engine.GetBid(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowHeld, bid.Escrow)
	assert.Empty(t, h.rec.Kinds())

	_, err = h.agg.Join(ctx, "pool-1", l.Crop, l.Location, l.Quantity, l.UnitPrice)
	require.NoError(t, err)
	released, err := h.engine.MarkReleased(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, released.Escrow)
}

// saleFails is a ledger whose MarkSold always errors.
type saleFails struct {
	*ledger.Ledger
}

func (saleFails) MarkSold(context.Context, string) error {
	return errors.New("connection reset")
}

func TestMarkReleased_SaleFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	engine := NewEngine(saleFails{h.ledger}, h.store, h.agg, h.rec)
	l := h.listing(t, "pool-1")

	b, err := engine.PlaceBid(ctx, l.ID, "a", p(48))
	require.NoError(t, err)
	_, err = engine.MarkHeld(ctx, b.ID)
	require.NoError(t, err)

	_, err = engine.MarkReleased(ctx, b.ID)
	require.Error(t, err)

	bid, err := engine.GetBid(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowHeld, bid.Escrow)
	assert.True(t, bid.Winning)

	pool, err := h.agg.Snapshot(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pool.MemberCount)
	assert.Equal(t, l.Quantity, pool.TotalQuantity)
	assert.True(t, pool.AveragePrice.Equal(l.UnitPrice))

	got, err := h.ledger.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingPooledOpen, got.Status)
	assert.NotContains(t, h.rec.Kinds(), events.EscrowReleased)
}

func TestMarkReleased_EmitsSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listing(t, "")

	b, err := h.engine.PlaceBid(ctx, l.ID, "buyer-7", p(48))
	require.NoError(t, err)
	_, err = h.engine.MarkHeld(ctx, b.ID)
	require.NoError(t, err)
	_, err = h.engine.MarkReleased(ctx, b.ID)
	require.NoError(t, err)

	evs := h.rec.Events()
	last := evs[len(evs)-1]
	require.Equal(t, events.EscrowReleased, last.Kind)
	settled, ok := last.Payload.(model.Settlement)
	require.True(t, ok, "payload is %T", last.Payload)
	assert.Equal(t, l.ID, settled.ListingID)
	assert.Equal(t, "farmer-1", settled.SellerID)
	assert.Equal(t, "buyer-7", settled.BidderID)
	assert.Equal(t, int64(200), settled.Quantity)
	assert.True(t, settled.TotalAmount.Equal(p(9600)))
}

func TestPlaceBid_StaleCachedListingRejected(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tables := refdata.Default()
	st := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	agg := collective.NewAggregator(st, nil)
	led := ledger.New(st, logistics.NewSeeded(tables, 1), msp.NewChecker(tables), agg, nil)
	engine := NewEngine(led, st, agg, nil)

	l, err := led.Create(ctx, ledger.CreateParams{SellerID: "s", Crop: "onion", Quantity: 10, UnitPrice: p(20)})
	require.NoError(t, err)
	b, err := engine.PlaceBid(ctx, l.ID, "a", p(25))
	require.NoError(t, err)
	_, err = engine.MarkHeld(ctx, b.ID)
	require.NoError(t, err)
	_, err = engine.MarkReleased(ctx, b.ID)
	require.NoError(t, err)

	// An unlocked reader put the pre-sale row back into the cache.
	stale, err := json.Marshal(l)
	require.NoError(t, err)
	require.NoError(t, mr.Set("listing:"+l.ID, string(stale)))
	cached, err := led.Get(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, model.ListingActive, cached.Status)

	_, err = engine.PlaceBid(ctx, l.ID, "b", p(30))
	assert.ErrorIs(t, err, model.ErrListingNotBiddable)
	_, err = engine.RecomputeWinner(ctx, l.ID)
	require.NoError(t, err)
	bids, err := engine.ListBids(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}
