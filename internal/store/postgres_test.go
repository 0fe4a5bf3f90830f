package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitalmandi/mandi-engine/internal/model"
)

// newPostgresStore connects to MANDI_TEST_DATABASE_URL and migrates the
// schema. Tests use fresh uuids so they can share a database.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("MANDI_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MANDI_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrate is idempotent")
	return s
}

func TestPostgresStore_ListingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	l := testListing(uuid.NewString())
	require.NoError(t, s.CreateListing(ctx, l))
	assert.Error(t, s.CreateListing(ctx, l), "duplicate id")

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "wheat", got.Crop)
	assert.Equal(t, int64(1000), got.Quantity)
	assert.True(t, got.UnitPrice.Equal(decimal.NewFromInt(2400)))
	assert.True(t, got.MSPPrice.Equal(decimal.NewFromInt(2275)))
	assert.Equal(t, 48.5, got.Logistics.DistanceKm)
	assert.Equal(t, model.VehicleSmallTruck, got.Logistics.Vehicle)
	assert.Nil(t, got.CurrentBid)
	assert.True(t, got.CreatedAt.Equal(l.CreatedAt))

	best := decimal.RequireFromString("2512.50")
	require.NoError(t, s.UpdateListingState(ctx, l.ID, model.ListingPooledOpen, &best, 3))

	got, err = s.GetListingForUpdate(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingPooledOpen, got.Status)
	require.NotNil(t, got.CurrentBid)
	assert.True(t, got.CurrentBid.Equal(best))
	assert.Equal(t, 3, got.BidCount)

	require.NoError(t, s.UpdateListingState(ctx, l.ID, model.ListingSold, nil, 3))
	got, err = s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentBid)

	_, err = s.GetListing(ctx, uuid.NewString())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.UpdateListingState(ctx, uuid.NewString(), model.ListingSold, nil, 0), model.ErrNotFound)
}

func TestPostgresStore_BidsOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	l := testListing(uuid.NewString())
	require.NoError(t, s.CreateListing(ctx, l))

	var ids []string
	var last int64
	for _, price := range []int64{48, 45, 48} {
		b := &model.Bid{
			ID:          uuid.NewString(),
			ListingID:   l.ID,
			BidderID:    "buyer",
			UnitPrice:   decimal.NewFromInt(price),
			TotalAmount: decimal.NewFromInt(price * l.Quantity),
			Escrow:      model.EscrowPending,
			CreatedAt:   time.Now().UTC(),
		}
		require.NoError(t, s.CreateBid(ctx, b))
		assert.Greater(t, b.Seq, last, "seq increases")
		last = b.Seq
		ids = append(ids, b.ID)
	}

	require.NoError(t, s.UpdateBidState(ctx, ids[1], model.EscrowFailed, false, "card declined"))
	b, err := s.GetBid(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, model.EscrowFailed, b.Escrow)
	assert.Equal(t, "card declined", b.FailureReason)
	assert.True(t, b.TotalAmount.Equal(decimal.NewFromInt(45000)))

	bids, err := s.ListBidsByListing(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, bids, 3)
	for i, id := range ids {
		assert.Equal(t, id, bids[i].ID)
	}

	_, err = s.GetBid(ctx, uuid.NewString())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.UpdateBidState(ctx, uuid.NewString(), model.EscrowHeld, true, ""), model.ErrNotFound)
}

func TestPostgresStore_PoolUpsert(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	id := uuid.NewString()
	require.NoError(t, s.SavePool(ctx, &model.Pool{ID: id, Crop: "wheat", Location: "jaipur", TotalQuantity: 100, AveragePrice: decimal.NewFromInt(2400), MemberCount: 1, UpdatedAt: time.Now().UTC()}))

	avg := decimal.NewFromInt(7450).Div(decimal.NewFromInt(3))
	require.NoError(t, s.SavePool(ctx, &model.Pool{ID: id, Crop: "wheat", Location: "jaipur", TotalQuantity: 300, AveragePrice: avg, MemberCount: 3, UpdatedAt: time.Now().UTC()}))

	p, err := s.GetPoolForUpdate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.MemberCount)
	assert.Equal(t, int64(300), p.TotalQuantity)
	assert.True(t, p.AveragePrice.Equal(avg), "NUMERIC keeps full decimal precision: %s", p.AveragePrice)

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	var found bool
	for _, pp := range pools {
		found = found || pp.ID == id
	}
	assert.True(t, found)

	_, err = s.GetPool(ctx, uuid.NewString())
	assert.ErrorIs(t, err, model.ErrNotFound)
}
