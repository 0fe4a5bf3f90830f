package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id          TEXT PRIMARY KEY,
	seller_id   TEXT NOT NULL,
	crop        TEXT NOT NULL,
	quantity_kg BIGINT NOT NULL CHECK (quantity_kg > 0),
	unit_price  NUMERIC NOT NULL CHECK (unit_price > 0),
	location    TEXT NOT NULL DEFAULT '',
	pool_id     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	msp_price   NUMERIC NOT NULL DEFAULT 0,
	above_msp   BOOLEAN NOT NULL,
	logistics   JSONB NOT NULL,
	current_bid NUMERIC,
	bid_count   INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bids (
	seq            BIGSERIAL UNIQUE,
	id             TEXT PRIMARY KEY,
	listing_id     TEXT NOT NULL REFERENCES listings (id),
	bidder_id      TEXT NOT NULL,
	unit_price     NUMERIC NOT NULL,
	total_amount   NUMERIC NOT NULL,
	escrow         TEXT NOT NULL,
	winning        BOOLEAN NOT NULL DEFAULT FALSE,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS bids_listing_seq ON bids (listing_id, seq);

CREATE TABLE IF NOT EXISTS pools (
	id                TEXT PRIMARY KEY,
	crop              TEXT NOT NULL,
	location          TEXT NOT NULL DEFAULT '',
	total_quantity_kg BIGINT NOT NULL,
	average_price     NUMERIC NOT NULL,
	member_count      BIGINT NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Listings ---

const listingColumns = `id, seller_id, crop, quantity_kg, unit_price::TEXT, location, pool_id,
		        status, msp_price::TEXT, above_msp, logistics, current_bid::TEXT, bid_count, created_at`

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	logistics, err := json.Marshal(l.Logistics)
	if err != nil {
		return fmt.Errorf("encode logistics: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO listings (id, seller_id, crop, quantity_kg, unit_price, location, pool_id,
		                       status, msp_price, above_msp, logistics, current_bid, bid_count, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10, $11, $12::NUMERIC, $13, $14)`,
		l.ID, l.SellerID, l.Crop, l.Quantity, l.UnitPrice.String(), l.Location, l.PoolID,
		l.Status, l.MSPPrice.String(), l.AboveMSP, logistics, decimalArg(l.CurrentBid), l.BidCount,
		l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create listing %s: %w", l.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

// GetListingForUpdate reads the row directly; PostgreSQL is the source of
// truth.
func (s *PostgresStore) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	return s.GetListing(ctx, id)
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateListingState(ctx context.Context, id string, status model.ListingStatus, currentBid *decimal.Decimal, bidCount int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET status = $2, current_bid = $3::NUMERIC, bid_count = $4
		 WHERE id = $1`,
		id, status, decimalArg(currentBid), bidCount,
	)
	if err != nil {
		return fmt.Errorf("update listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Bids ---

const bidColumns = `id, listing_id, bidder_id, unit_price::TEXT, total_amount::TEXT,
		        escrow, winning, failure_reason, seq, created_at`

func (s *PostgresStore) CreateBid(ctx context.Context, b *model.Bid) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO bids (id, listing_id, bidder_id, unit_price, total_amount, escrow, winning, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)
		 RETURNING seq`,
		b.ID, b.ListingID, b.BidderID, b.UnitPrice.String(), b.TotalAmount.String(),
		b.Escrow, b.Winning, b.FailureReason, b.CreatedAt,
	).Scan(&b.Seq)
	if err != nil {
		return fmt.Errorf("create bid %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bid %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBidsByListing(ctx context.Context, listingID string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE listing_id = $1 ORDER BY seq`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

func (s *PostgresStore) ListBids(ctx context.Context) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bidColumns+` FROM bids ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

func (s *PostgresStore) UpdateBidState(ctx context.Context, id string, escrow model.EscrowState, winning bool, failureReason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET escrow = $2, winning = $3, failure_reason = $4 WHERE id = $1`,
		id, escrow, winning, failureReason,
	)
	if err != nil {
		return fmt.Errorf("update bid %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bid %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Pools ---

const poolColumns = `id, crop, location, total_quantity_kg, average_price::TEXT, member_count, updated_at`

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPoolForUpdate(ctx context.Context, id string) (*model.Pool, error) {
	return s.GetPool(ctx, id)
}

func (s *PostgresStore) SavePool(ctx context.Context, p *model.Pool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (id, crop, location, total_quantity_kg, average_price, member_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET total_quantity_kg = EXCLUDED.total_quantity_kg,
		     average_price = EXCLUDED.average_price,
		     member_count = EXCLUDED.member_count,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.Crop, p.Location, p.TotalQuantity, p.AveragePrice.String(), p.MemberCount, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save pool %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

// --- Scanning helpers ---

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var unitPrice, mspPrice string
	var currentBid *string
	var logistics []byte

	if err := row.Scan(&l.ID, &l.SellerID, &l.Crop, &l.Quantity, &unitPrice, &l.Location, &l.PoolID,
		&l.Status, &mspPrice, &l.AboveMSP, &logistics, &currentBid, &l.BidCount, &l.CreatedAt); err != nil {
		return nil, err
	}

	l.UnitPrice, _ = decimal.NewFromString(unitPrice)
	l.MSPPrice, _ = decimal.NewFromString(mspPrice)
	if currentBid != nil {
		v, _ := decimal.NewFromString(*currentBid)
		l.CurrentBid = &v
	}
	if err := json.Unmarshal(logistics, &l.Logistics); err != nil {
		return nil, fmt.Errorf("decode logistics for %s: %w", l.ID, err)
	}
	return &l, nil
}

func scanBid(row pgx.Row) (*model.Bid, error) {
	var b model.Bid
	var unitPrice, total string

	if err := row.Scan(&b.ID, &b.ListingID, &b.BidderID, &unitPrice, &total,
		&b.Escrow, &b.Winning, &b.FailureReason, &b.Seq, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.UnitPrice, _ = decimal.NewFromString(unitPrice)
	b.TotalAmount, _ = decimal.NewFromString(total)
	return &b, nil
}

func scanBids(rows pgx.Rows) ([]model.Bid, error) {
	var bids []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var avg string

	if err := row.Scan(&p.ID, &p.Crop, &p.Location, &p.TotalQuantity, &avg, &p.MemberCount, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AveragePrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

// decimalArg renders an optional decimal as a NUMERIC text parameter.
func decimalArg(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
