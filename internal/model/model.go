// Package model defines the core domain types shared across the mandi engine.
// All monetary values use shopspring/decimal, never float64.
// Logistics figures are advisory estimates and stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingActive     ListingStatus = "active"
	ListingSold       ListingStatus = "sold"
	ListingExpired    ListingStatus = "expired"
	ListingPooledOpen ListingStatus = "pooled_open"
)

// Terminal reports whether no further transition is allowed.
func (s ListingStatus) Terminal() bool {
	return s == ListingSold || s == ListingExpired
}

// Biddable reports whether bids may be placed or progressed.
func (s ListingStatus) Biddable() bool {
	return s == ListingActive || s == ListingPooledOpen
}

// CanTransition reports whether s -> to is a legal, forward-only move:
// active → {sold, expired, pooled_open}; pooled_open → {sold, expired}.
func (s ListingStatus) CanTransition(to ListingStatus) bool {
	switch s {
	case ListingActive:
		return to == ListingSold || to == ListingExpired || to == ListingPooledOpen
	case ListingPooledOpen:
		return to == ListingSold || to == ListingExpired
	default:
		return false
	}
}

// EscrowState is the payment state of a bid.
type EscrowState string

const (
	EscrowPending  EscrowState = "pending"
	EscrowHeld     EscrowState = "held"
	EscrowReleased EscrowState = "released"
	EscrowFailed   EscrowState = "failed"
)

// Terminal reports whether the escrow state machine has finished.
func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowFailed
}

// VehicleClass is the transport class chosen for a listing's quantity.
type VehicleClass string

const (
	VehicleTractor     VehicleClass = "tractor"
	VehicleSmallTruck  VehicleClass = "small_truck"
	VehicleMediumTruck VehicleClass = "medium_truck"
	VehicleLargeTruck  VehicleClass = "large_truck"
)

// LogisticsEstimate is the advisory transport estimate embedded into a
// listing at creation. It is never persisted on its own.
type LogisticsEstimate struct {
	City               string       `json:"city"`
	DistanceKm         float64      `json:"distance_km"`
	Vehicle            VehicleClass `json:"vehicle"`
	CostPerKg          float64      `json:"cost_per_kg"`
	TransitHours       float64      `json:"transit_hours"`
	FuelCostEstimate   float64      `json:"fuel_cost_estimate"`
	TotalTransportCost float64      `json:"total_transport_cost"`
	Fallback           bool         `json:"fallback,omitempty"`
}

// Listing is a seller's offer of a quantity of one crop.
// Quantity and UnitPrice are fixed at creation.
type Listing struct {
	ID         string            `json:"id" db:"id"`
	SellerID   string            `json:"seller_id" db:"seller_id"`
	Crop       string            `json:"crop" db:"crop"`
	Quantity   int64             `json:"quantity_kg" db:"quantity_kg"`
	UnitPrice  decimal.Decimal   `json:"unit_price" db:"unit_price"`
	Location   string            `json:"location" db:"location"`
	PoolID     string            `json:"pool_id,omitempty" db:"pool_id"`
	Status     ListingStatus     `json:"status" db:"status"`
	MSPPrice   decimal.Decimal   `json:"msp_price" db:"msp_price"`
	AboveMSP   bool              `json:"above_msp" db:"above_msp"`
	Logistics  LogisticsEstimate `json:"logistics" db:"logistics"`
	CurrentBid *decimal.Decimal  `json:"current_bid" db:"current_bid"` // nil when no eligible bid
	BidCount   int               `json:"bid_count" db:"bid_count"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// Pooled reports whether the listing belongs to a collective pool.
func (l *Listing) Pooled() bool {
	return l.PoolID != ""
}

// Bid is a buyer's offer against a listing.
type Bid struct {
	ID            string          `json:"id" db:"id"`
	ListingID     string          `json:"listing_id" db:"listing_id"`
	BidderID      string          `json:"bidder_id" db:"bidder_id"`
	UnitPrice     decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"` // unit price × listing quantity
	Escrow        EscrowState     `json:"escrow" db:"escrow"`
	Winning       bool            `json:"winning" db:"winning"`
	FailureReason string          `json:"failure_reason,omitempty" db:"failure_reason"`
	Seq           int64           `json:"seq" db:"seq"` // insertion order, assigned by the store
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Pool aggregates listings of one crop for collective bargaining.
type Pool struct {
	ID            string          `json:"id" db:"id"`
	Crop          string          `json:"crop" db:"crop"`
	Location      string          `json:"location" db:"location"`
	TotalQuantity int64           `json:"total_quantity_kg" db:"total_quantity_kg"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	MemberCount   int64           `json:"member_count" db:"member_count"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Settlement records one released payment: the winning bid that sold a
// listing and the amount that changed hands.
type Settlement struct {
	ListingID   string          `json:"listing_id"`
	BidID       string          `json:"bid_id"`
	SellerID    string          `json:"seller_id"`
	BidderID    string          `json:"bidder_id"`
	Crop        string          `json:"crop"`
	PoolID      string          `json:"pool_id,omitempty"`
	Quantity    int64           `json:"quantity_kg"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	SettledAt   time.Time       `json:"settled_at"`
}
