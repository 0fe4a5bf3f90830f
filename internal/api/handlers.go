// Package api exposes the mandi engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/digitalmandi/mandi-engine/internal/collective"
	"github.com/digitalmandi/mandi-engine/internal/ledger"
	"github.com/digitalmandi/mandi-engine/internal/logistics"
	"github.com/digitalmandi/mandi-engine/internal/metrics"
	"github.com/digitalmandi/mandi-engine/internal/model"
	"github.com/digitalmandi/mandi-engine/internal/msp"
	"github.com/digitalmandi/mandi-engine/internal/settlement"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler serves the marketplace endpoints.
type Handler struct {
	ledger    *ledger.Ledger
	engine    *settlement.Engine
	pools     *collective.Aggregator
	estimator *logistics.Estimator
	checker   *msp.Checker
}

// NewHandler creates the HTTP handler set.
func NewHandler(l *ledger.Ledger, e *settlement.Engine, pools *collective.Aggregator, est *logistics.Estimator, checker *msp.Checker) *Handler {
	return &Handler{
		ledger:    l,
		engine:    e,
		pools:     pools,
		estimator: est,
		checker:   checker,
	}
}

// --- Request/Response types ---

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	SellerID   string          `json:"seller_id"`
	Crop       string          `json:"crop"`
	QuantityKg int64           `json:"quantity_kg"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Location   string          `json:"location"`
	PoolID     string          `json:"pool_id,omitempty"`
}

// PlaceBidRequest is the JSON body for POST /listings/{listingID}/bids.
type PlaceBidRequest struct {
	BidderID  string          `json:"bidder_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// FailBidRequest is the optional JSON body for POST /bids/{bidID}/fail.
type FailBidRequest struct {
	Reason string `json:"reason"`
}

// PoolMemberRequest is the JSON body for pool join and leave.
type PoolMemberRequest struct {
	Crop       string          `json:"crop,omitempty"` // join only
	Location   string          `json:"location,omitempty"`
	QuantityKg int64           `json:"quantity_kg"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// MSPResponse is returned from GET /msp/{crop}.
type MSPResponse struct {
	Crop      string           `json:"crop"`
	MSP       decimal.Decimal  `json:"msp"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Compliant *bool            `json:"compliant,omitempty"`
	Delta     *decimal.Decimal `json:"delta,omitempty"`
}

// StatsResponse is returned from GET /stats.
type StatsResponse struct {
	ledger.Stats
	Pools        int             `json:"pools"`
	SettledValue decimal.Decimal `json:"settled_value"`
}

// Routes registers the marketplace endpoints on r. bidLimit, if not nil,
// guards bid placement.
func (h *Handler) Routes(r chi.Router, bidLimit *KeyLimiter) {
	r.Route("/listings", func(r chi.Router) {
		r.Get("/", h.ListListings)
		r.Post("/", h.CreateListing)
		r.Route("/{listingID}", func(r chi.Router) {
			r.Get("/", h.GetListing)
			r.Post("/expire", h.ExpireListing)
			r.Get("/bids", h.ListBids)
			r.With(bidLimit.Middleware).Post("/bids", h.PlaceBid)
			r.Post("/recompute", h.RecomputeWinner)
		})
	})

	r.Route("/bids/{bidID}", func(r chi.Router) {
		r.Get("/", h.GetBid)
		r.Post("/hold", h.HoldBid)
		r.Post("/release", h.ReleaseBid)
		r.Post("/fail", h.FailBid)
	})

	r.Route("/pools", func(r chi.Router) {
		r.Get("/", h.ListPools)
		r.Get("/{poolID}", h.GetPool)
		r.Post("/{poolID}/join", h.JoinPool)
		r.Post("/{poolID}/leave", h.LeavePool)
	})

	r.Get("/logistics/estimate", h.EstimateLogistics)
	r.Get("/msp/{crop}", h.GetMSP)
	r.Get("/stats", h.GetStats)
}

// --- Listings ---

// CreateListing handles POST /api/v1/listings
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	listing, err := h.ledger.Create(r.Context(), ledger.CreateParams{
		SellerID:  req.SellerID,
		Crop:      req.Crop,
		Quantity:  req.QuantityKg,
		UnitPrice: req.UnitPrice,
		Location:  req.Location,
		PoolID:    req.PoolID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// ListListings handles GET /api/v1/listings
// Query: crop, location, above_msp, pooled, limit (default 50).
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Crop:     q.Get("crop"),
		Location: q.Get("location"),
		Limit:    defaultListLimit,
	}

	var err error
	if f.AboveMSP, err = parseOptionalBool(q.Get("above_msp")); err != nil {
		writeError(w, "above_msp must be a boolean", http.StatusBadRequest)
		return
	}
	if f.Pooled, err = parseOptionalBool(q.Get("pooled")); err != nil {
		writeError(w, "pooled must be a boolean", http.StatusBadRequest)
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	listings, err := h.ledger.ListActive(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

// GetListing handles GET /api/v1/listings/{listingID}
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.ledger.Get(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// ExpireListing handles POST /api/v1/listings/{listingID}/expire
func (h *Handler) ExpireListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.ledger.Expire(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// --- Bids ---

// PlaceBid handles POST /api/v1/listings/{listingID}/bids
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.BidderID) == "" {
		metrics.BidRejections.WithLabelValues("missing_bidder").Inc()
		writeError(w, "bidder_id is required", http.StatusBadRequest)
		return
	}

	bid, err := h.engine.PlaceBid(r.Context(), chi.URLParam(r, "listingID"), req.BidderID, req.UnitPrice)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// ListBids handles GET /api/v1/listings/{listingID}/bids
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.engine.ListBids(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// RecomputeWinner handles POST /api/v1/listings/{listingID}/recompute
func (h *Handler) RecomputeWinner(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")
	winner, err := h.engine.RecomputeWinner(r.Context(), listingID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := map[string]*string{"winning_bid_id": nil}
	if winner != "" {
		resp["winning_bid_id"] = &winner
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBid handles GET /api/v1/bids/{bidID}
func (h *Handler) GetBid(w http.ResponseWriter, r *http.Request) {
	bid, err := h.engine.GetBid(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// HoldBid handles POST /api/v1/bids/{bidID}/hold
func (h *Handler) HoldBid(w http.ResponseWriter, r *http.Request) {
	bid, err := h.engine.MarkHeld(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// ReleaseBid handles POST /api/v1/bids/{bidID}/release
func (h *Handler) ReleaseBid(w http.ResponseWriter, r *http.Request) {
	bid, err := h.engine.MarkReleased(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// FailBid handles POST /api/v1/bids/{bidID}/fail
// The body is optional.
func (h *Handler) FailBid(w http.ResponseWriter, r *http.Request) {
	var req FailBidRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	bid, err := h.engine.MarkFailed(r.Context(), chi.URLParam(r, "bidID"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// --- Pools ---

// ListPools handles GET /api/v1/pools
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.pools.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.pools.Snapshot(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// JoinPool handles POST /api/v1/pools/{poolID}/join
func (h *Handler) JoinPool(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePoolMember(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Crop) == "" {
		writeError(w, "crop is required", http.StatusBadRequest)
		return
	}

	pool, err := h.pools.Join(r.Context(), chi.URLParam(r, "poolID"), req.Crop, req.Location, req.QuantityKg, req.UnitPrice)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// LeavePool handles POST /api/v1/pools/{poolID}/leave
func (h *Handler) LeavePool(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePoolMember(w, r)
	if !ok {
		return
	}

	pool, err := h.pools.Leave(r.Context(), chi.URLParam(r, "poolID"), req.QuantityKg, req.UnitPrice)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func decodePoolMember(w http.ResponseWriter, r *http.Request) (PoolMemberRequest, bool) {
	var req PoolMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.QuantityKg <= 0 || !req.UnitPrice.IsPositive() {
		writeError(w, "quantity_kg and unit_price must be positive", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// --- Reference lookups ---

// EstimateLogistics handles GET /api/v1/logistics/estimate?location=&quantity_kg=
func (h *Handler) EstimateLogistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	qty, err := strconv.ParseInt(q.Get("quantity_kg"), 10, 64)
	if err != nil {
		writeError(w, "quantity_kg must be an integer", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.estimator.Estimate(q.Get("location"), qty))
}

// GetMSP handles GET /api/v1/msp/{crop}?price=
func (h *Handler) GetMSP(w http.ResponseWriter, r *http.Request) {
	crop := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "crop")))
	ref, _ := h.checker.Check(crop, decimal.Zero)
	if ref.IsZero() {
		writeError(w, "no MSP for crop "+crop, http.StatusNotFound)
		return
	}

	resp := MSPResponse{Crop: crop, MSP: ref}
	if s := r.URL.Query().Get("price"); s != "" {
		price, err := decimal.NewFromString(s)
		if err != nil {
			writeError(w, "price must be a decimal", http.StatusBadRequest)
			return
		}
		_, compliant := h.checker.Check(crop, price)
		delta := h.checker.Delta(crop, price)
		resp.Price, resp.Compliant, resp.Delta = &price, &compliant, &delta
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	settled, err := h.engine.SettledValue(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	pools, err := h.pools.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Stats: stats, Pools: len(pools), SettledValue: settled})
}

// --- Helpers ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidListing), errors.Is(err, model.ErrInvalidBid):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrListingNotBiddable),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrNotWinningBid),
		errors.Is(err, model.ErrAlreadyTerminal),
		errors.Is(err, model.ErrCropMismatch),
		errors.Is(err, model.ErrEmptyPool):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Unexpected errors are
// logged and hidden from the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func parseOptionalBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
