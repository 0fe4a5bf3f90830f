package model

import "errors"

var (
	// ErrInvalidListing is returned when a listing is created with a
	// non-positive quantity or price.
	ErrInvalidListing = errors.New("invalid listing")

	// ErrInvalidBid is returned when a bid carries a non-positive price.
	ErrInvalidBid = errors.New("invalid bid")

	// ErrListingNotBiddable is returned when a bid targets a listing that is
	// neither active nor pooled_open.
	ErrListingNotBiddable = errors.New("listing not biddable")

	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status or escrow transition
	// violates its state machine.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotWinningBid is returned when escrow progression is attempted on a
	// bid that is not the listing's current winner.
	ErrNotWinningBid = errors.New("not the winning bid")

	ErrAlreadyTerminal = errors.New("listing already terminal")

	ErrCropMismatch = errors.New("pool crop mismatch")
	ErrEmptyPool    = errors.New("pool has no members")
)
