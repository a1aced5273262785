package biddingerrors

import "errors"

// Repository-level errors
var (
	ErrAuctionNotFound  = errors.New("auction not found")
	ErrNoBids           = errors.New("no bids found for auction")
	ErrUserNoBids       = errors.New("user has not placed any bids")
	ErrVersionConflict  = errors.New("auction version conflict")
	ErrStoreUnavailable = errors.New("auction store unavailable")
)

// business logic errors
var (
	ErrAuctionNotActive  = errors.New("auction not active")
	ErrSelfBidForbidden  = errors.New("seller cannot bid on own auction")
	ErrBidTooLow         = errors.New("bid too low")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidTransition = errors.New("invalid auction transition")
	ErrInvalidAuction    = errors.New("invalid auction")
	ErrBusy              = errors.New("auction busy, retry")
	ErrForbidden         = errors.New("operation not permitted")
	ErrUnauthorized      = errors.New("unauthorized")
)

// kinds is ordered so the most specific match wins
var kinds = []struct {
	err  error
	kind string
}{
	{ErrAuctionNotFound, "AuctionNotFound"},
	{ErrAuctionNotActive, "AuctionNotActive"},
	{ErrSelfBidForbidden, "SelfBidForbidden"},
	{ErrBidTooLow, "BidTooLow"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrVersionConflict, "VersionConflict"},
	{ErrBusy, "Busy"},
	{ErrStoreUnavailable, "StoreUnavailable"},
	{ErrInvalidAuction, "InvalidAuction"},
	{ErrForbidden, "Forbidden"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrNoBids, "NoBids"},
	{ErrUserNoBids, "NoBids"},
}

// Kind returns the taxonomy name of err, or "Internal" when err is not a known failure
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// Retryable reports whether the caller may retry the same request unchanged
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrStoreUnavailable)
}
