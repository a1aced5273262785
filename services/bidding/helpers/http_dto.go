package helpers

import (
	"time"

	model "auction-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Request/Response DTOs
type PlaceBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type CreateAuctionRequest struct {
	Title        string           `json:"title" binding:"required"`
	BasePrice    decimal.Decimal  `json:"base_price"`
	ReservePrice *decimal.Decimal `json:"reserve_price,omitempty"`
	StartTime    time.Time        `json:"start_time"`
	EndTime      time.Time        `json:"end_time"`
}

// AuctionResponse is an auction plus the number of live observers on this instance
type AuctionResponse struct {
	model.Auction
	ActiveObservers int `json:"active_observers"`
}

type BidResponse struct {
	BidID      string `json:"bid_id"`
	AuctionID  string `json:"auction_id"`
	BidderID   string `json:"bidder_id"`
	BidderName string `json:"bidder_name"`
	Amount     int64  `json:"amount"`
	CreatedAt  string `json:"created_at"`
	IsWinning  bool   `json:"is_winning"`
}

// PlaceBidResponse is the answer to an accepted bid
type PlaceBidResponse struct {
	Bid        BidResponse    `json:"bid"`
	CurrentBid int64          `json:"current_bid"`
	Snapshot   model.Snapshot `json:"snapshot"`
}

// ToBidResponse converts a stored bid for the wire
func ToBidResponse(b model.Bid) BidResponse {
	return BidResponse{
		BidID:      b.BidID,
		AuctionID:  b.AuctionID,
		BidderID:   b.BidderID,
		BidderName: b.BidderName,
		Amount:     b.Amount,
		CreatedAt:  b.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsWinning:  b.IsWinning,
	}
}

// ToBidResponses converts a list of bids, keeping order
func ToBidResponses(bids []model.Bid) []BidResponse {
	out := make([]BidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, ToBidResponse(b))
	}
	return out
}
