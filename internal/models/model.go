package models

import "time"

// Role is the role an authenticated actor holds
type Role string

const (
	RoleBidder Role = "bidder"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// User represents an authenticated participant in the auction
type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// IsAdmin reports whether the user may run administrative operations
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Auction represents a timed sale with a rising price
type Auction struct {
	AuctionID         string        `json:"auction_id"`
	SellerID          string        `json:"seller_id"`
	Title             string        `json:"title"`
	BasePrice         int64         `json:"base_price"`
	ReservePrice      *int64        `json:"reserve_price,omitempty"`
	CurrentBid        int64         `json:"current_bid"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	Status            AuctionStatus `json:"status"`
	Approved          bool          `json:"approved"`
	WinnerID          *string       `json:"winner_id,omitempty"`
	HighestBidID      string        `json:"highest_bid_id,omitempty"`
	HighestBidderID   string        `json:"highest_bidder_id,omitempty"`
	HighestBidderName string        `json:"highest_bidder_name,omitempty"`
	BidCount          int           `json:"bid_count"`
	BidderCount       int           `json:"bidder_count"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// AcceptsBidsAt reports whether now falls in [StartTime, EndTime)
func (a Auction) AcceptsBidsAt(now time.Time) bool {
	return !now.Before(a.StartTime) && now.Before(a.EndTime)
}

// ReserveMet reports whether the current bid satisfies the reserve price
func (a Auction) ReserveMet() bool {
	if a.ReservePrice == nil {
		return true
	}
	return a.BidCount > 0 && a.CurrentBid >= *a.ReservePrice
}

// Bid represents a single amount offer against an auction
type Bid struct {
	BidID      string    `json:"bid_id"`
	AuctionID  string    `json:"auction_id"`
	BidderID   string    `json:"bidder_id"`
	BidderName string    `json:"bidder_name"`
	Amount     int64     `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
	IsWinning  bool      `json:"is_winning"`
	IsOutbid   bool      `json:"is_outbid"`
}

// Snapshot is the subscriber-visible state of an auction
type Snapshot struct {
	AuctionID         string        `json:"auctionId"`
	Status            AuctionStatus `json:"status"`
	CurrentBid        int64         `json:"currentBid"`
	HighestBidderID   string        `json:"highestBidderId,omitempty"`
	HighestBidderName string        `json:"highestBidderName,omitempty"`
	BidderCount       int           `json:"bidderCount"`
	BidCount          int           `json:"bidCount"`
	EndTime           time.Time     `json:"endTime"`
	Version           int64         `json:"version"`
}

// SnapshotOf builds the subscriber-visible state of an auction
func SnapshotOf(a Auction) Snapshot {
	return Snapshot{
		AuctionID:         a.AuctionID,
		Status:            a.Status,
		CurrentBid:        a.CurrentBid,
		HighestBidderID:   a.HighestBidderID,
		HighestBidderName: a.HighestBidderName,
		BidderCount:       a.BidderCount,
		BidCount:          a.BidCount,
		EndTime:           a.EndTime,
		Version:           a.Version,
	}
}
