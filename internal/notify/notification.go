// Package notify turns bid and lifecycle events into per-user notification
// records and delivers them to a durable sink off the bidding path.
package notify

import (
	"context"
	"time"
)

//go:generate mockgen -source=notification.go -destination=mock_sink.go -package=notify

// Type names the kind of a notification record
type Type string

const (
	TypeOutbid           Type = "outbid"
	TypeBidReceived      Type = "bid_received"
	TypeAuctionWon       Type = "auction_won"
	TypeAuctionCompleted Type = "auction_completed"
	TypeAuctionLost      Type = "auction_lost"
	TypeAuctionCancelled Type = "auction_cancelled"
)

// Notification is a user-addressed record handed to the sink
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	AuctionID string    `json:"relatedAuctionId,omitempty"`
	BidID     string    `json:"relatedBidId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink persists notification records
type Sink interface {
	Write(ctx context.Context, n Notification) error
}
