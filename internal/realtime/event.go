package realtime

import (
	"context"
	"encoding/json"
	"time"

	model "auction-engine/internal/models"

	"github.com/bytedance/sonic"
)

// EventType names a subscriber-facing wire event
type EventType string

const (
	EventAuctionJoined EventType = "auctionJoined"
	EventUserJoined    EventType = "userJoined"
	EventUserLeft      EventType = "userLeft"
	EventSnapshot      EventType = "auctionSnapshot"
	EventNewBid        EventType = "newBid"
	EventAuctionEnding EventType = "auctionEnding"
	EventAuctionEnded  EventType = "auctionEnded"
	EventBidRejected   EventType = "bidRejected"
)

// Event is a message delivered to auction subscribers. Seq is the auction
// version the event was produced at; zero marks presence and advisory events
// that are not ordered against state changes.
type Event struct {
	Type      EventType       `json:"type"`
	AuctionID string          `json:"auctionId"`
	Seq       int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Publisher delivers an event to every subscriber of an auction
type Publisher interface {
	Publish(ctx context.Context, auctionID string, ev Event)
}

type AuctionJoinedPayload struct {
	AuctionID           string `json:"auctionId"`
	ActiveObserverCount int    `json:"activeObserverCount"`
}

type PresencePayload struct {
	ActiveObserverCount int `json:"activeObserverCount"`
}

type BidView struct {
	ID                string    `json:"id"`
	Amount            int64     `json:"amount"`
	BidderID          string    `json:"bidderId"`
	BidderDisplayName string    `json:"bidderDisplayName"`
	Timestamp         time.Time `json:"timestamp"`
}

type NewBidPayload struct {
	Bid         BidView `json:"bid"`
	CurrentBid  int64   `json:"currentBid"`
	BidderCount int     `json:"bidderCount"`
}

type AuctionEndingPayload struct {
	TimeLeftMs int64 `json:"timeLeftMs"`
}

type AuctionEndedPayload struct {
	WinnerID   *string             `json:"winnerId"`
	Status     model.AuctionStatus `json:"status"`
	FinalBid   int64               `json:"finalBid"`
	ReserveMet bool                `json:"reserveMet"`
}

type BidRejectedPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func payload(v any) json.RawMessage {
	data, err := sonic.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// NewBidEvent describes an accepted bid and the auction state it produced
func NewBidEvent(a model.Auction, bid model.Bid) Event {
	return Event{
		Type:      EventNewBid,
		AuctionID: a.AuctionID,
		Seq:       a.Version,
		Payload: payload(NewBidPayload{
			Bid: BidView{
				ID:                bid.BidID,
				Amount:            bid.Amount,
				BidderID:          bid.BidderID,
				BidderDisplayName: bid.BidderName,
				Timestamp:         bid.CreatedAt,
			},
			CurrentBid:  a.CurrentBid,
			BidderCount: a.BidderCount,
		}),
	}
}

// AuctionEndedEvent describes a terminal auction, completed or cancelled
func AuctionEndedEvent(a model.Auction) Event {
	return Event{
		Type:      EventAuctionEnded,
		AuctionID: a.AuctionID,
		Seq:       a.Version,
		Payload: payload(AuctionEndedPayload{
			WinnerID:   a.WinnerID,
			Status:     a.Status,
			FinalBid:   a.CurrentBid,
			ReserveMet: a.ReserveMet(),
		}),
	}
}

// AuctionEndingEvent is the advisory sent ahead of an auction's end time
func AuctionEndingEvent(auctionID string, timeLeft time.Duration) Event {
	return Event{
		Type:      EventAuctionEnding,
		AuctionID: auctionID,
		Payload:   payload(AuctionEndingPayload{TimeLeftMs: timeLeft.Milliseconds()}),
	}
}

// SnapshotEvent carries the full current state for late joiners
func SnapshotEvent(a model.Auction) Event {
	return Event{
		Type:      EventSnapshot,
		AuctionID: a.AuctionID,
		Payload:   payload(model.SnapshotOf(a)),
	}
}

// BidRejectedEvent answers a rejected bid to its submitter only
func BidRejectedEvent(auctionID, kind, message string) Event {
	return Event{
		Type:      EventBidRejected,
		AuctionID: auctionID,
		Payload:   payload(BidRejectedPayload{Kind: kind, Message: message}),
	}
}

func presenceEvent(t EventType, auctionID string, count int) Event {
	return Event{Type: t, AuctionID: auctionID, Payload: payload(PresencePayload{ActiveObserverCount: count})}
}

func joinedEvent(auctionID string, count int) Event {
	return Event{
		Type:      EventAuctionJoined,
		AuctionID: auctionID,
		Payload:   payload(AuctionJoinedPayload{AuctionID: auctionID, ActiveObserverCount: count}),
	}
}
