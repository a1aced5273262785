package repository

import (
	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

//go:generate mockgen -source=repository.go -destination=mock_repository.go -package=repository

// AuctionStore defines the durable auction and bid storage used by the engine.
// Every mutation of an auction record is conditioned on its version.
type AuctionStore interface {
	CreateAuction(ctx context.Context, auction model.Auction) error
	LoadAuction(ctx context.Context, auctionID string) (model.Auction, error)
	// CASUpdateAuction applies mutate to the stored auction if its version still
	// equals expectedVersion, and bumps the version by one.
	CASUpdateAuction(ctx context.Context, auctionID string, expectedVersion int64, mutate func(*model.Auction) error) (model.Auction, error)
	// CommitBid atomically advances the auction to bid, flags the previous top
	// bid as outbid and appends bid as the winning one.
	CommitBid(ctx context.Context, expectedVersion int64, bid model.Bid) (model.Auction, error)
	GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetAuctionsByBidder(ctx context.Context, userID string) ([]model.Auction, error)
	ListActiveAuctionsPastEnd(ctx context.Context, now time.Time) ([]string, error)
	ListActiveAuctionsEndingBefore(ctx context.Context, deadline time.Time) ([]model.Auction, error)
	ListPendingAuctionsDue(ctx context.Context, now time.Time) ([]string, error)
}

// MemoryRepo is a concurrency-safe in-memory implementation of AuctionStore
type MemoryRepo struct {
	mu          sync.RWMutex
	auctions    map[string]model.Auction       // key: auctionID -> value: auction
	bids        map[string][]model.Bid         // key: auctionID -> value: bids in acceptance order
	bidders     map[string]map[string]struct{} // key: auctionID -> value: distinct bidder ids
	userAuction map[string][]string            // key: userID -> value: auctionIDs the user has bid on
}

// NewMemoryRepo creates a new in-memory repository instance
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		auctions:    make(map[string]model.Auction),
		bids:        make(map[string][]model.Bid),
		bidders:     make(map[string]map[string]struct{}),
		userAuction: make(map[string][]string),
	}
}

// CreateAuction stores a new auction record
func (r *MemoryRepo) CreateAuction(_ context.Context, auction model.Auction) error {
	if auction.AuctionID == "" {
		return fmt.Errorf("create auction: %w - empty auction id", biddingerrors.ErrInvalidAuction)
	}
	if !auction.Status.Valid() {
		return fmt.Errorf("create auction %s: %w - unknown status %q", auction.AuctionID, biddingerrors.ErrInvalidAuction, auction.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.auctions[auction.AuctionID]; exists {
		return fmt.Errorf("create auction %s: %w - duplicate id", auction.AuctionID, biddingerrors.ErrInvalidAuction)
	}
	r.auctions[auction.AuctionID] = cloneAuction(auction)
	return nil
}

// LoadAuction returns a snapshot of the auction
func (r *MemoryRepo) LoadAuction(_ context.Context, auctionID string) (model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.auctions[auctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("load auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return cloneAuction(a), nil
}

// CASUpdateAuction applies mutate when the stored version matches expectedVersion
func (r *MemoryRepo) CASUpdateAuction(_ context.Context, auctionID string, expectedVersion int64, mutate func(*model.Auction) error) (model.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.auctions[auctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("update auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	if current.Version != expectedVersion {
		return model.Auction{}, fmt.Errorf("update auction %s at version %d (stored %d): %w",
			auctionID, expectedVersion, current.Version, biddingerrors.ErrVersionConflict)
	}

	next := cloneAuction(current)
	if err := mutate(&next); err != nil {
		return model.Auction{}, err
	}
	next.AuctionID = current.AuctionID
	next.Version = current.Version + 1
	r.auctions[auctionID] = next
	return cloneAuction(next), nil
}

// CommitBid records bid as the new top bid of its auction
func (r *MemoryRepo) CommitBid(_ context.Context, expectedVersion int64, bid model.Bid) (model.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.auctions[bid.AuctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("commit bid for auction %s: %w", bid.AuctionID, biddingerrors.ErrAuctionNotFound)
	}
	if current.Version != expectedVersion {
		return model.Auction{}, fmt.Errorf("commit bid for auction %s at version %d (stored %d): %w",
			bid.AuctionID, expectedVersion, current.Version, biddingerrors.ErrVersionConflict)
	}

	bids := r.bids[bid.AuctionID]
	for i := range bids {
		if bids[i].IsWinning {
			bids[i].IsWinning = false
			bids[i].IsOutbid = true
		}
	}
	bid.IsWinning = true
	bid.IsOutbid = false
	r.bids[bid.AuctionID] = append(bids, bid)

	seen, ok := r.bidders[bid.AuctionID]
	if !ok {
		seen = make(map[string]struct{})
		r.bidders[bid.AuctionID] = seen
	}
	if _, dup := seen[bid.BidderID]; !dup {
		seen[bid.BidderID] = struct{}{}
		r.userAuction[bid.BidderID] = append(r.userAuction[bid.BidderID], bid.AuctionID)
	}

	next := cloneAuction(current)
	next.CurrentBid = bid.Amount
	next.HighestBidID = bid.BidID
	next.HighestBidderID = bid.BidderID
	next.HighestBidderName = bid.BidderName
	next.BidCount++
	next.BidderCount = len(seen)
	next.UpdatedAt = bid.CreatedAt
	next.Version = current.Version + 1
	r.auctions[bid.AuctionID] = next

	return cloneAuction(next), nil
}

// GetBidsByAuction returns all bids for an auction in acceptance order
func (r *MemoryRepo) GetBidsByAuction(_ context.Context, auctionID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.auctions[auctionID]; !ok {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	bids := r.bids[auctionID]
	if len(bids) == 0 {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, biddingerrors.ErrNoBids)
	}
	return append([]model.Bid(nil), bids...), nil
}

// GetAuctionsByBidder returns all auctions a user has bid on
func (r *MemoryRepo) GetAuctionsByBidder(_ context.Context, userID string) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.userAuction[userID]
	if !ok || len(ids) == 0 {
		return nil, fmt.Errorf("get auctions for user %s: %w", userID, biddingerrors.ErrUserNoBids)
	}

	auctions := make([]model.Auction, 0, len(ids))
	for _, id := range ids {
		if a, exists := r.auctions[id]; exists {
			auctions = append(auctions, cloneAuction(a))
		}
	}
	return auctions, nil
}

// ListActiveAuctionsPastEnd returns ids of active auctions with EndTime <= now
func (r *MemoryRepo) ListActiveAuctionsPastEnd(_ context.Context, now time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, a := range r.auctions {
		if a.Status == model.StatusActive && !a.EndTime.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListActiveAuctionsEndingBefore returns active auctions with EndTime <= deadline
func (r *MemoryRepo) ListActiveAuctionsEndingBefore(_ context.Context, deadline time.Time) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Auction
	for _, a := range r.auctions {
		if a.Status == model.StatusActive && !a.EndTime.After(deadline) {
			out = append(out, cloneAuction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

// ListPendingAuctionsDue returns approved pending auctions whose StartTime <= now
func (r *MemoryRepo) ListPendingAuctionsDue(_ context.Context, now time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, a := range r.auctions {
		if a.Status == model.StatusPending && a.Approved && !a.StartTime.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func cloneAuction(a model.Auction) model.Auction {
	if a.ReservePrice != nil {
		v := *a.ReservePrice
		a.ReservePrice = &v
	}
	if a.WinnerID != nil {
		v := *a.WinnerID
		a.WinnerID = &v
	}
	return a
}
