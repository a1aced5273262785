package bidding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/ledger"
	"auction-engine/internal/lifecycle"
	model "auction-engine/internal/models"
	"auction-engine/internal/repository"
	"auction-engine/utils"
)

// Ledger accepts or rejects bids
type Ledger interface {
	Submit(ctx context.Context, auctionID string, bidder model.User, amount int64) (ledger.Result, error)
}

// Lifecycle runs the user-triggered status transitions
type Lifecycle interface {
	Approve(ctx context.Context, auctionID string, actor model.User) (model.Auction, error)
	Cancel(ctx context.Context, auctionID string, actor model.User) (model.Auction, error)
	ForceCancel(ctx context.Context, auctionID string, actor model.User) (model.Auction, error)
}

// CreateAuctionInput is a seller's auction submission
type CreateAuctionInput struct {
	Title        string
	BasePrice    int64
	ReservePrice *int64
	StartTime    time.Time
	EndTime      time.Time
}

// BiddingService is the request-facing surface of the engine
type BiddingService struct {
	repo            repository.AuctionStore
	ledger          Ledger
	lifecycle       Lifecycle
	requireApproval bool
	now             func() time.Time
}

// NewBiddingService creates a new BiddingService instance. With requireApproval
// every new auction waits in pending until an admin approves it.
func NewBiddingService(repo repository.AuctionStore, ledger Ledger, lifecycle Lifecycle, requireApproval bool) *BiddingService {
	return &BiddingService{
		repo:            repo,
		ledger:          ledger,
		lifecycle:       lifecycle,
		requireApproval: requireApproval,
		now:             time.Now,
	}
}

// PlaceBid submits a bid through the auction's ledger
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID string, bidder model.User, amount int64) (ledger.Result, error) {
	if auctionID == "" || bidder.UserID == "" {
		return ledger.Result{}, fmt.Errorf("service: %w - missing auction or bidder", biddingerrors.ErrInvalidAuction)
	}
	return s.ledger.Submit(ctx, auctionID, bidder, amount)
}

// CreateAuction validates a submission and stores it as pending or active
func (s *BiddingService) CreateAuction(ctx context.Context, seller model.User, in CreateAuctionInput) (model.Auction, error) {
	if seller.Role != model.RoleSeller && !seller.IsAdmin() {
		return model.Auction{}, fmt.Errorf("service: %w - only sellers create auctions", biddingerrors.ErrForbidden)
	}

	now := s.now().UTC()
	if in.StartTime.IsZero() {
		in.StartTime = now
	}
	if err := validateAuction(in, now); err != nil {
		return model.Auction{}, err
	}

	a := model.Auction{
		AuctionID:    utils.GenerateID(),
		SellerID:     seller.UserID,
		Title:        strings.TrimSpace(in.Title),
		BasePrice:    in.BasePrice,
		ReservePrice: in.ReservePrice,
		CurrentBid:   in.BasePrice,
		StartTime:    in.StartTime.UTC(),
		EndTime:      in.EndTime.UTC(),
		Status:       model.StatusPending,
		Approved:     !s.requireApproval,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if a.Approved && !now.Before(a.StartTime) {
		a.Status = model.StatusActive
	}

	if err := s.repo.CreateAuction(ctx, a); err != nil {
		return model.Auction{}, fmt.Errorf("service: failed to create auction: %w", err)
	}
	return a, nil
}

func validateAuction(in CreateAuctionInput, now time.Time) error {
	switch {
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("service: %w - title is required", biddingerrors.ErrInvalidAuction)
	case in.BasePrice < 0:
		return fmt.Errorf("service: %w - base price cannot be negative", biddingerrors.ErrInvalidAuction)
	case in.ReservePrice != nil && *in.ReservePrice < in.BasePrice:
		return fmt.Errorf("service: %w - reserve price %d is below base price %d", biddingerrors.ErrInvalidAuction, *in.ReservePrice, in.BasePrice)
	case !in.EndTime.After(in.StartTime):
		return fmt.Errorf("service: %w - end time must be after start time", biddingerrors.ErrInvalidAuction)
	case !in.EndTime.After(now):
		return fmt.Errorf("service: %w - end time is in the past", biddingerrors.ErrInvalidAuction)
	}
	return nil
}

// GetAuction returns a single auction
func (s *BiddingService) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	if auctionID == "" {
		return model.Auction{}, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrInvalidAuction)
	}
	a, err := s.repo.LoadAuction(ctx, auctionID)
	if err != nil {
		return model.Auction{}, fmt.Errorf("service: failed to get auction %s: %w", auctionID, err)
	}
	return a, nil
}

// GetBidsForAuction returns all bids for an auction, oldest first
func (s *BiddingService) GetBidsForAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrInvalidAuction)
	}
	if _, err := s.repo.LoadAuction(ctx, auctionID); err != nil {
		return nil, fmt.Errorf("service: failed to get bids for auction %s: %w", auctionID, err)
	}

	bids, err := s.repo.GetBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get bids for auction %s: %w", auctionID, err)
	}
	return bids, nil
}

// GetWinningBid returns the current top bid of an auction
func (s *BiddingService) GetWinningBid(ctx context.Context, auctionID string) (model.Bid, error) {
	bids, err := s.GetBidsForAuction(ctx, auctionID)
	if err != nil {
		return model.Bid{}, err
	}
	winning, ok := lifecycle.WinningBid(bids)
	if !ok {
		return model.Bid{}, fmt.Errorf("service: auction %s: %w", auctionID, biddingerrors.ErrNoBids)
	}
	return winning, nil
}

// GetAuctionsByBidder returns all auctions a user has bid on
func (s *BiddingService) GetAuctionsByBidder(ctx context.Context, userID string) ([]model.Auction, error) {
	if userID == "" {
		return nil, fmt.Errorf("service: %w - empty user ID", biddingerrors.ErrInvalidAuction)
	}
	auctions, err := s.repo.GetAuctionsByBidder(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get auctions for user %s: %w", userID, err)
	}
	return auctions, nil
}

// Approve lets an admin release a pending auction
func (s *BiddingService) Approve(ctx context.Context, auctionID string, actor model.User) (model.Auction, error) {
	return s.lifecycle.Approve(ctx, auctionID, actor)
}

// Cancel is the clean cancellation for the seller or an admin
func (s *BiddingService) Cancel(ctx context.Context, auctionID string, actor model.User) (model.Auction, error) {
	return s.lifecycle.Cancel(ctx, auctionID, actor)
}

// ForceCancel is the admin override that cancels regardless of bids
func (s *BiddingService) ForceCancel(ctx context.Context, auctionID string, actor model.User) (model.Auction, error) {
	return s.lifecycle.ForceCancel(ctx, auctionID, actor)
}

// IsEmptyResult reports whether err only means "nothing to list"
func IsEmptyResult(err error) bool {
	return errors.Is(err, biddingerrors.ErrNoBids) || errors.Is(err, biddingerrors.ErrUserNoBids)
}
