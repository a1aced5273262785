package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/ledger"
	model "auction-engine/internal/models"
	"auction-engine/internal/realtime"
	"auction-engine/services/bidding/helpers"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
)

//go:generate mockgen -source=bidding_handler.go -destination=mock_bidding_service.go -package=handler

type BiddingServiceInterface interface {
	PlaceBid(ctx context.Context, auctionID string, bidder model.User, amount int64) (ledger.Result, error)
	CreateAuction(ctx context.Context, seller model.User, in bidding.CreateAuctionInput) (model.Auction, error)
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	GetBidsForAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetWinningBid(ctx context.Context, auctionID string) (model.Bid, error)
	GetAuctionsByBidder(ctx context.Context, userID string) ([]model.Auction, error)
	Approve(ctx context.Context, auctionID string, actor model.User) (model.Auction, error)
	Cancel(ctx context.Context, auctionID string, actor model.User) (model.Auction, error)
	ForceCancel(ctx context.Context, auctionID string, actor model.User) (model.Auction, error)
}

// Realtime serves live auction subscriptions
type Realtime interface {
	ServeWS(w http.ResponseWriter, r *http.Request, auctionID string, user model.User, submit realtime.BidFunc) error
	ObserverCount(auctionID string) int
}

type BiddingHandler struct {
	service BiddingServiceInterface
	live    Realtime
}

func NewBiddingHandler(service BiddingServiceInterface, live Realtime) *BiddingHandler {
	return &BiddingHandler{service: service, live: live}
}

// requireUser answers 401 when the auth middleware did not attach a caller
func requireUser(c *gin.Context, handlerName string) (model.User, bool) {
	user, ok := helpers.CurrentUser(c)
	if !ok {
		helpers.WriteError(c, handlerName, fmt.Errorf("%w: no authenticated user", biddingerrors.ErrUnauthorized), nil)
		return model.User{}, false
	}
	return user, true
}

// CreateAuctionHandler handles POST /auctions
func (h *BiddingHandler) CreateAuctionHandler(c *gin.Context) {
	user, ok := requireUser(c, "CreateAuctionHandler")
	if !ok {
		return
	}

	var req helpers.CreateAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "CreateAuctionHandler", err)
		return
	}

	in, err := toCreateInput(req)
	if err != nil {
		helpers.WriteError(c, "CreateAuctionHandler", err, map[string]any{"user_id": user.UserID})
		return
	}

	a, err := h.service.CreateAuction(c.Request.Context(), user, in)
	if err != nil {
		helpers.WriteError(c, "CreateAuctionHandler", err, map[string]any{"user_id": user.UserID})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, a, "auction created successfully")
	helpers.LogSuccess("CreateAuctionHandler", "auction created successfully", map[string]any{
		"auction_id": a.AuctionID,
		"seller_id":  a.SellerID,
		"status":     a.Status,
	})
}

func toCreateInput(req helpers.CreateAuctionRequest) (bidding.CreateAuctionInput, error) {
	in := bidding.CreateAuctionInput{
		Title:     req.Title,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	basePrice, err := model.PriceFromDecimal(req.BasePrice)
	if err != nil {
		return in, fmt.Errorf("%w: base price: %v", biddingerrors.ErrInvalidAuction, err)
	}
	in.BasePrice = basePrice
	if req.ReservePrice != nil {
		reserve, err := model.AmountFromDecimal(*req.ReservePrice)
		if err != nil {
			return in, fmt.Errorf("%w: reserve price: %v", biddingerrors.ErrInvalidAuction, err)
		}
		in.ReservePrice = &reserve
	}
	return in, nil
}

// GetAuctionHandler handles GET /auctions/:id
func (h *BiddingHandler) GetAuctionHandler(c *gin.Context) {
	auctionID := c.Param("id")
	a, err := h.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		helpers.WriteError(c, "GetAuctionHandler", err, map[string]any{"auction_id": auctionID})
		return
	}
	resp := helpers.AuctionResponse{Auction: a}
	if h.live != nil {
		resp.ActiveObservers = h.live.ObserverCount(auctionID)
	}
	utils.JSONResponse(c, http.StatusOK, resp, "auction retrieved successfully")
}

// PlaceBidHandler handles POST /auctions/:id/bids
func (h *BiddingHandler) PlaceBidHandler(c *gin.Context) {
	user, ok := requireUser(c, "PlaceBidHandler")
	if !ok {
		return
	}

	var req helpers.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "PlaceBidHandler", err)
		return
	}

	auctionID := c.Param("id")
	fields := map[string]any{"auction_id": auctionID, "user_id": user.UserID}

	amount, err := model.AmountFromDecimal(req.Amount)
	if err != nil {
		helpers.WriteError(c, "PlaceBidHandler", err, fields)
		return
	}

	res, err := h.service.PlaceBid(c.Request.Context(), auctionID, user, amount)
	if err != nil {
		helpers.WriteError(c, "PlaceBidHandler", err, fields)
		return
	}

	resp := helpers.PlaceBidResponse{
		Bid:        helpers.ToBidResponse(res.Bid),
		CurrentBid: res.Snapshot.CurrentBid,
		Snapshot:   res.Snapshot,
	}
	utils.JSONResponse(c, http.StatusCreated, resp, "bid recorded successfully")
	helpers.LogSuccess("PlaceBidHandler", "bid recorded successfully", map[string]any{
		"bid_id":     res.Bid.BidID,
		"auction_id": auctionID,
		"user_id":    user.UserID,
		"amount":     amount,
	})
}

// GetBidsHandler handles GET /auctions/:id/bids
func (h *BiddingHandler) GetBidsHandler(c *gin.Context) {
	auctionID := c.Param("id")
	bids, err := h.service.GetBidsForAuction(c.Request.Context(), auctionID)
	if err != nil && !bidding.IsEmptyResult(err) {
		helpers.WriteError(c, "GetBidsHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	resp := helpers.ToBidResponses(bids)
	utils.JSONResponse(c, http.StatusOK, resp, "bids retrieved successfully")
	helpers.LogSuccess("GetBidsHandler", "bids retrieved successfully", map[string]any{
		"auction_id": auctionID,
		"count":      len(resp),
	})
}

// GetWinningBidHandler handles GET /auctions/:id/winning
func (h *BiddingHandler) GetWinningBidHandler(c *gin.Context) {
	auctionID := c.Param("id")
	bid, err := h.service.GetWinningBid(c.Request.Context(), auctionID)
	if err != nil {
		if errors.Is(err, biddingerrors.ErrNoBids) {
			utils.JSONError(c, http.StatusNotFound, err, "no winning bid found")
			utils.Info("GetWinningBidHandler: no winning bid found", map[string]any{"auction_id": auctionID})
			return
		}
		helpers.WriteError(c, "GetWinningBidHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.ToBidResponse(bid), "winning bid retrieved successfully")
}

// GetAuctionsByUserHandler handles GET /users/:user_id/auctions
func (h *BiddingHandler) GetAuctionsByUserHandler(c *gin.Context) {
	userID := c.Param("user_id")
	auctions, err := h.service.GetAuctionsByBidder(c.Request.Context(), userID)
	if err != nil && !bidding.IsEmptyResult(err) {
		helpers.WriteError(c, "GetAuctionsByUserHandler", err, map[string]any{"user_id": userID})
		return
	}

	if auctions == nil {
		auctions = []model.Auction{}
	}

	utils.JSONResponse(c, http.StatusOK, auctions, "auctions retrieved successfully")
	helpers.LogSuccess("GetAuctionsByUserHandler", "auctions retrieved successfully", map[string]any{
		"user_id":        userID,
		"auctions_count": len(auctions),
	})
}

type transition func(ctx context.Context, auctionID string, actor model.User) (model.Auction, error)

func (h *BiddingHandler) runTransition(c *gin.Context, handlerName, message string, apply transition) {
	user, ok := requireUser(c, handlerName)
	if !ok {
		return
	}
	auctionID := c.Param("id")
	a, err := apply(c.Request.Context(), auctionID, user)
	if err != nil {
		helpers.WriteError(c, handlerName, err, map[string]any{"auction_id": auctionID, "user_id": user.UserID})
		return
	}
	utils.JSONResponse(c, http.StatusOK, a, message)
	helpers.LogSuccess(handlerName, message, map[string]any{
		"auction_id": auctionID,
		"user_id":    user.UserID,
		"status":     a.Status,
	})
}

// ApproveHandler handles POST /auctions/:id/approve
func (h *BiddingHandler) ApproveHandler(c *gin.Context) {
	h.runTransition(c, "ApproveHandler", "auction approved", h.service.Approve)
}

// CancelHandler handles POST /auctions/:id/cancel
func (h *BiddingHandler) CancelHandler(c *gin.Context) {
	h.runTransition(c, "CancelHandler", "auction cancelled", h.service.Cancel)
}

// ForceCancelHandler handles POST /auctions/:id/force-cancel
func (h *BiddingHandler) ForceCancelHandler(c *gin.Context) {
	h.runTransition(c, "ForceCancelHandler", "auction force-cancelled", h.service.ForceCancel)
}

// LiveHandler handles GET /auctions/:id/ws
func (h *BiddingHandler) LiveHandler(c *gin.Context) {
	user, ok := requireUser(c, "LiveHandler")
	if !ok {
		return
	}
	auctionID := c.Param("id")

	submit := func(ctx context.Context, auctionID string, bidder model.User, amount int64) error {
		_, err := h.service.PlaceBid(ctx, auctionID, bidder, amount)
		return err
	}
	if err := h.live.ServeWS(c.Writer, c.Request, auctionID, user, submit); err != nil {
		helpers.WriteError(c, "LiveHandler", err, map[string]any{"auction_id": auctionID, "user_id": user.UserID})
	}
}
