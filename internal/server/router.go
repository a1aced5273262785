package server

import (
	"net/http"

	handler "auction-engine/services/bidding/handler"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
)

// LockStats reports how many auctions currently hold or wait on their lock
type LockStats interface {
	Held() int
}

// SetupRouter configures all Gin routes for the application
func SetupRouter(service handler.BiddingServiceInterface, live handler.Realtime, auth Authenticator, locks LockStats) *gin.Engine {
	router := gin.New() // New router without default middleware for full control over middleware and logging

	router.Use(gin.Recovery())          // recover from panics
	router.Use(RequestLoggerMiddleware) // custom request logging

	biddingHandler := handler.NewBiddingHandler(service, live)
	requireAuth := AuthMiddleware(auth)

	router.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"healthy": true}
		if locks != nil {
			body["locked_auctions"] = locks.Held()
		}
		utils.JSONResponse(c, http.StatusOK, body, "ok")
	})

	auctions := router.Group("/auctions")
	{
		auctions.POST("", requireAuth, biddingHandler.CreateAuctionHandler)
		auctions.GET("/:id", biddingHandler.GetAuctionHandler)
		auctions.GET("/:id/bids", biddingHandler.GetBidsHandler)
		auctions.GET("/:id/winning", biddingHandler.GetWinningBidHandler)
		auctions.POST("/:id/bids", requireAuth, biddingHandler.PlaceBidHandler)
		auctions.POST("/:id/approve", requireAuth, biddingHandler.ApproveHandler)
		auctions.POST("/:id/cancel", requireAuth, biddingHandler.CancelHandler)
		auctions.POST("/:id/force-cancel", requireAuth, biddingHandler.ForceCancelHandler)
		auctions.GET("/:id/ws", requireAuth, biddingHandler.LiveHandler)
	}

	users := router.Group("/users")
	{
		users.GET("/:user_id/auctions", biddingHandler.GetAuctionsByUserHandler)
	}

	return router
}
