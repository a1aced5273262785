package server

import (
	"fmt"
	"net/http"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"auction-engine/services/bidding/helpers"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
)

// RequestLoggerMiddleware logs incoming requests with timing
func RequestLoggerMiddleware(c *gin.Context) {
	start := time.Now()

	c.Next() // process request

	utils.Info("HTTP Request", map[string]any{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start).String(),
	})
}

// Authenticator resolves the caller from a bearer header or a raw token
type Authenticator interface {
	UserFromHeader(h string) (model.User, error)
	UserFromToken(token string) (model.User, error)
}

// AuthMiddleware attaches the authenticated caller to the request. Browsers
// cannot set headers on websocket upgrades, so a token query parameter is
// accepted as well.
func AuthMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			user model.User
			err  error
		)
		if token := c.Query("token"); token != "" && c.GetHeader("Authorization") == "" {
			user, err = auth.UserFromToken(token)
		} else {
			user, err = auth.UserFromHeader(c.GetHeader("Authorization"))
		}
		if err != nil {
			utils.JSONError(c, http.StatusUnauthorized, fmt.Errorf("unauthorized: %w", err), "unauthorized")
			utils.Warn("AuthMiddleware: rejected request", map[string]any{
				"path":  c.Request.URL.Path,
				"kind":  biddingerrors.Kind(err),
				"error": err.Error(),
			})
			c.Abort()
			return
		}
		c.Set(helpers.CurrentUserKey, user)
		c.Next()
	}
}
