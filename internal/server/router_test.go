package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"auction-engine/internal/auth"
	model "auction-engine/internal/models"
	"auction-engine/internal/realtime"
	"auction-engine/internal/serial"
	"auction-engine/services/bidding/handler"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
)

var secret = []byte("router-test-secret")

func token(t *testing.T, sub string, role model.Role) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": string(role),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestSetupRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockService := handler.NewMockBiddingServiceInterface(ctrl)
	mockLive := handler.NewMockRealtime(ctrl)
	router := SetupRouter(mockService, mockLive, auth.NewHS256(secret, "", ""), serial.NewKeyedLocker(time.Second))

	admin := model.User{UserID: "root", Username: "root", Role: model.RoleAdmin}
	mockService.EXPECT().Approve(gomock.Any(), "a1", admin).
		Return(model.Auction{AuctionID: "a1", Status: model.StatusActive}, nil)
	mockService.EXPECT().GetAuction(gomock.Any(), "a1").
		Return(model.Auction{AuctionID: "a1"}, nil)
	mockLive.EXPECT().ObserverCount("a1").Return(2)
	mockLive.EXPECT().ServeWS(gomock.Any(), gomock.Any(), "a1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(w http.ResponseWriter, _ *http.Request, _ string, user model.User, _ realtime.BidFunc) error {
			w.WriteHeader(http.StatusNoContent)
			if user.UserID != "ann" {
				t.Errorf("websocket user = %q, want ann", user.UserID)
			}
			return nil
		})

	tests := []struct {
		name           string
		method         string
		path           string
		header         string
		expectedStatus int
	}{
		{name: "healthz", method: http.MethodGet, path: "/healthz", expectedStatus: http.StatusOK},
		{name: "public_read", method: http.MethodGet, path: "/auctions/a1", expectedStatus: http.StatusOK},
		{name: "missing_token", method: http.MethodPost, path: "/auctions/a1/bids", expectedStatus: http.StatusUnauthorized},
		{name: "garbage_token", method: http.MethodPost, path: "/auctions/a1/approve", header: "Bearer nope", expectedStatus: http.StatusUnauthorized},
		{name: "admin_token", method: http.MethodPost, path: "/auctions/a1/approve", header: "Bearer " + token(t, "root", model.RoleAdmin), expectedStatus: http.StatusOK},
		{name: "query_token_for_websocket", method: http.MethodGet, path: "/auctions/a1/ws?token=" + token(t, "ann", model.RoleBidder), expectedStatus: http.StatusNoContent},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			require.Equal(t, tc.expectedStatus, w.Code)
			if tc.expectedStatus == http.StatusUnauthorized {
				var resp map[string]any
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				require.Equal(t, "Unauthorized", resp["kind"])
			}
		})
	}
}

func TestSetupRouter_HealthzReportsLockedAuctions(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locker := serial.NewKeyedLocker(time.Second)
	router := SetupRouter(handler.NewMockBiddingServiceInterface(ctrl), handler.NewMockRealtime(ctrl), auth.NewHS256(secret, "", ""), locker)

	lockedAuctions := func() float64 {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, true, resp.Data["healthy"])
		return resp.Data["locked_auctions"].(float64)
	}

	require.Equal(t, float64(0), lockedAuctions())

	unlock, err := locker.Lock(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, float64(1), lockedAuctions())

	unlock()
	require.Equal(t, float64(0), lockedAuctions())
}
