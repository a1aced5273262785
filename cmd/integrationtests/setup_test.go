package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"auction-engine/internal/auth"
	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/ledger"
	"auction-engine/internal/lifecycle"
	model "auction-engine/internal/models"
	"auction-engine/internal/notify"
	"auction-engine/internal/realtime"
	"auction-engine/internal/repository"
	"auction-engine/internal/serial"
	"auction-engine/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus/hooks/test"
)

var jwtSecret = []byte("integration-secret")

// testClock follows the wall clock shifted by an offset tests can advance
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().UTC().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// TestEnv is a fully wired engine on the memory store
type TestEnv struct {
	Router  *gin.Engine
	Store   *repository.MemoryRepo
	Hub     *realtime.Hub
	Machine *lifecycle.Machine
	Sink    *notify.MemorySink
	Clock   *testClock
}

// SetupTestEnv initializes the router with in-memory components for integration testing.
func SetupTestEnv(t *testing.T, requireApproval bool) *TestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, _ := test.NewNullLogger()
	clock := &testClock{}

	ctx, cancel := context.WithCancel(context.Background())
	store := repository.NewMemoryRepo()
	locker := serial.NewKeyedLocker(time.Second)
	hub := realtime.NewHub(store, locker, 64, logger)

	sink := notify.NewMemorySink()
	dispatcher := notify.NewDispatcher(sink, notify.Options{Workers: 1, BaseBackoff: time.Millisecond}, logger)
	dispatcher.Start(ctx)
	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
	})

	l := ledger.New(store, locker, hub, dispatcher, logger, ledger.WithClock(clock.Now))
	m := lifecycle.New(store, locker, hub, dispatcher, logger, lifecycle.WithClock(clock.Now))
	service := bidding.NewBiddingService(store, l, m, requireApproval)

	router := server.SetupRouter(service, hub, auth.NewHS256(jwtSecret, "", ""), locker)
	return &TestEnv{Router: router, Store: store, Hub: hub, Machine: m, Sink: sink, Clock: clock}
}

// Token signs a short-lived token for user
func Token(t *testing.T, user model.User) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.UserID,
		"name": user.Username,
		"role": string(user.Role),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwtSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// ExecuteRequestAndParse executes an HTTP request on the given router as user
// (anonymous when user is nil) and parses the response envelope
func ExecuteRequestAndParse(t *testing.T, router *gin.Engine, method, url string, user *model.User, body any) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()

	var reqBody []byte
	switch v := body.(type) {
	case nil:
	case string:
		reqBody = []byte(v)
	default:
		var err error
		reqBody, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+Token(t, *user))
	}
	router.ServeHTTP(w, req)

	var resp map[string]any
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
	}
	return resp, w
}

// CreateAuction creates an auction that is open now and ends after d
func CreateAuction(t *testing.T, env *TestEnv, seller model.User, base int64, reserve *int64, d time.Duration) string {
	t.Helper()
	body := map[string]any{
		"title":      "Integration lot",
		"base_price": base,
		"end_time":   time.Now().Add(d).UTC().Format(time.RFC3339Nano),
	}
	if reserve != nil {
		body["reserve_price"] = *reserve
	}
	resp, w := ExecuteRequestAndParse(t, env.Router, "POST", "/auctions", &seller, body)
	if w.Code != 201 {
		t.Fatalf("create auction: status %d, body %s", w.Code, w.Body.String())
	}
	return resp["data"].(map[string]any)["auction_id"].(string)
}
