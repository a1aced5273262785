package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"auction-engine/internal/realtime"
	"auction-engine/internal/repository"
	"auction-engine/internal/serial"

	"github.com/golang/mock/gomock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, ev realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Event(nil), p.events...)
}

type outbid struct {
	auctionID, bidID, bidderID, previous string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []outbid
}

func (n *recordingNotifier) BidAccepted(_ context.Context, a model.Auction, bid model.Bid, previous string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, outbid{a.AuctionID, bid.BidID, bid.BidderID, previous})
}

func (n *recordingNotifier) all() []outbid {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]outbid(nil), n.calls...)
}

type fixture struct {
	store     *repository.MemoryRepo
	ledger    *BidLedger
	publisher *recordingPublisher
	notifier  *recordingNotifier
	now       time.Time
}

func newFixture(t *testing.T, auctions ...model.Auction) *fixture {
	t.Helper()

	f := &fixture{
		store:     repository.NewMemoryRepo(),
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
		now:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, a := range auctions {
		require.NoError(t, f.store.CreateAuction(context.Background(), a))
	}
	logger, _ := test.NewNullLogger()
	f.ledger = New(f.store, serial.NewKeyedLocker(time.Second), f.publisher, f.notifier, logger,
		WithClock(func() time.Time { return f.now }))
	return f
}

func auctionAt(id string, now time.Time) model.Auction {
	return model.Auction{
		AuctionID:  id,
		SellerID:   "seller",
		Title:      "Vintage lamp",
		BasePrice:  100,
		CurrentBid: 100,
		StartTime:  now.Add(-time.Hour),
		EndTime:    now.Add(time.Hour),
		Status:     model.StatusActive,
		Approved:   true,
		Version:    1,
		CreatedAt:  now.Add(-2 * time.Hour),
	}
}

func user(id string) model.User {
	return model.User{UserID: id, Username: "name-" + id, Role: model.RoleBidder}
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSubmit_Scenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auctionAt("A1", base))
	ctx := context.Background()

	_, err := f.ledger.Submit(ctx, "A1", user("U1"), 100)
	require.ErrorIs(t, err, biddingerrors.ErrBidTooLow)
	require.Contains(t, err.Error(), "must exceed 100")

	first, err := f.ledger.Submit(ctx, "A1", user("U1"), 150)
	require.NoError(t, err)
	require.Equal(t, int64(150), first.Snapshot.CurrentBid)
	require.Empty(t, first.PreviousBidderID)
	require.True(t, first.Bid.IsWinning)

	_, err = f.ledger.Submit(ctx, "A1", user("U2"), 150)
	require.ErrorIs(t, err, biddingerrors.ErrBidTooLow)
	require.Contains(t, err.Error(), "must exceed 150")

	second, err := f.ledger.Submit(ctx, "A1", user("U2"), 200)
	require.NoError(t, err)
	require.Equal(t, int64(200), second.Snapshot.CurrentBid)
	require.Equal(t, "U1", second.PreviousBidderID)
	require.Equal(t, 2, second.Snapshot.BidderCount)

	bids, err := f.store.GetBidsByAuction(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, bids, 2)
	require.True(t, bids[0].IsOutbid)
	require.False(t, bids[0].IsWinning)
	require.True(t, bids[1].IsWinning)

	calls := f.notifier.all()
	require.Len(t, calls, 2)
	require.Equal(t, "U1", calls[1].previous)
	require.Equal(t, "U2", calls[1].bidderID)

	events := f.publisher.all()
	require.Len(t, events, 2)
	require.Equal(t, realtime.EventNewBid, events[0].Type)
	require.Equal(t, int64(2), events[0].Seq)
	require.Equal(t, int64(3), events[1].Seq)
}

func TestSubmit_Rejections(t *testing.T) {
	t.Parallel()

	pending := auctionAt("pending", base)
	pending.Status = model.StatusPending

	ended := auctionAt("ended", base)
	ended.EndTime = base

	notStarted := auctionAt("future", base)
	notStarted.StartTime = base.Add(time.Minute)

	completed := auctionAt("completed", base)
	completed.Status = model.StatusCompleted

	tests := []struct {
		name      string
		auctionID string
		bidder    model.User
		amount    int64
		expected  error
		message   string
	}{
		{"unknown auction", "nope", user("U1"), 150, biddingerrors.ErrAuctionNotFound, ""},
		{"pending auction", "pending", user("U1"), 150, biddingerrors.ErrAuctionNotActive, "auction is pending"},
		{"completed auction", "completed", user("U1"), 150, biddingerrors.ErrAuctionNotActive, "auction is completed"},
		{"end time reached", "ended", user("U1"), 150, biddingerrors.ErrAuctionNotActive, "bidding closed"},
		{"before start", "future", user("U1"), 150, biddingerrors.ErrAuctionNotActive, "bidding opens"},
		{"seller bidding", "open", user("seller"), 150, biddingerrors.ErrSelfBidForbidden, ""},
		{"zero amount", "open", user("U1"), 0, biddingerrors.ErrInvalidAmount, ""},
		{"negative amount", "open", user("U1"), -5, biddingerrors.ErrInvalidAmount, ""},
		{"equal to current", "open", user("U1"), 100, biddingerrors.ErrBidTooLow, "must exceed 100"},
		{"seller check precedes amount", "open", user("seller"), -1, biddingerrors.ErrSelfBidForbidden, ""},
	}

	f := newFixture(t, auctionAt("open", base), pending, ended, notStarted, completed)

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := f.ledger.Submit(context.Background(), tc.auctionID, tc.bidder, tc.amount)
			require.ErrorIs(t, err, tc.expected)
			if tc.message != "" {
				require.Contains(t, err.Error(), tc.message)
			}
		})
	}

	require.Empty(t, f.publisher.all(), "rejected bids must not be broadcast")
	require.Empty(t, f.notifier.all())
}

func TestSubmit_ConcurrentBidsKeepStrictOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auctionAt("A1", base))

	const bidders = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []int64
	)
	for i := 1; i <= bidders; i++ {
		amount := int64(100 + i*5)
		bidder := user(fmt.Sprintf("U%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ledger.Submit(context.Background(), "A1", bidder, amount)
			if err != nil {
				require.ErrorIs(t, err, biddingerrors.ErrBidTooLow)
				return
			}
			mu.Lock()
			accepted = append(accepted, res.Bid.Amount)
			mu.Unlock()
		}()
	}
	wg.Wait()

	a, err := f.store.LoadAuction(context.Background(), "A1")
	require.NoError(t, err)
	require.Equal(t, int64(100+bidders*5), a.CurrentBid)
	require.Equal(t, len(accepted), a.BidCount)

	bids, err := f.store.GetBidsByAuction(context.Background(), "A1")
	require.NoError(t, err)
	for i := 1; i < len(bids); i++ {
		require.Greater(t, bids[i].Amount, bids[i-1].Amount, "accepted amounts must rise in commit order")
	}

	events := f.publisher.all()
	require.Len(t, events, len(bids))
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	winners := 0
	for _, b := range bids {
		if b.IsWinning {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestSubmit_TieGoesToFirstSerialized(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auctionAt("A1", base))

	const contenders = 10
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.ledger.Submit(context.Background(), "A1", user(fmt.Sprintf("U%d", i)), 500)
		}()
	}
	wg.Wait()

	var ok, tooLow int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, biddingerrors.ErrBidTooLow):
			require.Contains(t, err.Error(), "must exceed 500")
			tooLow++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, contenders-1, tooLow)
}

func TestSubmit_DifferentAuctionsProceedInParallel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auctionAt("A1", base), auctionAt("A2", base))

	locker := serial.NewKeyedLocker(50 * time.Millisecond)
	logger, _ := test.NewNullLogger()
	l := New(f.store, locker, nil, nil, logger, WithClock(func() time.Time { return base }))

	unlock, err := locker.Lock(context.Background(), "A1")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Submit(context.Background(), "A2", user("U1"), 150)
	require.NoError(t, err)

	_, err = l.Submit(context.Background(), "A1", user("U1"), 150)
	require.ErrorIs(t, err, biddingerrors.ErrBusy)
	require.True(t, biddingerrors.Retryable(err))
}

func TestSubmit_RetriesVersionConflict(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := repository.NewMockAuctionStore(ctrl)

	stale := auctionAt("A1", base)
	fresh := stale
	fresh.Version = 2
	fresh.CurrentBid = 120
	fresh.HighestBidderID = "U9"
	committed := fresh
	committed.Version = 3
	committed.CurrentBid = 150

	gomock.InOrder(
		store.EXPECT().LoadAuction(gomock.Any(), "A1").Return(stale, nil),
		store.EXPECT().CommitBid(gomock.Any(), int64(1), gomock.Any()).Return(model.Auction{}, biddingerrors.ErrVersionConflict),
		store.EXPECT().LoadAuction(gomock.Any(), "A1").Return(fresh, nil),
		store.EXPECT().CommitBid(gomock.Any(), int64(2), gomock.Any()).DoAndReturn(
			func(_ context.Context, _ int64, bid model.Bid) (model.Auction, error) {
				require.Equal(t, int64(150), bid.Amount)
				require.Equal(t, "U1", bid.BidderID)
				return committed, nil
			}),
	)

	logger, _ := test.NewNullLogger()
	l := New(store, serial.NewKeyedLocker(time.Second), nil, nil, logger, WithClock(func() time.Time { return base }))

	res, err := l.Submit(context.Background(), "A1", user("U1"), 150)
	require.NoError(t, err)
	require.Equal(t, "U9", res.PreviousBidderID)
	require.Equal(t, int64(3), res.Snapshot.Version)
}

func TestSubmit_ConflictAfterFreshReadRevalidates(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := repository.NewMockAuctionStore(ctrl)

	stale := auctionAt("A1", base)
	fresh := stale
	fresh.Version = 2
	fresh.CurrentBid = 200

	gomock.InOrder(
		store.EXPECT().LoadAuction(gomock.Any(), "A1").Return(stale, nil),
		store.EXPECT().CommitBid(gomock.Any(), int64(1), gomock.Any()).Return(model.Auction{}, biddingerrors.ErrVersionConflict),
		store.EXPECT().LoadAuction(gomock.Any(), "A1").Return(fresh, nil),
	)

	logger, _ := test.NewNullLogger()
	l := New(store, serial.NewKeyedLocker(time.Second), nil, nil, logger, WithClock(func() time.Time { return base }))

	_, err := l.Submit(context.Background(), "A1", user("U1"), 150)
	require.ErrorIs(t, err, biddingerrors.ErrBidTooLow)
	require.Contains(t, err.Error(), "must exceed 200")
}

func TestSubmit_ExhaustedConflictsAreBusy(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := repository.NewMockAuctionStore(ctrl)

	store.EXPECT().LoadAuction(gomock.Any(), "A1").Return(auctionAt("A1", base), nil).Times(3)
	store.EXPECT().CommitBid(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.Auction{}, biddingerrors.ErrVersionConflict).Times(3)

	logger, _ := test.NewNullLogger()
	publisher := &recordingPublisher{}
	l := New(store, serial.NewKeyedLocker(time.Second), publisher, nil, logger,
		WithClock(func() time.Time { return base }), WithMaxAttempts(3))

	_, err := l.Submit(context.Background(), "A1", user("U1"), 150)
	require.ErrorIs(t, err, biddingerrors.ErrBusy)
	require.NotErrorIs(t, err, biddingerrors.ErrVersionConflict)
	require.Empty(t, publisher.all())
}

func TestSubmit_StoreUnavailable(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := repository.NewMockAuctionStore(ctrl)
	store.EXPECT().LoadAuction(gomock.Any(), "A1").
		Return(model.Auction{}, fmt.Errorf("load: %w", biddingerrors.ErrStoreUnavailable))

	logger, hook := test.NewNullLogger()
	l := New(store, serial.NewKeyedLocker(time.Second), nil, nil, logger)

	_, err := l.Submit(context.Background(), "A1", user("U1"), 150)
	require.ErrorIs(t, err, biddingerrors.ErrStoreUnavailable)
	require.Equal(t, "bid not processed", hook.LastEntry().Message)
}

func TestSubmit_RecordsSpans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := repository.NewMemoryRepo()
	require.NoError(t, store.CreateAuction(context.Background(), auctionAt("A1", base)))
	logger, _ := test.NewNullLogger()
	l := New(store, serial.NewKeyedLocker(time.Second), nil, nil, logger,
		WithClock(func() time.Time { return base }), WithTracerProvider(tp))

	_, err := l.Submit(context.Background(), "A1", user("U1"), 150)
	require.NoError(t, err)
	_, err = l.Submit(context.Background(), "A1", user("U2"), 120)
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	for _, s := range spans {
		require.Equal(t, "ledger.Submit", s.Name)
	}

	okAttrs := attrs(spans[0].Attributes)
	require.Equal(t, "A1", okAttrs["auction.id"])
	require.Equal(t, int64(150), okAttrs["bid.amount"])
	require.Equal(t, int64(1), okAttrs["ledger.attempts"])
	require.Equal(t, codes.Unset, spans[0].Status.Code)

	failAttrs := attrs(spans[1].Attributes)
	require.Equal(t, "BidTooLow", failAttrs["error.kind"])
	require.Equal(t, codes.Error, spans[1].Status.Code)
}

func attrs(kvs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestSubmit_EventsFollowCommitOrderPerAuction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auctionAt("A1", base), auctionAt("A2", base))

	var wg sync.WaitGroup
	for _, id := range []string{"A1", "A2"} {
		for i := 1; i <= 20; i++ {
			id, amount := id, int64(100+i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.ledger.Submit(context.Background(), id, user(fmt.Sprintf("U%d", amount)), amount)
			}()
		}
	}
	wg.Wait()

	perAuction := map[string][]int64{}
	for _, ev := range f.publisher.all() {
		perAuction[ev.AuctionID] = append(perAuction[ev.AuctionID], ev.Seq)
	}
	for id, seqs := range perAuction {
		require.True(t, sort.SliceIsSorted(seqs, func(i, j int) bool { return seqs[i] < seqs[j] }), "auction %s", id)
	}
}

func TestSubmit_UnresponsiveRelayDoesNotHoldAuctionLock(t *testing.T) {
	t.Parallel()

	// a Redis endpoint that accepts connections and never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	rc := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })

	store := repository.NewMemoryRepo()
	require.NoError(t, store.CreateAuction(context.Background(), auctionAt("A1", base)))

	logger, _ := test.NewNullLogger()
	hub := realtime.NewHub(store, serial.NewKeyedLocker(time.Second), 8, logger)
	relay := realtime.NewRedisRelay(hub, rc, "auction-events", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	l := New(store, serial.NewKeyedLocker(200*time.Millisecond), relay, nil, logger,
		WithClock(func() time.Time { return base }))

	first, err := l.Submit(ctx, "A1", user("U1"), 150)
	require.NoError(t, err)
	require.Equal(t, int64(150), first.Snapshot.CurrentBid)

	start := time.Now()
	second, err := l.Submit(ctx, "A1", user("U2"), 200)
	require.NoError(t, err)
	require.NotErrorIs(t, err, biddingerrors.ErrBusy)
	require.Equal(t, int64(200), second.Snapshot.CurrentBid)
	require.Less(t, time.Since(start), 200*time.Millisecond)
}
