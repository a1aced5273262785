package realtime

import (
	"context"
	"net/http"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	maxMessageBytes = 4096
)

const (
	msgPlaceBid = "placeBid"
	msgLeave    = "leave"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers connect from the storefront origin; tokens gate access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// BidFunc submits a bid received over a socket on behalf of bidder
type BidFunc func(ctx context.Context, auctionID string, bidder model.User, amount int64) error

type clientMessage struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
}

// ServeWS joins user to the auction's group, upgrades the request and pumps
// events to the socket until the client leaves, the connection fails or the
// hub evicts the subscriber. Only join failures are returned, so the caller
// can still answer them over plain HTTP.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, auctionID string, user model.User, submit BidFunc) error {
	sub := h.NewSubscriber(user.UserID)
	if err := h.Join(r.Context(), auctionID, sub); err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Leave(auctionID, sub)
		h.logger.WithFields(log.Fields{"auction_id": auctionID, "error": err.Error()}).Warn("websocket upgrade failed")
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	done := make(chan struct{})
	go h.writePump(conn, sub, done)

	h.readPump(ctx, conn, auctionID, user, sub, submit)

	h.Leave(auctionID, sub)
	<-done
	return nil
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, auctionID string, user model.User, sub *Subscriber, submit BidFunc) {
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithFields(log.Fields{"auction_id": auctionID, "subscriber_id": sub.id, "error": err.Error()}).Debug("websocket read failed")
			}
			return
		}

		var msg clientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			h.logger.WithFields(log.Fields{"auction_id": auctionID, "subscriber_id": sub.id}).Debug("ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case msgLeave:
			return
		case msgPlaceBid:
			amount, err := model.AmountFromDecimal(msg.Amount)
			if err == nil {
				err = submit(ctx, auctionID, user, amount)
			}
			if err != nil {
				h.SendTo(auctionID, sub, BidRejectedEvent(auctionID, biddingerrors.Kind(err), err.Error()))
			}
		}
	}
}

// writePump is the only goroutine writing to conn
func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber, done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		close(done)
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"))
				return
			}
			data, err := sonic.Marshal(ev)
			if err != nil {
				h.logger.WithError(err).Error("marshal event")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
