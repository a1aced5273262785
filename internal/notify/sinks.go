package notify

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LogSink writes notification records to the structured log
type LogSink struct {
	logger log.FieldLogger
}

// NewLogSink creates a sink that only logs
func NewLogSink(logger log.FieldLogger) *LogSink {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, n Notification) error {
	s.logger.WithFields(log.Fields{
		"notification_id": n.ID,
		"user_id":         n.UserID,
		"type":            n.Type,
		"auction_id":      n.AuctionID,
		"bid_id":          n.BidID,
	}).Info(n.Title)
	return nil
}

// MemorySink keeps every record in memory
type MemorySink struct {
	mu      sync.Mutex
	records []Notification
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, n)
	return nil
}

// ForUser returns the records addressed to userID in write order
func (s *MemorySink) ForUser(userID string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Notification
	for _, n := range s.records {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// All returns a copy of every record
func (s *MemorySink) All() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.records...)
}
