package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

// TableSink stores notifications in an Azure Storage table partitioned by user
type TableSink struct {
	client *aztables.Client
}

type notificationEntity struct {
	aztables.Entity
	Type      string `json:"Type"`
	Title     string `json:"Title"`
	Message   string `json:"Message"`
	AuctionID string `json:"AuctionId"`
	BidID     string `json:"BidId"`
	CreatedAt string `json:"CreatedAt"`
}

// NewTableSink connects to the table service and makes sure the table exists
func NewTableSink(ctx context.Context, connStr, table string) (*TableSink, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 10 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, fmt.Errorf("table service client: %w", err)
	}
	client := svc.NewClient(table)
	if _, err := client.CreateTable(ctx, nil); err != nil && !tableExists(err) {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &TableSink{client: client}, nil
}

func tableExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict
}

// entityFor encodes a record the way it is stored in the table. RowKey is the
// record id, so a retried write replaces instead of duplicating.
func entityFor(n Notification) ([]byte, error) {
	return sonic.Marshal(notificationEntity{
		Entity: aztables.Entity{
			PartitionKey: n.UserID,
			RowKey:       n.ID,
		},
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		AuctionID: n.AuctionID,
		BidID:     n.BidID,
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *TableSink) Write(ctx context.Context, n Notification) error {
	data, err := entityFor(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := s.client.UpsertEntity(ctx, data, nil); err != nil {
		return fmt.Errorf("upsert notification %s: %w", n.ID, err)
	}
	return nil
}
