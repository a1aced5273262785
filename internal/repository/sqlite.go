package repository

import (
	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/go-sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS auctions (
	auction_id          TEXT PRIMARY KEY,
	seller_id           TEXT NOT NULL,
	title               TEXT NOT NULL,
	base_price          INTEGER NOT NULL,
	reserve_price       INTEGER,
	current_bid         INTEGER NOT NULL,
	start_time          INTEGER NOT NULL,
	end_time            INTEGER NOT NULL,
	status              TEXT NOT NULL,
	approved            INTEGER NOT NULL DEFAULT 0,
	winner_id           TEXT,
	highest_bid_id      TEXT NOT NULL DEFAULT '',
	highest_bidder_id   TEXT NOT NULL DEFAULT '',
	highest_bidder_name TEXT NOT NULL DEFAULT '',
	bid_count           INTEGER NOT NULL DEFAULT 0,
	bidder_count        INTEGER NOT NULL DEFAULT 0,
	version             INTEGER NOT NULL,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auctions_status_end ON auctions(status, end_time);
CREATE TABLE IF NOT EXISTS bids (
	bid_id      TEXT PRIMARY KEY,
	auction_id  TEXT NOT NULL REFERENCES auctions(auction_id),
	bidder_id   TEXT NOT NULL,
	bidder_name TEXT NOT NULL DEFAULT '',
	amount      INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	is_winning  INTEGER NOT NULL DEFAULT 0,
	is_outbid   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bids_auction ON bids(auction_id, seq);
CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder_id);
`

const auctionColumns = `auction_id, seller_id, title, base_price, reserve_price, current_bid,
	start_time, end_time, status, approved, winner_id, highest_bid_id, highest_bidder_id,
	highest_bidder_name, bid_count, bidder_count, version, created_at, updated_at`

// SQLiteRepo is a durable AuctionStore backed by SQLite. Version checks run
// inside the same transaction as the write they guard.
type SQLiteRepo struct {
	db *sql.DB
}

// NewSQLiteRepo opens (or creates) the database at path and ensures the schema exists
func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// a single writer connection keeps transactions serialized inside the process
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

// Close releases the underlying database handle
func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

// CreateAuction stores a new auction record
func (r *SQLiteRepo) CreateAuction(ctx context.Context, a model.Auction) error {
	if a.AuctionID == "" {
		return fmt.Errorf("create auction: %w - empty auction id", biddingerrors.ErrInvalidAuction)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("create auction %s: %w - unknown status %q", a.AuctionID, biddingerrors.ErrInvalidAuction, a.Status)
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO auctions (`+auctionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, auctionArgs(a)...)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("create auction %s: %w - duplicate id", a.AuctionID, biddingerrors.ErrInvalidAuction)
		}
		return unavailable("create auction", err)
	}
	return nil
}

// LoadAuction returns a snapshot of the auction
func (r *SQLiteRepo) LoadAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE auction_id = ?`, auctionID)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auction{}, fmt.Errorf("load auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return model.Auction{}, unavailable("load auction", err)
	}
	return a, nil
}

// CASUpdateAuction applies mutate when the stored version matches expectedVersion
func (r *SQLiteRepo) CASUpdateAuction(ctx context.Context, auctionID string, expectedVersion int64, mutate func(*model.Auction) error) (model.Auction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Auction{}, unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanAuction(tx.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE auction_id = ?`, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auction{}, fmt.Errorf("update auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return model.Auction{}, unavailable("load auction", err)
	}
	if current.Version != expectedVersion {
		return model.Auction{}, fmt.Errorf("update auction %s at version %d (stored %d): %w",
			auctionID, expectedVersion, current.Version, biddingerrors.ErrVersionConflict)
	}

	next := current
	if err := mutate(&next); err != nil {
		return model.Auction{}, err
	}
	next.AuctionID = current.AuctionID
	next.Version = expectedVersion + 1

	if err := updateAuction(ctx, tx, next, expectedVersion); err != nil {
		return model.Auction{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Auction{}, unavailable("commit", err)
	}
	return next, nil
}

// CommitBid records bid as the new top bid of its auction in one transaction
func (r *SQLiteRepo) CommitBid(ctx context.Context, expectedVersion int64, bid model.Bid) (model.Auction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Auction{}, unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanAuction(tx.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE auction_id = ?`, bid.AuctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auction{}, fmt.Errorf("commit bid for auction %s: %w", bid.AuctionID, biddingerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return model.Auction{}, unavailable("load auction", err)
	}
	if current.Version != expectedVersion {
		return model.Auction{}, fmt.Errorf("commit bid for auction %s at version %d (stored %d): %w",
			bid.AuctionID, expectedVersion, current.Version, biddingerrors.ErrVersionConflict)
	}

	var priorBids int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM bids WHERE auction_id = ? AND bidder_id = ?`,
		bid.AuctionID, bid.BidderID).Scan(&priorBids); err != nil {
		return model.Auction{}, unavailable("count bidder bids", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE bids SET is_winning = 0, is_outbid = 1 WHERE auction_id = ? AND is_winning = 1`,
		bid.AuctionID); err != nil {
		return model.Auction{}, unavailable("flag outbid", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO bids (bid_id, auction_id, bidder_id, bidder_name, amount, created_at, seq, is_winning, is_outbid)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0)`,
		bid.BidID, bid.AuctionID, bid.BidderID, bid.BidderName, bid.Amount, bid.CreatedAt.UnixNano(), current.BidCount+1); err != nil {
		return model.Auction{}, unavailable("insert bid", err)
	}

	next := current
	next.CurrentBid = bid.Amount
	next.HighestBidID = bid.BidID
	next.HighestBidderID = bid.BidderID
	next.HighestBidderName = bid.BidderName
	next.BidCount++
	if priorBids == 0 {
		next.BidderCount++
	}
	next.UpdatedAt = bid.CreatedAt
	next.Version = expectedVersion + 1

	if err := updateAuction(ctx, tx, next, expectedVersion); err != nil {
		return model.Auction{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Auction{}, unavailable("commit", err)
	}
	return next, nil
}

// GetBidsByAuction returns all bids for an auction in acceptance order
func (r *SQLiteRepo) GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := r.LoadAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT bid_id, auction_id, bidder_id, bidder_name, amount, created_at, is_winning, is_outbid
		FROM bids WHERE auction_id = ? ORDER BY seq ASC`, auctionID)
	if err != nil {
		return nil, unavailable("query bids", err)
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		var (
			b         model.Bid
			createdAt int64
		)
		if err := rows.Scan(&b.BidID, &b.AuctionID, &b.BidderID, &b.BidderName, &b.Amount, &createdAt, &b.IsWinning, &b.IsOutbid); err != nil {
			return nil, unavailable("scan bid", err)
		}
		b.CreatedAt = time.Unix(0, createdAt).UTC()
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate bids", err)
	}
	if len(bids) == 0 {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, biddingerrors.ErrNoBids)
	}
	return bids, nil
}

// GetAuctionsByBidder returns all auctions a user has bid on
func (r *SQLiteRepo) GetAuctionsByBidder(ctx context.Context, userID string) ([]model.Auction, error) {
	auctions, err := r.queryAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE auction_id IN (SELECT DISTINCT auction_id FROM bids WHERE bidder_id = ?) ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	if len(auctions) == 0 {
		return nil, fmt.Errorf("get auctions for user %s: %w", userID, biddingerrors.ErrUserNoBids)
	}
	return auctions, nil
}

// ListActiveAuctionsPastEnd returns ids of active auctions with EndTime <= now
func (r *SQLiteRepo) ListActiveAuctionsPastEnd(ctx context.Context, now time.Time) ([]string, error) {
	return r.queryIDs(ctx, `SELECT auction_id FROM auctions WHERE status = ? AND end_time <= ? ORDER BY auction_id`,
		string(model.StatusActive), now.UnixNano())
}

// ListActiveAuctionsEndingBefore returns active auctions with EndTime <= deadline
func (r *SQLiteRepo) ListActiveAuctionsEndingBefore(ctx context.Context, deadline time.Time) ([]model.Auction, error) {
	return r.queryAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE status = ? AND end_time <= ? ORDER BY end_time ASC`,
		string(model.StatusActive), deadline.UnixNano())
}

// ListPendingAuctionsDue returns approved pending auctions whose StartTime <= now
func (r *SQLiteRepo) ListPendingAuctionsDue(ctx context.Context, now time.Time) ([]string, error) {
	return r.queryIDs(ctx, `SELECT auction_id FROM auctions WHERE status = ? AND approved = 1 AND start_time <= ? ORDER BY auction_id`,
		string(model.StatusPending), now.UnixNano())
}

func (r *SQLiteRepo) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query auctions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan auction id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate auctions", err)
	}
	return ids, nil
}

func (r *SQLiteRepo) queryAuctions(ctx context.Context, query string, args ...any) ([]model.Auction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query auctions", err)
	}
	defer rows.Close()

	var out []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, unavailable("scan auction", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate auctions", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (model.Auction, error) {
	var (
		a       model.Auction
		reserve sql.NullInt64
		winner  sql.NullString
		status  string
	)
	var start, end, createdAt, updatedAt int64
	err := row.Scan(&a.AuctionID, &a.SellerID, &a.Title, &a.BasePrice, &reserve, &a.CurrentBid,
		&start, &end, &status, &a.Approved, &winner, &a.HighestBidID, &a.HighestBidderID,
		&a.HighestBidderName, &a.BidCount, &a.BidderCount, &a.Version, &createdAt, &updatedAt)
	if err != nil {
		return model.Auction{}, err
	}
	if reserve.Valid {
		v := reserve.Int64
		a.ReservePrice = &v
	}
	if winner.Valid {
		v := winner.String
		a.WinnerID = &v
	}
	a.Status = model.AuctionStatus(status)
	if !a.Status.Valid() {
		return model.Auction{}, fmt.Errorf("auction %s has unknown status %q", a.AuctionID, status)
	}
	a.StartTime = time.Unix(0, start).UTC()
	a.EndTime = time.Unix(0, end).UTC()
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return a, nil
}

func auctionArgs(a model.Auction) []any {
	var reserve, winner any
	if a.ReservePrice != nil {
		reserve = *a.ReservePrice
	}
	if a.WinnerID != nil {
		winner = *a.WinnerID
	}
	return []any{
		a.AuctionID, a.SellerID, a.Title, a.BasePrice, reserve, a.CurrentBid,
		a.StartTime.UnixNano(), a.EndTime.UnixNano(), string(a.Status), a.Approved, winner,
		a.HighestBidID, a.HighestBidderID, a.HighestBidderName, a.BidCount, a.BidderCount,
		a.Version, a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	}
}

func updateAuction(ctx context.Context, tx *sql.Tx, a model.Auction, expectedVersion int64) error {
	args := auctionArgs(a)
	// drop auction_id from the SET list and append it to the WHERE clause
	res, err := tx.ExecContext(ctx, `UPDATE auctions SET
		seller_id = ?, title = ?, base_price = ?, reserve_price = ?, current_bid = ?,
		start_time = ?, end_time = ?, status = ?, approved = ?, winner_id = ?, highest_bid_id = ?,
		highest_bidder_id = ?, highest_bidder_name = ?, bid_count = ?, bidder_count = ?,
		version = ?, created_at = ?, updated_at = ?
		WHERE auction_id = ? AND version = ?`, append(args[1:], a.AuctionID, expectedVersion)...)
	if err != nil {
		return unavailable("update auction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update auction", err)
	}
	if n == 0 {
		return fmt.Errorf("update auction %s at version %d: %w", a.AuctionID, expectedVersion, biddingerrors.ErrVersionConflict)
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, biddingerrors.ErrStoreUnavailable, err)
}
