package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-marketplace/internal/database"
	"github.com/safar/go-marketplace/internal/models"
	"github.com/shopspring/decimal"
)

// PlaceBid accepts a bid only if it strictly exceeds the current bid; an
// equal amount is rejected. The product row lock is the same one checkout
// takes, so a product cannot be bid on and stock-adjusted inconsistently.
func PlaceBid(ctx context.Context, db *sql.DB, bidder string, productID int64, amount decimal.Decimal) (*models.AuctionState, error) {
	state := &models.AuctionState{ProductID: productID}

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var (
			isAuction  bool
			currentBid *decimal.Decimal
		)
		err := tx.QueryRowContext(ctx,
			`SELECT is_auction, current_bid
			 FROM products
			 WHERE id = $1
			 FOR UPDATE`,
			productID).Scan(&isAuction, &currentBid)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}

		if !isAuction || currentBid == nil {
			return database.ErrNotAuctionItem
		}

		if !amount.GreaterThan(*currentBid) {
			return fmt.Errorf("%w: bid %s, current %s", database.ErrBidTooLow, amount, *currentBid)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE products
			 SET current_bid = $2, leading_bidder = $3, updated_at = NOW(), version = version + 1
			 WHERE id = $1`,
			productID, amount, bidder)
		if err != nil {
			return fmt.Errorf("record bid: %w", err)
		}

		state.CurrentBid = amount
		state.LeadingBidder = bidder
		return nil
	})
	if err != nil {
		return nil, database.WrapTimeout(err)
	}

	return state, nil
}

func GetAuctionState(ctx context.Context, db *sql.DB, productID int64) (*models.AuctionState, error) {
	var (
		isAuction  bool
		currentBid *decimal.Decimal
		bidder     *string
	)

	err := db.QueryRowContext(ctx,
		`SELECT is_auction, current_bid, leading_bidder
		 FROM products
		 WHERE id = $1`,
		productID).Scan(&isAuction, &currentBid, &bidder)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get auction state: %w", err)
	}

	if !isAuction || currentBid == nil {
		return nil, database.ErrNotAuctionItem
	}

	state := &models.AuctionState{
		ProductID:  productID,
		CurrentBid: *currentBid,
	}
	if bidder != nil {
		state.LeadingBidder = *bidder
	}

	return state, nil
}
