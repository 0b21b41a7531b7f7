package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-marketplace/internal/authz"
	"github.com/safar/go-marketplace/internal/database"
	"github.com/safar/go-marketplace/internal/models"
	"github.com/shopspring/decimal"
)

type ProductSpec struct {
	Name        string
	Category    string
	Description string
	Price       decimal.Decimal
	Stock       int
	IsAuction   bool
}

const productColumns = `id, name, category, description, price, stock_quantity,
	is_auction, current_bid, leading_bidder, created_at, updated_at, version`

func scanProduct(row interface{ Scan(...any) error }, p *models.Product) error {
	return row.Scan(
		&p.ID,
		&p.Name,
		&p.Category,
		&p.Description,
		&p.Price,
		&p.StockQuantity,
		&p.IsAuction,
		&p.CurrentBid,
		&p.LeadingBidder,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.Version,
	)
}

// CreateProduct assigns the next identifier. Auction items open with the
// listing price as the current bid; the first accepted bid must exceed it.
func CreateProduct(ctx context.Context, db *sql.DB, actorRole models.Role, spec ProductSpec) (*models.Product, error) {
	if err := authz.Require(actorRole, authz.ActionCatalogWrite); err != nil {
		return nil, err
	}
	if spec.Name == "" || spec.Price.IsNegative() || spec.Stock < 0 {
		return nil, database.ErrInvalidSpec
	}

	var currentBid *decimal.Decimal
	if spec.IsAuction {
		currentBid = &spec.Price
	}

	product := &models.Product{}

	query := `
		INSERT INTO products (name, category, description, price, stock_quantity,
			is_auction, current_bid, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	row := db.QueryRowContext(ctx, query,
		spec.Name, spec.Category, spec.Description, spec.Price, spec.Stock,
		spec.IsAuction, currentBid)
	if err := scanProduct(row, product); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	if err := scanProduct(db.QueryRowContext(ctx, query, id), product); err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

type ProductChanges struct {
	Name        *string
	Category    *string
	Description *string
	Price       *decimal.Decimal
	Stock       *int
}

func UpdateProduct(ctx context.Context, db *sql.DB, actorRole models.Role, id int64, changes ProductChanges) (*models.Product, error) {
	if err := authz.Require(actorRole, authz.ActionCatalogWrite); err != nil {
		return nil, err
	}
	if changes.Name != nil && *changes.Name == "" {
		return nil, database.ErrInvalidSpec
	}
	if changes.Price != nil && changes.Price.IsNegative() {
		return nil, database.ErrInvalidSpec
	}
	if changes.Stock != nil && *changes.Stock < 0 {
		return nil, database.ErrInvalidSpec
	}

	product := &models.Product{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`
		if err := scanProduct(tx.QueryRowContext(ctx, query, id), product); err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}

		if changes.Name != nil {
			product.Name = *changes.Name
		}
		if changes.Category != nil {
			product.Category = *changes.Category
		}
		if changes.Description != nil {
			product.Description = *changes.Description
		}
		if changes.Price != nil {
			product.Price = *changes.Price
		}
		if changes.Stock != nil {
			product.StockQuantity = *changes.Stock
		}

		err := tx.QueryRowContext(ctx,
			`UPDATE products
			 SET name = $2, category = $3, description = $4, price = $5,
			     stock_quantity = $6, updated_at = NOW(), version = version + 1
			 WHERE id = $1
			 RETURNING updated_at, version`,
			id, product.Name, product.Category, product.Description,
			product.Price, product.StockQuantity,
		).Scan(&product.UpdatedAt, &product.Version)
		if err != nil {
			return fmt.Errorf("update product: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return product, nil
}

// DeleteProduct refuses to delete a product that any order item still
// references, so order history never points at a missing product. The
// foreign key on order_items backs this up at the database level.
func DeleteProduct(ctx context.Context, db *sql.DB, actorRole models.Role, id int64) error {
	if err := authz.Require(actorRole, authz.ActionCatalogWrite); err != nil {
		return err
	}

	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var referenced bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM order_items WHERE product_id = $1)`,
			id).Scan(&referenced)
		if err != nil {
			return fmt.Errorf("check order references: %w", err)
		}
		if referenced {
			return database.ErrReferencedByOrder
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
		if err != nil {
			if database.IsForeignKeyViolation(err) {
				return database.ErrReferencedByOrder
			}
			return fmt.Errorf("delete product: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return database.ErrProductNotFound
		}

		return nil
	})
}

type ProductFilter struct {
	Category    string
	AuctionOnly bool
}

func ListProducts(ctx context.Context, db *sql.DB, filter ProductFilter, page, pageSize int) (*OffsetPage, error) {
	where := `WHERE ($1 = '' OR category = $1) AND (NOT $2 OR is_auction)`

	var total int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products `+where,
		filter.Category, filter.AuctionOnly).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `SELECT ` + productColumns + `
		FROM products ` + where + `
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := db.QueryContext(ctx, query, filter.Category, filter.AuctionOnly, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var product models.Product
		if err := scanProduct(rows, &product); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(products, total, page, pageSize), nil
}

// decrementStock is called only inside the checkout transaction. The
// conditional update keeps stock from ever going negative.
func decrementStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

func restoreStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity + $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}
	return nil
}
