package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/safar/go-marketplace/internal/authz"
	"github.com/safar/go-marketplace/internal/cart"
	"github.com/safar/go-marketplace/internal/database"
	"github.com/safar/go-marketplace/internal/models"
	"github.com/shopspring/decimal"
)

// Checkout converts the cart into a persisted order in a single
// transaction: every product row is locked in ascending id order, stock is
// verified and decremented, and one item snapshot is written per line.
// Either all of it commits or none of it does.
func Checkout(ctx context.Context, db *sql.DB, username string, c *cart.Cart) (*models.Order, error) {
	if c.Empty() {
		return nil, cart.ErrEmptyCart
	}

	lines := c.Lines()
	// Fixed lock order across all checkouts prevents deadlock when
	// concurrent commits span overlapping product sets.
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM accounts WHERE username = $1)`,
			username).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check account exists: %w", err)
		}
		if !exists {
			return database.ErrAccountNotFound
		}

		type snapshot struct {
			name  string
			price decimal.Decimal
		}
		snapshots := make(map[int64]snapshot, len(lines))

		for _, line := range lines {
			var (
				name  string
				price decimal.Decimal
				stock int
			)
			err := tx.QueryRowContext(ctx,
				`SELECT name, price, stock_quantity
				 FROM products
				 WHERE id = $1
				 FOR UPDATE`,
				line.ProductID).Scan(&name, &price, &stock)
			if err != nil {
				if err == sql.ErrNoRows {
					return database.ErrProductNotFound
				}
				return fmt.Errorf("lock product %d: %w", line.ProductID, err)
			}

			if stock < line.Quantity {
				return database.ErrInsufficientStock
			}

			snapshots[line.ProductID] = snapshot{name: name, price: price}
		}

		order = &models.Order{
			Username: username,
			Status:   models.OrderStatusProcessing,
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (username, status, created_at)
			 VALUES ($1, $2, NOW())
			 RETURNING id, created_at`,
			username, models.OrderStatusProcessing).Scan(&order.ID, &order.CreatedAt)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, line := range lines {
			snap := snapshots[line.ProductID]

			item := models.OrderItem{
				OrderID:     order.ID,
				ProductID:   line.ProductID,
				ProductName: snap.name,
				Quantity:    line.Quantity,
				UnitPrice:   snap.price,
			}
			err = tx.QueryRowContext(ctx,
				`INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id`,
				item.OrderID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice,
			).Scan(&item.ID)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
			order.Items = append(order.Items, item)

			if err := decrementStock(ctx, tx, line.ProductID, line.Quantity); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, database.WrapTimeout(err)
	}

	return order, nil
}

// GetOrder returns the order with its item snapshots. Only the owning
// account, a manager or an admin may read it.
func GetOrder(ctx context.Context, db *sql.DB, actor *models.Account, id int64) (*models.Order, error) {
	order := &models.Order{}

	query := `
		SELECT id, username, status, created_at
		FROM orders
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.Username,
		&order.Status,
		&order.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if order.Username != actor.Username && !authz.Can(actor.Role, authz.ActionOrderListAll) {
		return nil, authz.ErrForbidden
	}

	itemsQuery := `
		SELECT id, order_id, product_id, product_name, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`

	rows, err := db.QueryContext(ctx, itemsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	order.Items = items

	return order, nil
}

var statusTransitions = map[string][]string{
	models.OrderStatusProcessing: {models.OrderStatusShipped, models.OrderStatusCancelled},
	models.OrderStatusShipped:    {models.OrderStatusDelivered},
}

func transitionAllowed(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateOrderStatus applies one of the allowed transitions. Cancelling an
// order returns the reserved quantities to the catalog in the same
// transaction.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, actorRole models.Role, orderID int64, newStatus string) (*models.Order, error) {
	if err := authz.Require(actorRole, authz.ActionOrderSetStatus); err != nil {
		return nil, err
	}

	order := &models.Order{}

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, username, status, created_at
			 FROM orders WHERE id = $1 FOR UPDATE`,
			orderID).Scan(&order.ID, &order.Username, &order.Status, &order.CreatedAt)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if !transitionAllowed(order.Status, newStatus) {
			return database.ErrInvalidTransition
		}

		if newStatus == models.OrderStatusCancelled {
			rows, err := tx.QueryContext(ctx,
				`SELECT product_id, quantity FROM order_items
				 WHERE order_id = $1
				 ORDER BY product_id`,
				orderID)
			if err != nil {
				return fmt.Errorf("load order items: %w", err)
			}

			type restock struct {
				productID int64
				quantity  int
			}
			var restocks []restock
			for rows.Next() {
				var r restock
				if err := rows.Scan(&r.productID, &r.quantity); err != nil {
					rows.Close()
					return fmt.Errorf("scan order item: %w", err)
				}
				restocks = append(restocks, r)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("rows error: %w", err)
			}
			rows.Close()

			for _, r := range restocks {
				if err := restoreStock(ctx, tx, r.productID, r.quantity); err != nil {
					return err
				}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $2 WHERE id = $1`,
			orderID, newStatus); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		order.Status = newStatus
		return nil
	})
	if err != nil {
		return nil, database.WrapTimeout(err)
	}

	return order, nil
}

func ListOrdersForAccount(ctx context.Context, db *sql.DB, username, cursor string, limit int) (*CursorPage, error) {
	query := `
		SELECT id, username, status, created_at
		FROM orders
		WHERE username = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	return listOrders(ctx, db, query, cursor, limit, username)
}

func ListAllOrders(ctx context.Context, db *sql.DB, actorRole models.Role, cursor string, limit int) (*CursorPage, error) {
	if err := authz.Require(actorRole, authz.ActionOrderListAll); err != nil {
		return nil, err
	}

	query := `
		SELECT id, username, status, created_at
		FROM orders
		WHERE (created_at, id) < ($1, $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	return listOrders(ctx, db, query, cursor, limit)
}

func listOrders(ctx context.Context, db *sql.DB, query, cursor string, limit int, extraArgs ...any) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	args := append(extraArgs, cursorData.CreatedAt, cursorData.ID, limit+1)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		err := rows.Scan(
			&order.ID,
			&order.Username,
			&order.Status,
			&order.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// CartSubtotal recomputes from live catalog prices, so pre-checkout edits
// are reflected. Prices freeze only at checkout via the item snapshots.
func CartSubtotal(ctx context.Context, db *sql.DB, c *cart.Cart) (decimal.Decimal, error) {
	subtotal := decimal.Zero

	for _, line := range c.Lines() {
		var price decimal.Decimal
		err := db.QueryRowContext(ctx,
			`SELECT price FROM products WHERE id = $1`,
			line.ProductID).Scan(&price)
		if err != nil {
			if err == sql.ErrNoRows {
				return decimal.Zero, database.ErrProductNotFound
			}
			return decimal.Zero, fmt.Errorf("get product price: %w", err)
		}
		subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	return subtotal, nil
}
