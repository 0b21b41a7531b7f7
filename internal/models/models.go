package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleSeller   Role = "seller"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleSeller, RoleCustomer:
		return true
	}
	return false
}

// Protected reports whether accounts with this role may never be deleted.
func (r Role) Protected() bool {
	return r == RoleAdmin || r == RoleManager
}

type Account struct {
	Username    string    `json:"username"`
	Secret      string    `json:"-"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type Product struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	Category      string           `json:"category"`
	Description   string           `json:"description,omitempty"`
	Price         decimal.Decimal  `json:"price"`
	StockQuantity int              `json:"stock_quantity"`
	IsAuction     bool             `json:"is_auction"`
	CurrentBid    *decimal.Decimal `json:"current_bid,omitempty"`
	LeadingBidder *string          `json:"leading_bidder,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Version       int              `json:"version"`
}

type Order struct {
	ID        int64       `json:"id"`
	Username  string      `json:"username"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	Items     []OrderItem `json:"items,omitempty"`
}

// Total is derived from the item snapshots and never stored.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// OrderItem freezes product name and unit price at commit time, so later
// catalog edits do not alter order history.
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

const (
	OrderStatusProcessing = "Processing"
	OrderStatusShipped    = "Shipped"
	OrderStatusDelivered  = "Delivered"
	OrderStatusCancelled  = "Cancelled"
)

type AuctionState struct {
	ProductID     int64           `json:"product_id"`
	CurrentBid    decimal.Decimal `json:"current_bid"`
	LeadingBidder string          `json:"leading_bidder,omitempty"`
}
