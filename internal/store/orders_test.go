package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/safar/go-marketplace/internal/authz"
	"github.com/safar/go-marketplace/internal/cart"
	"github.com/safar/go-marketplace/internal/database"
	"github.com/safar/go-marketplace/internal/models"
	"github.com/shopspring/decimal"
)

func TestTransitionAllowed(t *testing.T) {
	allowed := [][2]string{
		{models.OrderStatusProcessing, models.OrderStatusShipped},
		{models.OrderStatusProcessing, models.OrderStatusCancelled},
		{models.OrderStatusShipped, models.OrderStatusDelivered},
	}
	denied := [][2]string{
		{models.OrderStatusProcessing, models.OrderStatusDelivered},
		{models.OrderStatusShipped, models.OrderStatusCancelled},
		{models.OrderStatusShipped, models.OrderStatusProcessing},
		{models.OrderStatusDelivered, models.OrderStatusShipped},
		{models.OrderStatusDelivered, models.OrderStatusCancelled},
		{models.OrderStatusCancelled, models.OrderStatusProcessing},
		{models.OrderStatusProcessing, models.OrderStatusProcessing},
	}

	for _, pair := range allowed {
		if !transitionAllowed(pair[0], pair[1]) {
			t.Errorf("Expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	for _, pair := range denied {
		if transitionAllowed(pair[0], pair[1]) {
			t.Errorf("Expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
}

func TestCheckoutCommitsAtomically(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mustRegister(t, db, "buyer", models.RoleCustomer)

	product, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Gadget", Price: decimal.RequireFromString("10.00"), Stock: 5,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	c := cart.New()
	if err := c.AddLine(product.ID, 5); err != nil {
		t.Fatalf("Add line: %v", err)
	}

	order, err := Checkout(ctx, db, "buyer", c)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if order.ID == 0 {
		t.Error("Order ID should not be 0")
	}
	if order.Status != models.OrderStatusProcessing {
		t.Errorf("Expected status Processing, got %s", order.Status)
	}
	if len(order.Items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(order.Items))
	}
	if !order.Items[0].UnitPrice.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("Expected snapshot price 10.00, got %s", order.Items[0].UnitPrice)
	}
	if !order.Total().Equal(decimal.RequireFromString("50.00")) {
		t.Errorf("Expected total 50.00, got %s", order.Total())
	}

	after, err := GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if after.StockQuantity != 0 {
		t.Errorf("Expected stock 0, got %d", after.StockQuantity)
	}

	// The shelf is empty now; one more unit must be refused.
	c2 := cart.New()
	if err := c2.AddLine(product.ID, 1); err != nil {
		t.Fatalf("Add line: %v", err)
	}
	_, err = Checkout(ctx, db, "buyer", c2)
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Errorf("Expected insufficient stock, got: %v", err)
	}

	after, err = GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if after.StockQuantity != 0 {
		t.Errorf("Stock should remain 0, got %d", after.StockQuantity)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	mustRegister(t, db, "buyer", models.RoleCustomer)

	_, err := Checkout(context.Background(), db, "buyer", cart.New())
	if !errors.Is(err, cart.ErrEmptyCart) {
		t.Errorf("Expected empty cart error, got: %v", err)
	}
}

func TestCheckoutFailureLeavesNoTrace(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mustRegister(t, db, "buyer", models.RoleCustomer)

	plenty, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Plenty", Price: decimal.NewFromInt(1), Stock: 100,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}
	scarce, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Scarce", Price: decimal.NewFromInt(1), Stock: 1,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	// First line is satisfiable, second is not: nothing may persist.
	c := cart.New()
	if err := c.AddLine(plenty.ID, 10); err != nil {
		t.Fatalf("Add line: %v", err)
	}
	if err := c.AddLine(scarce.ID, 5); err != nil {
		t.Fatalf("Add line: %v", err)
	}

	_, err = Checkout(ctx, db, "buyer", c)
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected insufficient stock, got: %v", err)
	}

	for _, p := range []*models.Product{plenty, scarce} {
		after, err := GetProduct(ctx, db, p.ID)
		if err != nil {
			t.Fatalf("Get product: %v", err)
		}
		if after.StockQuantity != p.StockQuantity {
			t.Errorf("Stock of %s changed from %d to %d", p.Name, p.StockQuantity, after.StockQuantity)
		}
	}

	var orderCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&orderCount); err != nil {
		t.Fatalf("Count orders: %v", err)
	}
	if orderCount != 0 {
		t.Errorf("Expected no orders, got %d", orderCount)
	}

	var itemCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_items`).Scan(&itemCount); err != nil {
		t.Fatalf("Count order items: %v", err)
	}
	if itemCount != 0 {
		t.Errorf("Expected no order items, got %d", itemCount)
	}
}

func TestConcurrentCheckouts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mustRegister(t, db, "buyer", models.RoleCustomer)

	product, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Hotcake", Price: decimal.NewFromInt(2), Stock: 20,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	concurrency := 12
	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			c := cart.New()
			if err := c.AddLine(product.ID, 2); err != nil {
				results <- err
				return
			}
			_, err := Checkout(ctx, db, "buyer", c)
			results <- err
		}()
	}

	wg.Wait()
	close(results)

	successCount := 0
	insufficientStockCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, database.ErrInsufficientStock):
			insufficientStockCount++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if successCount != 10 {
		t.Errorf("Expected 10 successful checkouts, got %d", successCount)
	}
	if insufficientStockCount != 2 {
		t.Errorf("Expected 2 refusals, got %d", insufficientStockCount)
	}

	after, err := GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if after.StockQuantity != 0 {
		t.Errorf("Expected final stock 0, got %d", after.StockQuantity)
	}
}

func TestPriceSnapshotIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := mustRegister(t, db, "buyer", models.RoleCustomer)

	product, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Clock", Price: decimal.RequireFromString("10.00"), Stock: 5,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	c := cart.New()
	if err := c.AddLine(product.ID, 1); err != nil {
		t.Fatalf("Add line: %v", err)
	}
	order, err := Checkout(ctx, db, "buyer", c)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	// Editing the catalog afterwards must not rewrite order history.
	newPrice := decimal.RequireFromString("99.00")
	newName := "Antique Clock"
	if _, err := UpdateProduct(ctx, db, models.RoleSeller, product.ID, ProductChanges{Price: &newPrice, Name: &newName}); err != nil {
		t.Fatalf("Update product: %v", err)
	}

	fetched, err := GetOrder(ctx, db, buyer, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if !fetched.Items[0].UnitPrice.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("Snapshot price changed to %s", fetched.Items[0].UnitPrice)
	}
	if fetched.Items[0].ProductName != "Clock" {
		t.Errorf("Snapshot name changed to %q", fetched.Items[0].ProductName)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mustRegister(t, db, "buyer", models.RoleCustomer)

	product, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Box", Price: decimal.NewFromInt(3), Stock: 10,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	c := cart.New()
	if err := c.AddLine(product.ID, 4); err != nil {
		t.Fatalf("Add line: %v", err)
	}
	order, err := Checkout(ctx, db, "buyer", c)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	// Customers and sellers may not transition orders.
	for _, role := range []models.Role{models.RoleCustomer, models.RoleSeller} {
		_, err := UpdateOrderStatus(ctx, db, role, order.ID, models.OrderStatusShipped)
		if !errors.Is(err, authz.ErrForbidden) {
			t.Errorf("Expected forbidden for %s, got: %v", role, err)
		}
	}

	_, err = UpdateOrderStatus(ctx, db, models.RoleManager, order.ID, models.OrderStatusDelivered)
	if !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition, got: %v", err)
	}

	updated, err := UpdateOrderStatus(ctx, db, models.RoleManager, order.ID, models.OrderStatusShipped)
	if err != nil {
		t.Fatalf("Ship order: %v", err)
	}
	if updated.Status != models.OrderStatusShipped {
		t.Errorf("Expected Shipped, got %s", updated.Status)
	}

	updated, err = UpdateOrderStatus(ctx, db, models.RoleAdmin, order.ID, models.OrderStatusDelivered)
	if err != nil {
		t.Fatalf("Deliver order: %v", err)
	}
	if updated.Status != models.OrderStatusDelivered {
		t.Errorf("Expected Delivered, got %s", updated.Status)
	}

	_, err = UpdateOrderStatus(ctx, db, models.RoleManager, 99999, models.OrderStatusShipped)
	if !errors.Is(err, database.ErrOrderNotFound) {
		t.Errorf("Expected not found, got: %v", err)
	}
}

func TestCancellationRestoresStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mustRegister(t, db, "buyer", models.RoleCustomer)

	product, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Kettle", Price: decimal.NewFromInt(15), Stock: 8,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	c := cart.New()
	if err := c.AddLine(product.ID, 3); err != nil {
		t.Fatalf("Add line: %v", err)
	}
	order, err := Checkout(ctx, db, "buyer", c)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	after, err := GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if after.StockQuantity != 5 {
		t.Fatalf("Expected stock 5 after checkout, got %d", after.StockQuantity)
	}

	if _, err := UpdateOrderStatus(ctx, db, models.RoleManager, order.ID, models.OrderStatusCancelled); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	after, err = GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if after.StockQuantity != 8 {
		t.Errorf("Expected stock restored to 8, got %d", after.StockQuantity)
	}
}

func TestOrderVisibility(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := mustRegister(t, db, "buyer", models.RoleCustomer)
	other := mustRegister(t, db, "other", models.RoleCustomer)

	product, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Pen", Price: decimal.NewFromInt(1), Stock: 100,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	c := cart.New()
	if err := c.AddLine(product.ID, 1); err != nil {
		t.Fatalf("Add line: %v", err)
	}
	order, err := Checkout(ctx, db, "buyer", c)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if _, err := GetOrder(ctx, db, buyer, order.ID); err != nil {
		t.Errorf("Owner should read own order: %v", err)
	}

	if _, err := GetOrder(ctx, db, other, order.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("Expected forbidden for another customer, got: %v", err)
	}

	manager, err := GetAccount(ctx, db, "manager")
	if err != nil {
		t.Fatalf("Get seeded manager: %v", err)
	}
	if _, err := GetOrder(ctx, db, manager, order.ID); err != nil {
		t.Errorf("Manager should read any order: %v", err)
	}

	if _, err := ListAllOrders(ctx, db, models.RoleCustomer, "", 10); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("Expected forbidden for customer list-all, got: %v", err)
	}
}

func TestListOrdersCursorPagination(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mustRegister(t, db, "buyer", models.RoleCustomer)

	product, err := CreateProduct(ctx, db, models.RoleSeller, ProductSpec{
		Name: "Sticker", Price: decimal.NewFromInt(1), Stock: 100,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	for i := 0; i < 15; i++ {
		c := cart.New()
		if err := c.AddLine(product.ID, 1); err != nil {
			t.Fatalf("Add line: %v", err)
		}
		if _, err := Checkout(ctx, db, "buyer", c); err != nil {
			t.Fatalf("Checkout %d: %v", i, err)
		}
	}

	page1, err := ListOrdersForAccount(ctx, db, "buyer", "", 10)
	if err != nil {
		t.Fatalf("List orders page 1: %v", err)
	}
	if !page1.HasMore {
		t.Error("Page 1 should have more results")
	}
	if page1.NextCursor == "" {
		t.Error("Page 1 should have a next cursor")
	}

	page2, err := ListOrdersForAccount(ctx, db, "buyer", page1.NextCursor, 10)
	if err != nil {
		t.Fatalf("List orders page 2: %v", err)
	}
	if page2.HasMore {
		t.Error("Page 2 should not have more results")
	}
	if got := len(page2.Items.([]models.Order)); got != 5 {
		t.Errorf("Expected 5 orders on page 2, got %d", got)
	}
}
