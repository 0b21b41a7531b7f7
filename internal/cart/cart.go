// Package cart holds a session's pending selections. A cart belongs to
// exactly one session and is never shared or persisted, so it needs no
// synchronization of its own.
package cart

import "errors"

var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrEmptyCart       = errors.New("cart is empty")
)

type Line struct {
	ProductID int64
	Quantity  int
}

type Cart struct {
	lines []Line
}

func New() *Cart {
	return &Cart{}
}

// AddLine merges with an existing line for the same product, otherwise
// appends a new one.
func (c *Cart) AddLine(productID int64, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines[i].Quantity += quantity
			return nil
		}
	}
	c.lines = append(c.lines, Line{ProductID: productID, Quantity: quantity})
	return nil
}

// RemoveLine is a no-op if the product is not in the cart.
func (c *Cart) RemoveLine(productID int64) {
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			return
		}
	}
}

func (c *Cart) Clear() {
	c.lines = nil
}

func (c *Cart) Empty() bool {
	return len(c.lines) == 0
}

// Lines returns a copy so callers cannot mutate the cart behind its back.
func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Quantity(productID int64) int {
	for _, line := range c.lines {
		if line.ProductID == productID {
			return line.Quantity
		}
	}
	return 0
}
