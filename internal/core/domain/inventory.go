package domain

import "github.com/shopspring/decimal"

// Inventory maps product id to the units currently on the shelves.
type Inventory map[string]int

func (inv Inventory) Clone() Inventory {
	out := make(Inventory, len(inv))
	for id, qty := range inv {
		out[id] = qty
	}
	return out
}

func (inv Inventory) Units() int {
	total := 0
	for _, qty := range inv {
		total += qty
	}
	return total
}

type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Capacity int // max stock, 0 falls back to the configured reference capacity
}
