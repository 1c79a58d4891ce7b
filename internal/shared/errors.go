package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates a call without a valid hub grant.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStaleVersion indicates an optimistic write lost a concurrent race.
	ErrStaleVersion = errors.New("stale version")
	// ErrInvalidTransition indicates a transition attempted from a non-adjacent state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPriceListNotFound indicates no price list entry covers the requested instant.
	ErrPriceListNotFound = errors.New("price list entry not found")
	// ErrInvalidToken indicates an unknown or already finalised reservation token.
	ErrInvalidToken = errors.New("invalid reservation token")
)

// ErrInsufficientStock lets callers match any InsufficientStockError via errors.Is.
var ErrInsufficientStock = errors.New("insufficient stock")

// Shortfall describes how many units of a product could not be covered.
type Shortfall struct {
	ProductID int64 `json:"product_id"`
	Requested int64 `json:"requested"`
	Available int64 `json:"available"`
	Shortfall int64 `json:"shortfall"`
}

// InsufficientStockError reports the exact shortfall per requested line.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	if len(e.Shortfalls) == 1 {
		s := e.Shortfalls[0]
		return fmt.Sprintf("insufficient stock: product %d short by %d", s.ProductID, s.Shortfall)
	}
	return fmt.Sprintf("insufficient stock on %d lines", len(e.Shortfalls))
}

// Is reports equivalence with the ErrInsufficientStock sentinel.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
