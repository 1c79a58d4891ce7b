// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var stock *shared.InsufficientStockError
	switch {
	case errors.As(err, &stock):
		ProblemWith(w, http.StatusConflict, "Insufficient Stock", err.Error(), stock.Shortfalls)
	case errors.Is(err, shared.ErrStaleVersion):
		Problem(w, http.StatusConflict, "Stale Version", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusUnprocessableEntity, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrPriceListNotFound):
		Problem(w, http.StatusNotFound, "Price List Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidToken):
		Problem(w, http.StatusConflict, "Invalid Reservation Token", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
