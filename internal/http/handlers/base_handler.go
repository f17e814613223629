// README: Shared handler utilities: JSON responses and domain error mapping.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps the shared error taxonomy onto HTTP status codes.
// Reason strings travel to the client unchanged; anything unclassified
// stays a 500 without leaking internals.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

type pointView struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type moneyView struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}
