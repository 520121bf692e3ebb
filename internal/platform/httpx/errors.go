package httpx

import (
	"errors"
	"net/http"

	"github.com/almoner-erp/almoner-erp/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Domain packages wrap the shared taxonomy, so errors.Is walks the chain
// and the specific failure reason survives in the detail field.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrInvalidState):
		Problem(w, http.StatusUnprocessableEntity, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
