package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/formscout/controlplane/internal/apierrors"
	"github.com/formscout/controlplane/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code apierrors.Code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"message": message,
		"code":    string(code),
	})
}

// writeErrFromClassified maps a taxonomy error to the HTTP status
// spec.md's error handling section assigns it: budget/access failures
// are 402/403, a missing row is 404, any other classified error is a 422
// with its own code, and everything else is a 500 with the UNKNOWN code.
func writeErrFromClassified(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, apierrors.CodeUnknown, "not found")
		return
	}
	var budgetErr *apierrors.BudgetExceeded
	if errors.As(err, &budgetErr) {
		writeError(w, http.StatusPaymentRequired, budgetErr.Code(), budgetErr.Error())
		return
	}
	var accessErr *apierrors.AccessDenied
	if errors.As(err, &accessErr) {
		writeError(w, http.StatusForbidden, accessErr.Code(), accessErr.Error())
		return
	}
	var classified apierrors.Classified
	if errors.As(err, &classified) {
		writeError(w, http.StatusUnprocessableEntity, classified.Code(), classified.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, apierrors.CodeUnknown, err.Error())
}
