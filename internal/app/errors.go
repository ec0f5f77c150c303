package app

import (
	"errors"
	"net/http"

	"quiver/api/internal/content"
)

// mapServiceError translates service errors into an HTTP status, stable code
// and client-safe details. Conflict responses carry the identifiers clients
// need to recover without another round trip.
func mapServiceError(err error) (status int, code, message string, details any) {
	var branchConflict *content.BranchConflictError
	if errors.As(err, &branchConflict) {
		return http.StatusConflict, "BRANCH_CONFLICT", "A live branch of this type already exists", map[string]any{
			"staticId":         branchConflict.StaticID,
			"existingBranchId": branchConflict.ExistingBranchID,
		}
	}

	var mergeConflict *content.MergeConflictError
	if errors.As(err, &mergeConflict) {
		return http.StatusConflict, "MERGE_CONFLICT", "The published version changed since this branch was created", map[string]any{
			"branchId":     mergeConflict.BranchID,
			"baseId":       mergeConflict.BaseID,
			"currentTipId": mergeConflict.CurrentTipID,
		}
	}

	switch {
	case errors.Is(err, content.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil
	case errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, content.ErrAlreadyResolved):
		return http.StatusConflict, "ALREADY_RESOLVED", "This branch or object has already been resolved", nil
	case errors.Is(err, content.ErrWriteConflict):
		return http.StatusConflict, "WRITE_CONFLICT", "A concurrent write superseded this one, retry against the latest version", nil
	case errors.Is(err, content.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Internal server error", nil
	}
}
