// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chauffeur/internal/http/middleware"
	"chauffeur/internal/modules/booking"
	"chauffeur/internal/types"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeBookingError is the single mapping from engine errors to HTTP.
func writeBookingError(c *gin.Context, err error) {
	var verr *booking.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: "validation_error", Field: verr.Field, Reason: verr.Reason})
	case errors.Is(err, booking.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, booking.ErrVersionConflict):
		writeJSON(c, http.StatusConflict, errorResponse{Error: "version_conflict", Message: err.Error()})
	case errors.Is(err, booking.ErrInvalidTransition):
		writeJSON(c, http.StatusConflict, errorResponse{Error: "invalid_transition", Message: err.Error()})
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// caller resolves the authenticated actor. System is never a caller role.
func caller(c *gin.Context) (booking.Actor, bool) {
	role := booking.Role(middleware.CallerRole(c))
	uid := middleware.CallerUID(c)
	if !role.Valid() || role == booking.RoleSystem || uid == "" {
		writeError(c, http.StatusForbidden, "unsupported caller role")
		return booking.Actor{}, false
	}
	return booking.Actor{Role: role, ID: types.ID(uid)}, true
}

// canView reports whether actor may read b. Drivers and dispatchers see the
// open board; passengers only their own bookings.
func canView(actor booking.Actor, b *booking.Booking) bool {
	if actor.Role == booking.RolePassenger {
		return b.PassengerID == actor.ID
	}
	return true
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: "validation_error", Field: "body", Reason: "invalid json"})
		return false
	}
	return true
}
