// README: Booking handlers for create, read and every negotiation step.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chauffeur/internal/modules/booking"
	"chauffeur/internal/types"
)

type BookingHandler struct {
	booking *booking.Service
}

func NewBookingHandler(svc *booking.Service) *BookingHandler {
	return &BookingHandler{booking: svc}
}

type createBookingReq struct {
	PassengerID     string      `json:"passenger_id"`
	Pickup          types.Point `json:"pickup"`
	Dropoff         types.Point `json:"dropoff"`
	PickupAt        time.Time   `json:"pickup_at"`
	VehicleCategory string      `json:"vehicle_category"`
}

type assignReq struct {
	DriverID string `json:"driver_id"`
}

type offerReq struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	DriverID string `json:"driver_id"`
}

type acceptDirectlyReq struct {
	Amount   *int64 `json:"amount"`
	Currency string `json:"currency"`
}

type reasonReq struct {
	Reason string `json:"reason"`
}

type projectionView struct {
	BookingID       types.ID                `json:"booking_id"`
	Role            booking.Role            `json:"role"`
	Status          booking.Status          `json:"status"`
	RequiredStep    booking.Step            `json:"required_step"`
	Headline        string                  `json:"headline"`
	PassengerStatus booking.PassengerStatus `json:"passenger_status"`
	DriverStatus    booking.DriverStatus    `json:"driver_status"`
	PaymentStatus   booking.PaymentStatus   `json:"payment_status"`
	EstimatedPrice  types.Money             `json:"estimated_price"`
	OfferedPrice    *types.Money            `json:"offered_price,omitempty"`
	FinalPrice      *types.Money            `json:"final_price,omitempty"`
	Deadline        *time.Time              `json:"deadline,omitempty"`
	DeadlineKind    booking.DeadlineKind    `json:"deadline_kind,omitempty"`
	Version         int                     `json:"version"`
	Terminal        bool                    `json:"terminal"`
}

type bookingView struct {
	ID              types.ID       `json:"id"`
	PassengerID     types.ID       `json:"passenger_id"`
	DriverID        *types.ID      `json:"driver_id,omitempty"`
	Pickup          types.Point    `json:"pickup"`
	Dropoff         types.Point    `json:"dropoff"`
	PickupAt        time.Time      `json:"pickup_at"`
	VehicleCategory string         `json:"vehicle_category"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Projection      projectionView `json:"projection"`
}

type timelineView struct {
	ID        int64          `json:"id"`
	Code      booking.Code   `json:"code"`
	Label     string         `json:"label"`
	ActorRole booking.Role   `json:"actor_role"`
	ActorID   *types.ID      `json:"actor_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func toProjectionView(p booking.Projection) projectionView {
	return projectionView{
		BookingID:       p.BookingID,
		Role:            p.Role,
		Status:          p.Status,
		RequiredStep:    p.RequiredStep,
		Headline:        p.Headline,
		PassengerStatus: p.PassengerStatus,
		DriverStatus:    p.DriverStatus,
		PaymentStatus:   p.PaymentStatus,
		EstimatedPrice:  p.EstimatedPrice,
		OfferedPrice:    p.OfferedPrice,
		FinalPrice:      p.FinalPrice,
		Deadline:        p.Deadline,
		DeadlineKind:    p.DeadlineKind,
		Version:         p.Version,
		Terminal:        p.Terminal,
	}
}

func toBookingView(b *booking.Booking, actor booking.Actor) bookingView {
	return bookingView{
		ID:              b.ID,
		PassengerID:     b.PassengerID,
		DriverID:        b.DriverID,
		Pickup:          b.Pickup,
		Dropoff:         b.Dropoff,
		PickupAt:        b.PickupAt,
		VehicleCategory: b.VehicleCategory,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		Projection:      toProjectionView(booking.Project(b, actor)),
	}
}

func (h *BookingHandler) Create(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	if actor.Role != booking.RolePassenger {
		writeError(c, http.StatusForbidden, "only passengers can request bookings")
		return
	}
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: "validation_error", Field: "body", Reason: "invalid json"})
		return
	}
	if req.PassengerID != "" && types.ID(req.PassengerID) != actor.ID {
		writeError(c, http.StatusForbidden, "passenger_id does not match caller")
		return
	}
	b, err := h.booking.Create(c.Request.Context(), booking.CreateCommand{
		PassengerID:     actor.ID,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		PickupAt:        req.PickupAt,
		VehicleCategory: req.VehicleCategory,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toBookingView(b, actor))
}

func (h *BookingHandler) Get(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	b, ok := h.load(c, actor)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, toBookingView(b, actor))
}

func (h *BookingHandler) Timeline(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	b, ok := h.load(c, actor)
	if !ok {
		return
	}
	entries, err := h.booking.Timeline(c.Request.Context(), b.ID)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	out := make([]timelineView, 0, len(entries))
	for _, e := range entries {
		out = append(out, timelineView{
			ID:        e.ID,
			Code:      e.Code,
			Label:     e.Label,
			ActorRole: e.ActorRole,
			ActorID:   e.ActorID,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, map[string]any{"booking_id": b.ID, "entries": out})
}

func (h *BookingHandler) Assign(c *gin.Context) {
	var req assignReq
	h.transition(c, &req, func(actor booking.Actor, id types.ID) (*booking.Booking, error) {
		return h.booking.AssignDriver(c.Request.Context(), booking.AssignDriverCommand{
			BookingID: id,
			Actor:     actor,
			DriverID:  types.ID(req.DriverID),
		})
	})
}

func (h *BookingHandler) Offer(c *gin.Context) {
	var req offerReq
	h.transition(c, &req, func(actor booking.Actor, id types.ID) (*booking.Booking, error) {
		return h.booking.SendOffer(c.Request.Context(), booking.SendOfferCommand{
			BookingID: id,
			Actor:     actor,
			Price:     types.Money{Amount: req.Amount, Currency: req.Currency},
			DriverID:  types.ID(req.DriverID),
		})
	})
}

func (h *BookingHandler) Accept(c *gin.Context) {
	h.transition(c, nil, func(actor booking.Actor, id types.ID) (*booking.Booking, error) {
		return h.booking.AcceptOffer(c.Request.Context(), booking.ActorCommand{BookingID: id, Actor: actor})
	})
}

func (h *BookingHandler) Decline(c *gin.Context) {
	var req reasonReq
	h.transition(c, &req, func(actor booking.Actor, id types.ID) (*booking.Booking, error) {
		return h.booking.DeclineOffer(c.Request.Context(), booking.ActorCommand{BookingID: id, Actor: actor, Reason: req.Reason})
	})
}

func (h *BookingHandler) DeclineRequest(c *gin.Context) {
	var req reasonReq
	h.transition(c, &req, func(actor booking.Actor, id types.ID) (*booking.Booking, error) {
		return h.booking.DeclineRequest(c.Request.Context(), booking.ActorCommand{BookingID: id, Actor: actor, Reason: req.Reason})
	})
}

func (h *BookingHandler) AcceptDirectly(c *gin.Context) {
	var req acceptDirectlyReq
	h.transition(c, &req, func(actor booking.Actor, id types.ID) (*booking.Booking, error) {
		cmd := booking.AcceptDirectlyCommand{BookingID: id, Actor: actor}
		if req.Amount != nil {
			cmd.Price = &types.Money{Amount: *req.Amount, Currency: req.Currency}
		}
		return h.booking.AcceptDirectly(c.Request.Context(), cmd)
	})
}

func (h *BookingHandler) PaymentSent(c *gin.Context) {
	h.transition(c, nil, func(actor booking.Actor, id types.ID) (*booking.Booking, error) {
		return h.booking.ConfirmPaymentSent(c.Request.Context(), booking.ActorCommand{BookingID: id, Actor: actor})
	})
}

func (h *BookingHandler) PaymentReceived(c *gin.Context) {
	h.transition(c, nil, func(actor booking.Actor, id types.ID) (*booking.Booking, error) {
		return h.booking.ConfirmPaymentReceived(c.Request.Context(), booking.ActorCommand{BookingID: id, Actor: actor})
	})
}

// transition resolves the caller, decodes an optional body into req and runs fn.
// Party checks happen in the engine so every transport gets the same answer.
func (h *BookingHandler) transition(c *gin.Context, req any, fn func(actor booking.Actor, id types.ID) (*booking.Booking, error)) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id := types.ID(c.Param("id"))
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing booking id")
		return
	}
	if req != nil && !bindOptional(c, req) {
		return
	}
	b, err := fn(actor, id)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingView(b, actor))
}

func (h *BookingHandler) load(c *gin.Context, actor booking.Actor) (*booking.Booking, bool) {
	b, err := h.booking.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeBookingError(c, err)
		return nil, false
	}
	if !canView(actor, b) {
		writeError(c, http.StatusForbidden, "booking belongs to another passenger")
		return nil, false
	}
	return b, true
}
