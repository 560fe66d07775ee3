// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chauffeur/internal/http/handlers"
	"chauffeur/internal/http/middleware"
	"chauffeur/internal/infra"
	"chauffeur/internal/modules/booking"
	"chauffeur/internal/modules/notify"
)

func NewRouter(
	bookingService *booking.Service,
	feed *notify.Feed,
	verifier infra.TokenVerifier,
	log *slog.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(verifier))

	bookingHandler := handlers.NewBookingHandler(bookingService)
	api.POST("/bookings", bookingHandler.Create)
	api.GET("/bookings/:id", bookingHandler.Get)
	api.GET("/bookings/:id/timeline", bookingHandler.Timeline)
	api.POST("/bookings/:id/assign", bookingHandler.Assign)
	api.POST("/bookings/:id/offer", bookingHandler.Offer)
	api.POST("/bookings/:id/accept", bookingHandler.Accept)
	api.POST("/bookings/:id/decline", bookingHandler.Decline)
	api.POST("/bookings/:id/decline-request", bookingHandler.DeclineRequest)
	api.POST("/bookings/:id/accept-directly", bookingHandler.AcceptDirectly)
	api.POST("/bookings/:id/payment/sent", bookingHandler.PaymentSent)
	api.POST("/bookings/:id/payment/received", bookingHandler.PaymentReceived)

	feedHandler := handlers.NewFeedHandler(bookingService, feed, log)
	api.GET("/bookings/:id/feed", feedHandler.Stream)

	return r
}
