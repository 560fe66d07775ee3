// README: API gateway; owns the handler dependencies and the gin engine.
package http

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"chauffeur/internal/infra"
	"chauffeur/internal/logging"
	"chauffeur/internal/modules/booking"
	"chauffeur/internal/modules/notify"
)

type ServerDeps struct {
	Booking  *booking.Service
	Feed     *notify.Feed
	Verifier infra.TokenVerifier
	Logger   *slog.Logger
}

type Server struct {
	booking  *booking.Service
	feed     *notify.Feed
	verifier infra.TokenVerifier
	log      *slog.Logger
}

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		booking:  deps.Booking,
		feed:     deps.Feed,
		verifier: deps.Verifier,
		log:      deps.Logger,
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.feed == nil {
		s.feed = notify.NewFeed(0)
	}
	return s
}

func (s *Server) Routes() *gin.Engine {
	return NewRouter(s.booking, s.feed, s.verifier, s.log)
}
