// README: Websocket live feed; streams a booking's notifications to one caller.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chauffeur/internal/logging"
	"chauffeur/internal/modules/booking"
	"chauffeur/internal/modules/notify"
	"chauffeur/internal/types"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

type FeedHandler struct {
	booking  *booking.Service
	feed     *notify.Feed
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewFeedHandler(svc *booking.Service, feed *notify.Feed, log *slog.Logger) *FeedHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &FeedHandler{
		booking: svc,
		feed:    feed,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// FeedMessage is one frame on the live feed. The first frame is a snapshot
// of the caller's projection; later frames carry notifications.
type FeedMessage struct {
	Type         string               `json:"type"`
	Projection   *projectionView      `json:"projection,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

func (h *FeedHandler) Stream(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	b, err := h.booking.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeBookingError(c, err)
		return
	}
	if !canView(actor, b) {
		writeError(c, http.StatusForbidden, "booking belongs to another passenger")
		return
	}

	// Subscribe before the snapshot so nothing committed in between is missed.
	sub := h.feed.Subscribe(b.ID, actor.Role)
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("feed upgrade failed", "booking_id", b.ID, "error", err)
		return
	}
	defer conn.Close()

	snapshot := toProjectionView(booking.Project(b, actor))
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	if err := conn.WriteJSON(FeedMessage{Type: "snapshot", Projection: &snapshot}); err != nil {
		return
	}

	closed := make(chan struct{})
	go readPump(conn, closed)

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()
	seen := make(map[types.ID]struct{})
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			if _, dup := seen[n.ID]; dup {
				continue
			}
			if n.RecipientID != "" && n.RecipientID != actor.ID {
				continue
			}
			seen[n.ID] = struct{}{}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(FeedMessage{Type: "notification", Notification: &n}); err != nil {
				h.log.Debug("feed write failed", "booking_id", b.ID, "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and
// signals closed when the peer goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
