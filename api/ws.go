package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kilianp07/ambulance/core/fanout"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// FrameResync tells a client its subscription was dropped and that it must
// resubscribe to receive a fresh snapshot.
const FrameResync = "resync"

// controlFrame is sent for subscription level conditions.
type controlFrame struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Reason string `json:"reason,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribe streams a topic over a websocket: the snapshot first, then live
// events in commit order.
func (s *Server) subscribe(topicOf func(id string) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		topic := topicOf(c.Param("id"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Subscribing before the upgrade lets unknown topics fail with a
		// plain HTTP error.
		sub, err := s.deps.Hub.Subscribe(ctx, topic)
		if err != nil {
			if _, _, perr := fanout.ParseTopic(topic); perr != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, envelope{Error: &errorBody{Code: "validation_error", Message: err.Error()}})
				return
			}
			fail(c, err)
			return
		}
		defer sub.Unsubscribe()

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.log.Warnf("subscribe %s: upgrade: %v", topic, err)
			return
		}
		defer conn.Close()
		s.log.Debugf("subscribe %s: client %s connected", topic, c.ClientIP())

		go s.readPump(conn, cancel)
		s.writePump(ctx, conn, sub)
	}
}

// readPump discards client frames and keeps the read deadline moving with
// pongs. It cancels the subscription when the client goes away.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	pongWait := s.cfg.PingInterval * 10 / 9
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sub *fanout.Subscription) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				s.endStream(conn, sub)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debugf("subscribe %s: write: %v", sub.Topic(), err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// endStream tells the client why the hub ended its subscription.
func (s *Server) endStream(conn *websocket.Conn, sub *fanout.Subscription) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	code, reason := websocket.CloseNormalClosure, ""
	switch err := sub.Err(); {
	case errors.Is(err, fanout.ErrSlowConsumer):
		s.log.Warnf("subscribe %s: client too slow, asking for resync", sub.Topic())
		_ = conn.WriteJSON(controlFrame{Type: FrameResync, Topic: sub.Topic(), Reason: err.Error()})
		code, reason = websocket.CloseTryAgainLater, FrameResync
	case errors.Is(err, fanout.ErrClosed):
		code, reason = websocket.CloseGoingAway, "shutting down"
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
