package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// UserHeader carries the caller's user id, set by the fronting proxy.
const UserHeader = "X-User-ID"

const userGroupPrefix = "user:"

// A listener that stops answering pings within pongTimeout is dropped.
// Idle listeners that only read are kept alive by the pings alone.
const (
	defaultPingInterval = 30 * time.Second
	pongTimeout         = 10 * time.Second
)

// UserGroup is the group a user's live sessions join to receive
// notification pushes. Only that user may join it.
func UserGroup(userID string) string { return userGroupPrefix + userID }

func mayJoin(user, group string) bool {
	if !strings.HasPrefix(group, userGroupPrefix) {
		return true
	}
	return user != "" && group == UserGroup(user)
}

type clientMessage struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
}

// HandleWS upgrades the request to a websocket and serves it as a
// listener until the client goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(UserHeader)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // reverse proxy terminates origin checks
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "err", err)
		return
	}

	c := h.Connect()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, _ := json.Marshal(Message{Type: "connected", ConnectionID: c.ID})
	if err := ws.Write(ctx, websocket.MessageText, hello); err != nil {
		h.Disconnect(c.ID)
		ws.Close(websocket.StatusInternalError, "write failed")
		return
	}

	// Optional subscription on connect, e.g. /api/v1/ws?correlation_id=<job id>
	if id := r.URL.Query().Get("correlation_id"); id != "" {
		h.join(c, user, id)
	}

	go h.pingLoop(ctx, ws)
	go h.writePump(ctx, ws, c)
	h.readPump(ctx, ws, c, user)
}

// join subscribes c unless the group is another user's private group.
func (h *Hub) join(c *Conn, user, group string) error {
	if !mayJoin(user, group) {
		h.log.Warn("websocket subscribe denied", "conn", c.ID, "user", user, "group", group)
		h.reply(c, "denied")
		return nil
	}
	return h.Subscribe(c.ID, group)
}

func (h *Hub) reply(c *Conn, typ string) {
	data, _ := json.Marshal(Message{Type: typ, ConnectionID: c.ID})
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) readPump(ctx context.Context, ws *websocket.Conn, c *Conn, user string) {
	defer func() {
		h.Disconnect(c.ID)
		ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			if msg.CorrelationID == "" {
				continue
			}
			if err := h.join(c, user, msg.CorrelationID); err != nil {
				return
			}
		case "unsubscribe":
			h.Unsubscribe(c.ID)
		case "ping":
			h.reply(c, "pong")
		}
	}
}

func (h *Hub) writePump(ctx context.Context, ws *websocket.Conn, c *Conn) {
	for data := range c.C {
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				// Unblocks readPump, which disconnects the listener.
				ws.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}
