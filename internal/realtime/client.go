package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnidesk/omnidesk/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds per-client queued frames. A client that cannot keep
	// up gets disconnected rather than stalling the broadcast path.
	sendBuffer = 64
)

// Client is one WebSocket connection. userID and displayName are empty until
// authentication; the hub writes them under its lock because unregister and
// snapshot code read them from other goroutines.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	send      chan protocol.EventFrame
	closeOnce sync.Once
	done      chan struct{}

	userID      string
	displayName string
}

func newClient(id string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan protocol.EventFrame, sendBuffer),
		done: make(chan struct{}),
	}
}

// SendEvent queues a frame for delivery. Frames to a full buffer are dropped
// with a warning; the client is presumed wedged and will fall off on ping.
func (c *Client) SendEvent(event protocol.EventFrame) {
	select {
	case <-c.done:
	case c.send <- event:
	default:
		slog.Warn("client send buffer full, dropping frame",
			"client", c.id, "event", event.Event)
	}
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// run drives both pumps until the connection dies.
func (c *Client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}

		var cmd protocol.CommandFrame
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Warn("malformed command frame", "client", c.id, "error", err)
			continue
		}
		c.handleCommand(ctx, cmd)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand dispatches one client command. Commands before authenticate
// are ignored except authenticate itself.
func (c *Client) handleCommand(ctx context.Context, cmd protocol.CommandFrame) {
	if cmd.Command == protocol.CmdAuthenticate {
		if cmd.UserID == "" {
			slog.Warn("authenticate without user id", "client", c.id)
			return
		}
		displayName := cmd.DisplayName
		if displayName == "" {
			displayName = cmd.UserID
		}
		// Identity is stored by the hub under its lock; unregister and the
		// presence snapshot read these fields from other goroutines.
		c.hub.handleAuthenticated(c, cmd.UserID, displayName)
		return
	}

	if c.userID == "" {
		slog.Debug("command before authenticate ignored",
			"client", c.id, "command", cmd.Command)
		return
	}

	switch cmd.Command {
	case protocol.CmdPresenceUpdate:
		status := cmd.Status
		if status == "" {
			status = "online"
		}
		c.hub.UpdatePresence(c.userID, status, c.displayName)
	case protocol.CmdTypingStart:
		if cmd.ConversationID != "" {
			c.hub.StartTyping(cmd.ConversationID, c.userID, c.displayName)
		}
	case protocol.CmdTypingStop:
		if cmd.ConversationID != "" {
			c.hub.StopTyping(cmd.ConversationID, c.userID)
		}
	case protocol.CmdMessageDelivered:
		if cmd.MessageID != "" {
			c.hub.MarkDelivered(ctx, cmd.MessageID, c.userID)
		}
	case protocol.CmdMessageRead:
		if cmd.MessageID != "" {
			c.hub.MarkRead(ctx, cmd.MessageID, c.userID)
		}
	default:
		slog.Debug("unknown command", "client", c.id, "command", cmd.Command)
	}
}
