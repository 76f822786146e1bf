package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codebattle-sync/internal/battle"
	"github.com/codebattle-sync/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Editor content travels in edit_content.
	maxMessageSize = 64 * 1024

	// Time allowed for one user action
	actionTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Coordinators opens and closes the per-connection battle coordinators
type Coordinators interface {
	Open(ctx context.Context, sessionID, identity string) (*battle.Coordinator, error)
	Close(ctx context.Context, id string) error
}

// Client is one browser connection and the coordinator it drives
type Client struct {
	id          string
	sessionID   string
	identity    string
	hub         *Hub
	conn        *websocket.Conn
	coordinator *battle.Coordinator
	registry    Coordinators
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

// Client message types
const (
	ActionSelectTopic     = "select_topic"
	ActionDeclareReady    = "declare_ready"
	ActionChangeTopics    = "change_topics"
	ActionEnterBattleRoom = "enter_battle_room"
	ActionUseSkill        = "use_skill"
	ActionRecordSolve     = "record_solve"
	ActionEditContent     = "edit_content"
	ActionResetMatch      = "reset_match"
)

// ClientMessage represents a message from the browser
type ClientMessage struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"request_id,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	Kind       domain.SkillKind  `json:"kind,omitempty"`
	Target     string            `json:"target,omitempty"`
	ProblemID  string            `json:"problem_id,omitempty"`
	Difficulty domain.Difficulty `json:"difficulty,omitempty"`
	Content    string            `json:"content,omitempty"`
}

// ParseAction maps a browser message onto a battle action
func ParseAction(msg ClientMessage) (battle.Action, error) {
	switch msg.Type {
	case ActionSelectTopic:
		if msg.Topic == "" {
			return nil, fmt.Errorf("%w: topic required", domain.ErrInvalidRequest)
		}
		return battle.SelectTopic{Topic: msg.Topic}, nil
	case ActionDeclareReady:
		return battle.DeclareReady{}, nil
	case ActionChangeTopics:
		return battle.ChangeTopics{}, nil
	case ActionEnterBattleRoom:
		return battle.EnterBattleRoom{}, nil
	case ActionUseSkill:
		return battle.UseSkill{Kind: msg.Kind, Target: msg.Target}, nil
	case ActionRecordSolve:
		if msg.ProblemID == "" {
			return nil, fmt.Errorf("%w: problem_id required", domain.ErrInvalidRequest)
		}
		return battle.RecordSolve{ProblemID: msg.ProblemID, Difficulty: msg.Difficulty}, nil
	case ActionEditContent:
		return battle.EditContent{Content: msg.Content}, nil
	case ActionResetMatch:
		return battle.ResetMatch{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidRequest, msg.Type)
	}
}

// readPump pumps browser messages into the coordinator
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// handleMessage runs one browser message against the coordinator
func (c *Client) handleMessage(msg *ClientMessage) {
	if msg.Type == MessageTypePing {
		c.sendMessage(Message{Type: MessageTypePong, RequestID: msg.RequestID})
		return
	}

	action, err := ParseAction(*msg)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	res, err := c.coordinator.Do(ctx, action)
	if err != nil {
		c.logger.Warn("action failed", "type", msg.Type, "error", err)
		c.sendError(msg.RequestID, domain.ErrInternalError.Error())
		return
	}
	c.sendMessage(Message{Type: MessageTypeResult, RequestID: msg.RequestID, Data: res})
}

// viewPump forwards coordinator view models to the browser
func (c *Client) viewPump() {
	for {
		select {
		case v := <-c.coordinator.Views():
			c.sendMessage(Message{Type: MessageTypeView, SessionID: c.sessionID, Data: v})
		case <-c.coordinator.Done():
			return
		case <-c.done:
			return
		}
	}
}

// writePump pumps queued frames to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// close tears the client down once: the coordinator leaves the session first
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.Unregister(c)

		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := c.registry.Close(ctx, c.coordinator.ID()); err != nil {
			c.logger.Warn("closing coordinator", "error", err)
		}
		c.conn.Close()
		c.logger.Debug("websocket closed")
	})
}

// queue hands a frame to the write pump, dropping it when the client is too slow
func (c *Client) queue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, skipping")
	}
}

func (c *Client) sendMessage(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "error", err)
		return
	}
	c.queue(data)
}

// sendError sends an error message to the client
func (c *Client) sendError(requestID, errMsg string) {
	c.sendMessage(Message{
		Type:      MessageTypeError,
		RequestID: requestID,
		Data:      map[string]string{"error": errMsg},
	})
}

// ServeWs upgrades a browser connection and opens its coordinator. The session and the
// participant identity come from the session and identity query parameters.
func ServeWs(hub *Hub, registry Coordinators, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	identity := r.URL.Query().Get("identity")
	if sessionID == "" || identity == "" {
		http.Error(w, "session and identity are required", http.StatusBadRequest)
		return
	}

	coordinator, err := registry.Open(r.Context(), sessionID, identity)
	if err != nil {
		logger.Error("failed to open coordinator", "session_id", sessionID, "identity", identity, "error", err)
		http.Error(w, domain.ErrInternalError.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		if err := registry.Close(context.Background(), coordinator.ID()); err != nil {
			logger.Warn("closing coordinator", "error", err)
		}
		return
	}

	id := uuid.New().String()
	client := &Client{
		id:          id,
		sessionID:   sessionID,
		identity:    identity,
		hub:         hub,
		conn:        conn,
		coordinator: coordinator,
		registry:    registry,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		logger:      logger.With("client_id", id, "session_id", sessionID, "identity", identity),
	}
	hub.Register(client)

	go client.writePump()
	go client.viewPump()
	go client.readPump()

	client.logger.Debug("new websocket connection", "coordinator_id", coordinator.ID())
}
