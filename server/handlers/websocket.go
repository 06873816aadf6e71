package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/collision-risk/server/models"
	"github.com/san-kum/collision-risk/server/processor"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 64 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
)

type WebSocketHandler struct {
	processor      *processor.RiskProcessor
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	requestTimeout time.Duration
}

type ClientMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.WriteMessage(websocket.PingMessage, nil)
}

func NewWebSocketHandler(processor *processor.RiskProcessor, allowedOrigins []string, requestTimeout time.Duration, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		processor:      processor,
		logger:         logger,
		requestTimeout: requestTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	clientIP := c.ClientIP()
	h.logger.Info("WebSocket client connected", zap.String("client_ip", clientIP))
	defer h.logger.Info("WebSocket client disconnected", zap.String("client_ip", clientIP))

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go h.pingRoutine(conn, done)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		h.handleMessage(ctx, conn, &message)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *wsConn, message *ClientMessage) {
	switch message.Type {
	case "predict":
		h.predict(ctx, conn, message)
	case "ping":
		h.sendMessage(conn, "pong", message.ID, map[string]any{"timestamp": time.Now().Unix()})
	default:
		h.logger.Debug("Unknown message type received", zap.String("type", message.Type))
		h.sendError(conn, message.ID, &models.ValidationError{
			Field:  "type",
			Domain: "one of: predict, ping",
			Value:  message.Type,
		})
	}
}

// predict scores inline; replies keep the order requests arrived in.
func (h *WebSocketHandler) predict(ctx context.Context, conn *wsConn, message *ClientMessage) {
	var req models.ScenarioRequest
	if len(message.Data) == 0 {
		h.sendError(conn, message.ID, &models.ValidationError{Field: "data", Domain: "scenario object"})
		return
	}
	if err := json.Unmarshal(message.Data, &req); err != nil {
		h.sendError(conn, message.ID, &models.ValidationError{Field: "data", Domain: "scenario object"})
		return
	}

	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	resp, err := h.processor.Predict(ctx, &req)
	if err != nil {
		h.sendError(conn, message.ID, err)
		return
	}
	h.sendMessage(conn, "prediction", message.ID, resp)
}

func (h *WebSocketHandler) sendMessage(conn *wsConn, messageType, id string, data any) {
	message := ServerMessage{
		Type: messageType,
		ID:   id,
		Data: data,
	}

	if err := conn.writeJSON(message); err != nil {
		h.logger.Warn("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, id string, err error) {
	h.sendMessage(conn, "error", id, models.NewAPIError(err))
}

func (h *WebSocketHandler) pingRoutine(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
