package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewdesk/backend/internal/domain/agent"
	"github.com/crewdesk/backend/internal/infrastructure/logging"
	"github.com/crewdesk/backend/internal/infrastructure/monitoring"
	"github.com/crewdesk/backend/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS policy is enforced at the HTTP layer
	},
}

// Handler manages dashboard WebSocket connections. Each connection gets the
// full snapshot on attach, then orchestrator event deltas; commands may also
// be submitted over the socket.
type Handler struct {
	orchestrator *agent.Orchestrator
	metrics      *monitoring.Metrics
	logger       *logging.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(orchestrator *agent.Orchestrator, metrics *monitoring.Metrics, logger *logging.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
	}
}

type inboundMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// HandleConnection handles WebSocket upgrade and messages
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	clientID := id.NewClientID()
	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}
	h.logger.Info("Dashboard client connected", zap.String("client_id", clientID))

	subID, events := h.orchestrator.Subscribe()
	if events == nil {
		conn.Close()
		return
	}
	defer h.orchestrator.Unsubscribe(subID)

	send := make(chan []byte, 64)
	done := make(chan struct{})
	defer close(done)

	go writePump(conn, send, done)

	// Forward orchestrator events; drop rather than block on slow clients.
	go func() {
		for ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case send <- data:
			case <-done:
				return
			default:
			}
		}
	}()

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case "command":
			if err := h.orchestrator.Submit(msg.Message); err != nil {
				h.reply(send, gin.H{"type": "rejected", "reason": err.Error()})
			}
		case "new_session":
			h.orchestrator.StartNewSession()
		case "ping":
			h.reply(send, gin.H{"type": "pong", "ts": time.Now().Unix()})
		default:
			h.reply(send, gin.H{"type": "error", "error": "unknown message type"})
		}
	}

	h.logger.Info("Dashboard client disconnected", zap.String("client_id", clientID))
}

func (h *Handler) reply(send chan []byte, payload gin.H) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case send <- data:
	default:
	}
}

func writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	defer conn.Close()
	for {
		select {
		case msg := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
