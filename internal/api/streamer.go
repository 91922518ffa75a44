package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pv/odor-delivery-go/internal/sequencer"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

type wsMessage struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Track     string `json:"track,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Index     int    `json:"index,omitempty"`
	Step      string `json:"step,omitempty"`
	At        string `json:"at,omitempty"`
	AtUnix    int64  `json:"at_unix,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StepStreamer рассылает шаги запуска и смену статуса клиентам WebSocket.
type StepStreamer struct {
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	clients  map[*wsClient]struct{}
	status   wsMessage
}

// NewStepStreamer создаёт пустой стример.
func NewStepStreamer() *StepStreamer {
	return &StepStreamer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*wsClient]struct{}{},
		status:  wsMessage{Type: "status", Status: sequencer.Idle.String()},
	}
}

// PublishRun сообщает клиентам о смене статуса запуска.
func (s *StepStreamer) PublishRun(runID, status, text string, err error) {
	msg := wsMessage{
		Type:    "status",
		RunID:   runID,
		Status:  status,
		Pattern: text,
	}
	if err != nil {
		msg.Error = err.Error()
	}
	s.mu.Lock()
	s.status = msg
	s.broadcastLocked(msg)
	s.mu.Unlock()
}

// PublishStep рассылает начало шага.
func (s *StepStreamer) PublishStep(ev sequencer.StepEvent) {
	msg := wsMessage{
		Type:      "step",
		RunID:     ev.RunID,
		Track:     ev.Track,
		Iteration: ev.Iteration,
		Index:     ev.Index,
		Step:      ev.Field,
		At:        ev.At.Format(time.RFC3339Nano),
		AtUnix:    ev.At.UnixMilli(),
	}
	s.mu.Lock()
	s.broadcastLocked(msg)
	s.mu.Unlock()
}

// Clients возвращает число подключённых клиентов.
func (s *StepStreamer) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeWS принимает подключение и первым сообщением отдаёт текущий статус.
func (s *StepStreamer) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	client := newWSClient(conn)
	s.mu.Lock()
	s.clients[client] = struct{}{}
	client.send(s.status)
	s.mu.Unlock()
	logDebugf("[ws] client %s connected", conn.RemoteAddr())

	go client.writePump()
	client.readPump()

	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	logDebugf("[ws] client %s disconnected", conn.RemoteAddr())
}

func (s *StepStreamer) broadcastLocked(msg wsMessage) {
	for c := range s.clients {
		c.send(msg)
	}
}

type wsClient struct {
	conn      *websocket.Conn
	sendCh    chan wsMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:   conn,
		sendCh: make(chan wsMessage, wsSendBuffer),
		done:   make(chan struct{}),
	}
}

// send не блокирует рассылку: медленный клиент теряет сообщения.
func (c *wsClient) send(msg wsMessage) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		logDebugf("[ws] client %s: send buffer full, message dropped", c.conn.RemoteAddr())
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump читает только служебные кадры и следит за закрытием соединения.
func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				logDebugf("[ws] write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
