package service

import (
	"context"
	"encoding/json"
	"journey_backend/pkg/logger"
	"journey_backend/pkg/monitoring"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	EventProgress    = "progress"
	EventResponseID  = "response_id"
	EventReply       = "reply"
	EventCompleted   = "completed"
	EventError       = "error"
	EventCertificate = "certificate"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 512
	shardCount      = 32
	progressChannel = "journey_progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ProgressEvent is what observers of an attempt receive.
type ProgressEvent struct {
	AttemptID uint        `json:"attemptId"`
	Kind      string      `json:"kind"`
	Payload   interface{} `json:"payload,omitempty"`
	At        time.Time   `json:"at"`
}

// Notifier publishes attempt events. Publishing never blocks the caller on delivery
// and has no acknowledgement.
type Notifier interface {
	Publish(ctx context.Context, attemptID uint, kind string, payload interface{})
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, uint, string, interface{}) {}

type progressClient struct {
	hub       *ProgressHub
	conn      *websocket.Conn
	send      chan []byte
	attemptID uint
	limiter   *rate.Limiter
}

func (c *progressClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		// 客户端只需要保活，上行消息一律丢弃
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Debug("Progress socket closed", zap.Error(err), zap.Uint("attemptId", c.attemptID))
			}
			return
		}
		if !c.limiter.Allow() {
			logger.Log.Warn("Progress socket flooding, closing", zap.Uint("attemptId", c.attemptID))
			return
		}
	}
}

func (c *progressClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

type progressShard struct {
	mu      sync.RWMutex
	clients map[uint]map[*progressClient]struct{}
}

// ProgressHub fans attempt events out to websocket observers. With Redis configured
// every instance publishes to one channel and delivers to its local sockets, so the
// worker process and the API process can run separately.
type ProgressHub struct {
	shards     [shardCount]*progressShard
	register   chan *progressClient
	unregister chan *progressClient
	redis      *redis.Client
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewProgressHub(rdb *redis.Client) *ProgressHub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &ProgressHub{
		register:   make(chan *progressClient),
		unregister: make(chan *progressClient),
		redis:      rdb,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &progressShard{clients: make(map[uint]map[*progressClient]struct{})}
	}
	return h
}

func (h *ProgressHub) shard(attemptID uint) *progressShard {
	return h.shards[attemptID%shardCount]
}

func (h *ProgressHub) Run() {
	if h.redis != nil {
		pubsub := h.redis.Subscribe(h.ctx, progressChannel)
		defer pubsub.Close()
		go func() {
			for msg := range pubsub.Channel() {
				var evt ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					logger.Log.Error("Progress pubsub unmarshal error", zap.Error(err))
					continue
				}
				h.deliverLocal(evt.AttemptID, []byte(msg.Payload))
			}
		}()
	}

	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			s := h.shard(c.attemptID)
			s.mu.Lock()
			if s.clients[c.attemptID] == nil {
				s.clients[c.attemptID] = make(map[*progressClient]struct{})
			}
			s.clients[c.attemptID][c] = struct{}{}
			s.mu.Unlock()
			monitoring.ProgressSubscribers.Inc()
		case c := <-h.unregister:
			s := h.shard(c.attemptID)
			s.mu.Lock()
			if set, ok := s.clients[c.attemptID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
					monitoring.ProgressSubscribers.Dec()
				}
				if len(set) == 0 {
					delete(s.clients, c.attemptID)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (h *ProgressHub) Publish(ctx context.Context, attemptID uint, kind string, payload interface{}) {
	evt := ProgressEvent{AttemptID: attemptID, Kind: kind, Payload: payload, At: time.Now()}
	raw, err := json.Marshal(evt)
	if err != nil {
		logger.Log.Error("Progress event marshal error", zap.Error(err), zap.String("kind", kind))
		return
	}
	monitoring.ProgressEventCounter.WithLabelValues(kind, "out").Inc()

	if h.redis == nil {
		h.deliverLocal(attemptID, raw)
		return
	}
	if err := h.redis.Publish(ctx, progressChannel, raw).Err(); err != nil {
		logger.Log.Warn("Progress publish failed, delivering locally", zap.Error(err), zap.Uint("attemptId", attemptID))
		h.deliverLocal(attemptID, raw)
	}
}

func (h *ProgressHub) deliverLocal(attemptID uint, payload []byte) {
	s := h.shard(attemptID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients[attemptID] {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// Stop closes every socket.
func (h *ProgressHub) Stop() {
	h.cancel()
	closed := 0
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.Lock()
		for attemptID, set := range s.clients {
			for c := range set {
				close(c.send)
				closed++
			}
			delete(s.clients, attemptID)
		}
		s.mu.Unlock()
	}
	monitoring.ProgressSubscribers.Set(0)
	logger.Log.Info("ProgressHub stopped", zap.Int("closedConnections", closed))
}

// ServeProgressWs upgrades the request and streams events of one attempt.
func ServeProgressWs(hub *ProgressHub, w http.ResponseWriter, r *http.Request, attemptID uint) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err), zap.Uint("attemptId", attemptID))
		return
	}
	c := &progressClient{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 64),
		attemptID: attemptID,
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
	}
	select {
	case hub.register <- c:
	case <-hub.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
