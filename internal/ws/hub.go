package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"llmchat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 管理用户级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu    sync.RWMutex
	users map[uint]*UserHub
}

func NewHub() *Hub { return &Hub{users: make(map[uint]*UserHub)} }

// Attach 把连接挂到所属用户的 UserHub 上，用户首次上线时创建并启动该 UserHub。
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := h.users[c.userID]
	if uh == nil {
		uh = NewUserHub(c.userID)
		h.users[c.userID] = uh
		go uh.run()
	}
	uh.refs++
	c.hub = uh
	uh.register <- c
}

// Detach 摘除连接；用户最后一个连接断开后 UserHub 退出并从表中移除。
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := c.hub
	uh.unregister <- c
	uh.refs--
	if uh.refs == 0 {
		if h.users[c.userID] == uh {
			delete(h.users, c.userID)
		}
		close(uh.quit)
	}
}

// Online 返回用户当前打开的连接数。
func (h *Hub) Online(userID uint) int {
	h.mu.RLock()
	uh := h.users[userID]
	h.mu.RUnlock()
	if uh == nil {
		return 0
	}
	return uh.Online()
}

// Publish 把事件推送给用户的全部连接；用户不在线或队列已满时丢弃。
func (h *Hub) Publish(userID uint, evt any) {
	h.mu.RLock()
	uh := h.users[userID]
	h.mu.RUnlock()
	if uh == nil || uh.Online() == 0 {
		return
	}
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("marshal ws event")
		return
	}
	select {
	case uh.broadcast <- b:
	default:
		log.Warn().Uint("user_id", userID).Msg("ws broadcast queue full, dropping event")
	}
}

type UserHub struct {
	userID     uint
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	quit       chan struct{}
	online     int32
	refs       int // 由 Hub.mu 保护
}

func NewUserHub(userID uint) *UserHub {
	return &UserHub{
		userID:     userID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		quit:       make(chan struct{}),
	}
}

func (uh *UserHub) run() {
	for {
		select {
		case <-uh.quit:
			for c := range uh.clients {
				uh.drop(c)
			}
			return
		case c := <-uh.register:
			uh.clients[c] = true
			atomic.StoreInt32(&uh.online, int32(len(uh.clients)))
			metrics.WsConnections.Inc()
		case c := <-uh.unregister:
			uh.drop(c)
		case msg := <-uh.broadcast:
			for c := range uh.clients {
				select {
				case c.send <- msg:
					metrics.WsEventsTotal.Inc()
				default:
					uh.drop(c)
				}
			}
		}
	}
}

func (uh *UserHub) drop(c *Client) {
	if _, ok := uh.clients[c]; !ok {
		return
	}
	delete(uh.clients, c)
	close(c.send)
	atomic.StoreInt32(&uh.online, int32(len(uh.clients)))
	metrics.WsConnections.Dec()
}

// Online 返回该用户在线连接数量。
func (uh *UserHub) Online() int { return int(atomic.LoadInt32(&uh.online)) }
