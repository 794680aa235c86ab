package ws

import (
	"errors"
	"net/http"
	"time"

	"llmchat/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Client struct {
	hub    *UserHub
	conn   *websocket.Conn
	send   chan []byte
	userID uint
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 校验会话后升级为 WebSocket。浏览器无法自定义握手头，因此额外支持 ?token=。
func Serve(h *Hub, v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = auth.ExtractToken(c)
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "login required", "code": "SessionInvalid"})
			return
		}
		user, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrSessionExpired):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired, please log in again", "code": "SessionExpired"})
			case errors.Is(err, auth.ErrSessionInvalid):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session", "code": "SessionInvalid"})
			default:
				log.Error().Err(err).Msg("ws validate session")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "StorageError"})
			}
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Uint("user_id", user.ID).Msg("ws upgrade")
			return
		}
		client := &Client{conn: conn, send: make(chan []byte, 64), userID: user.ID}
		h.Attach(client)

		go client.writePump()
		client.readPump(h)
	}
}

// readPump 只负责保活与探测断开，客户端发来的内容一律忽略。
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.Detach(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4 << 10)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
