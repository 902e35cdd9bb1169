package chat

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
)

const sendBufferSize = 32

type Client struct {
	ID   string
	Conn ConnLike
	Send chan []byte

	closeOnce sync.Once
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

func NewClient(id string, conn ConnLike) *Client {
	return &Client{ID: id, Conn: conn, Send: make(chan []byte, sendBufferSize)}
}

// closeSend 只允许 manager 在摘除连接后调用
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// ReadPump 读到错误即视为断开，交给 manager 走 disconnect 流程
func (c *Client) ReadPump(m *ChatManager) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			m.Unregister(c)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue
		}
		m.Dispatch(c.ID, env)
	}
}

func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = c.Conn.Close()
			return
		}
	}
}
