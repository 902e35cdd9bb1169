package chat

import (
	"encoding/json"
	"time"
)

func encode(event string, data any) []byte {
	b, err := json.Marshal(&outbound{Event: event, Data: data})
	if err != nil {
		return nil
	}
	return b
}

// deliver 非阻塞写入，缓冲区满时丢弃
func (m *ChatManager) deliver(c *Client, data []byte) {
	select {
	case c.Send <- data:
	default:
		m.log.Warn("send buffer full, dropping frame", "conn_id", c.ID)
	}
}

func (m *ChatManager) sendTo(connID, event string, data any) {
	m.mu.RLock()
	c := m.clients[connID]
	m.mu.RUnlock()
	if c == nil {
		return
	}
	if b := encode(event, data); b != nil {
		m.deliver(c, b)
	}
}

func (m *ChatManager) sendError(connID, msg string) {
	m.sendTo(connID, EventError, ErrorPayload{Message: msg})
}

// broadcastRoom 推给订阅了 room 的连接，except 为空时不排除任何人
func (m *ChatManager) broadcastRoom(room, event string, data any, except string) {
	b := encode(event, data)
	if b == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for connID := range m.subs.RoomConns[room] {
		if connID == except {
			continue
		}
		if c := m.clients[connID]; c != nil {
			m.deliver(c, b)
		}
	}
}

func (m *ChatManager) broadcastAll(event string, data any) {
	b := encode(event, data)
	if b == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		m.deliver(c, b)
	}
}

func (m *ChatManager) pingAll() {
	m.broadcastAll(EventPing, Ping{Timestamp: time.Now().UnixMilli()})
}
