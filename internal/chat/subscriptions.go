package chat

import (
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// 规范化房间 id：去首尾空格、转小写、连续空白替换为 "-"
func normalizeRoomID(room string) string {
	r := strings.TrimSpace(room)
	if r == "" {
		return ""
	}
	return whitespaceRun.ReplaceAllString(strings.ToLower(r), "-")
}

// Subscriptions 连接与房间广播频道的订阅关系，只在 manager 循环内读写
type Subscriptions struct {
	ConnRooms map[string]map[string]bool // conn id -> set(room)
	RoomConns map[string]map[string]bool // room -> set(conn id)
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		ConnRooms: map[string]map[string]bool{},
		RoomConns: map[string]map[string]bool{},
	}
}

func (s *Subscriptions) Subscribe(connID, room string) {
	if _, ok := s.ConnRooms[connID]; !ok {
		s.ConnRooms[connID] = map[string]bool{}
	}
	s.ConnRooms[connID][room] = true

	if _, ok := s.RoomConns[room]; !ok {
		s.RoomConns[room] = map[string]bool{}
	}
	s.RoomConns[room][connID] = true
}

func (s *Subscriptions) Unsubscribe(connID, room string) {
	if rooms, ok := s.ConnRooms[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(s.ConnRooms, connID)
		}
	}
	if conns, ok := s.RoomConns[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.RoomConns, room)
		}
	}
}

// RemoveConn 断开时清理该连接的全部订阅
func (s *Subscriptions) RemoveConn(connID string) {
	for room := range s.ConnRooms[connID] {
		if conns, ok := s.RoomConns[room]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(s.RoomConns, room)
			}
		}
	}
	delete(s.ConnRooms, connID)
}

func (s *Subscriptions) Subscribed(connID, room string) bool {
	return s.RoomConns[room][connID]
}
