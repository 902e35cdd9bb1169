package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-rooms/internal/store"
)

// 客户端 -> 服务端
const (
	EventJoin              = "join"
	EventSendMessage       = "sendMessage"
	EventTyping            = "typing"
	EventCreateRoom        = "createRoom"
	EventGetRooms          = "getRooms"
	EventGetMessageHistory = "getMessageHistory"
	EventLeaveRoom         = "leaveRoom"
	EventPong              = "pong"
)

// 服务端 -> 客户端
const (
	EventMessage           = "message"
	EventRoomData          = "roomData"
	EventMessageHistory    = "messageHistory"
	EventUserTyping        = "userTyping"
	EventUserStatus        = "userStatus"
	EventRoomCreated       = "roomCreated"
	EventAvailableRooms    = "availableRooms"
	EventRoomCreateSuccess = "roomCreateSuccess"
	EventError             = "error"
	EventPing              = "ping"
)

// Envelope 一帧 websocket 文本消息：{"event": "...", "data": ...}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type JoinPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

type CreateRoomPayload struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
}

type HistoryPayload struct {
	Room string `json:"room"`
}

// leaveRoom 的 data 可以是裸字符串，也可以是 {"roomId": "..."}
func parseRoomID(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.RoomID)
	}
	return ""
}

type ChatMessage struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
	IsSystem  bool      `json:"isSystem"`
}

func chatMessageFrom(m store.Message) ChatMessage {
	return ChatMessage{
		ID:        m.MessageID,
		User:      m.User,
		Text:      m.Text,
		Room:      m.Room,
		Timestamp: m.Timestamp,
		IsSystem:  m.IsSystem,
	}
}

// Identity 聊天参与者，同一时刻最多绑定一个连接
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Room     string `json:"room"`
	IsOnline bool   `json:"isOnline"`
	IsTyping bool   `json:"isTyping"`
	ConnID   string `json:"socketId"`

	// limitKey 限流用的稳定 key，改绑到新连接后保持不变
	limitKey string
}

type RoomData struct {
	Room  string     `json:"room"`
	Users []Identity `json:"users"`
}

type UserTyping struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type UserStatus struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

func roomFrom(r store.Room) Room {
	return Room{ID: r.RoomID, Name: r.Name, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt}
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}
