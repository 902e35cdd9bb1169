package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-rooms/internal/store"
)

const (
	errJoinRequired     = "Room ID and username are required."
	errJoinFirst        = "Please join a room first"
	errNotInRoom        = "You must join a room before sending messages"
	errEmptyMessage     = "Message cannot be empty"
	errRateLimited      = "Rate limit exceeded. Please slow down."
	errSendFailed       = "Failed to send message"
	errJoinPersist      = "Failed to save user, membership is not persisted"
	errRoomIDRequired   = "Room ID is required"
	errCreateRoomFailed = "Failed to create room"
	errFetchRooms       = "Error fetching rooms"
	errFetchHistory     = "Error fetching message history"
)

func (m *ChatManager) handle(in inbound) {
	switch in.env.Event {
	case EventJoin:
		var p JoinPayload
		if m.decode(in, &p) {
			m.join(in.connID, p)
		}
	case EventSendMessage:
		var p MessagePayload
		if m.decode(in, &p) {
			m.sendMessage(in.connID, p)
		}
	case EventTyping:
		var p TypingPayload
		if m.decode(in, &p) {
			m.typing(in.connID, p)
		}
	case EventCreateRoom:
		var p CreateRoomPayload
		if m.decode(in, &p) {
			m.createRoom(in.connID, p)
		}
	case EventGetRooms:
		m.getRooms(in.connID)
	case EventGetMessageHistory:
		var p HistoryPayload
		if m.decode(in, &p) {
			m.getMessageHistory(in.connID, p)
		}
	case EventLeaveRoom:
		m.leaveRoom(in.connID, parseRoomID(in.env.Data))
	case EventPong:
		m.heartbeat.Pong(in.connID)
	default:
		m.log.Debug("unknown event", "conn_id", in.connID, "event", in.env.Event)
	}
}

func (m *ChatManager) decode(in inbound, v any) bool {
	if len(in.env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(in.env.Data, v); err != nil {
		m.sendError(in.connID, fmt.Sprintf("Invalid payload for %s", in.env.Event))
		return false
	}
	return true
}

func (m *ChatManager) connect(c *Client) {
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()

	m.heartbeat.Register(c.ID)
	m.sendTo(c.ID, EventPing, Ping{Timestamp: time.Now().UnixMilli()})
	m.log.Info("client connected", "conn_id", c.ID)
}

func (m *ChatManager) join(connID string, p JoinPayload) {
	room := strings.TrimSpace(p.RoomID)
	username := strings.TrimSpace(p.Username)
	if room == "" || username == "" {
		m.sendError(connID, errJoinRequired)
		return
	}

	// 同一连接换房间：退出旧房间的广播频道
	if prev, ok := m.presence.ByConnection(connID); ok && prev.Room != room {
		m.subs.Unsubscribe(connID, prev.Room)
		m.broadcastRoom(prev.Room, EventRoomData, RoomData{Room: prev.Room, Users: m.usersInRoom(prev.Room, prev.ID)}, "")
	}

	ident := m.presence.AddOrUpdate(connID, username, room)
	m.subs.Subscribe(connID, room)

	ctx, cancel := m.opContext()
	defer cancel()

	err := m.store.CreateUser(ctx, &store.User{
		UserID:   ident.ID,
		Username: ident.Username,
		Room:     ident.Room,
		IsOnline: true,
		SocketID: connID,
	})
	if err != nil {
		m.log.Error("failed to persist user", "conn_id", connID, "user_id", ident.ID, "error", err)
		m.sendError(connID, errJoinPersist)
	}

	notice := m.systemMessage(room, fmt.Sprintf("%s has joined the chat.", username), true)
	m.broadcastRoom(room, EventMessage, notice, "")

	history, err := m.store.ListMessages(ctx, room, m.historyLim)
	if err != nil {
		m.log.Error("failed to load history", "room_id", room, "error", err)
		m.sendError(connID, errFetchHistory)
	}
	m.sendTo(connID, EventMessageHistory, ChatMessages(history))

	m.broadcastRoom(room, EventRoomData, RoomData{Room: room, Users: m.presence.InRoom(room)}, "")
	m.log.Info("user joined", "conn_id", connID, "user_id", ident.ID, "username", username, "room_id", room)
}

func (m *ChatManager) sendMessage(connID string, p MessagePayload) {
	ident, ok := m.presence.ByConnection(connID)
	if !ok {
		m.sendError(connID, errNotInRoom)
		return
	}
	text := strings.TrimSpace(p.Message)
	if text == "" {
		m.sendError(connID, errEmptyMessage)
		return
	}

	ctx, cancel := m.opContext()
	defer cancel()

	allowed, err := m.limiter.Allow(ctx, ident.limitKey)
	if err != nil {
		// 限流后端不可用时放行
		m.log.Warn("rate limiter unavailable, allowing message", "user_id", ident.ID, "error", err)
		allowed = true
	}
	if !allowed {
		m.log.Info("message rate limited", "user_id", ident.ID, "room_id", ident.Room)
		m.sendError(connID, errRateLimited)
		return
	}

	m.presence.SetTyping(ident.ID, false)
	m.broadcastRoom(ident.Room, EventUserTyping, UserTyping{UserID: ident.ID, Username: ident.Username}, connID)

	msg := &store.Message{
		MessageID: m.newID(),
		User:      ident.Username,
		Text:      text,
		Room:      ident.Room,
		Timestamp: time.Now(),
	}
	m.tracker.Track(msg.MessageID, ident.ID, ident.Room)

	if err := m.persist(ctx, msg); err != nil {
		m.tracker.MarkFailed(msg.MessageID, err.Error())
		m.log.Error("failed to persist message", "message_id", msg.MessageID, "room_id", msg.Room, "error", err)
		m.sendError(connID, errSendFailed)
		return
	}
	m.tracker.MarkProcessed(msg.MessageID)
	m.broadcastRoom(msg.Room, EventMessage, chatMessageFrom(*msg), "")
}

func (m *ChatManager) typing(connID string, p TypingPayload) {
	ident, ok := m.presence.ByConnection(connID)
	if !ok {
		return
	}
	m.presence.SetTyping(ident.ID, p.IsTyping)
	m.broadcastRoom(ident.Room, EventUserTyping, UserTyping{
		UserID:   ident.ID,
		Username: ident.Username,
		IsTyping: p.IsTyping,
	}, connID)
}

func (m *ChatManager) createRoom(connID string, p CreateRoomPayload) {
	ident, ok := m.presence.ByConnection(connID)
	if !ok {
		// 未 join 的连接先挂一个 lobby 里的临时身份
		username := strings.TrimSpace(strings.Split(p.RoomID, "-")[0])
		if username == "" {
			username = "Anonymous"
		}
		m.presence.AddOrUpdate(connID, username, LobbyRoom)
		m.sendError(connID, errJoinFirst)
		return
	}

	id := normalizeRoomID(p.RoomID)
	if id == "" {
		m.sendError(connID, errRoomIDRequired)
		return
	}
	name := strings.TrimSpace(p.RoomName)
	if name == "" {
		name = strings.TrimSpace(p.RoomID)
	}

	ctx, cancel := m.opContext()
	defer cancel()

	if _, err := m.store.FindRoom(ctx, id); err == nil {
		m.sendError(connID, fmt.Sprintf("Room with ID %s already exists", id))
		return
	}

	r := &store.Room{RoomID: id, Name: name, CreatedBy: ident.Username, CreatedAt: time.Now()}
	if err := m.store.CreateRoom(ctx, r); err != nil {
		if errors.Is(err, store.ErrRoomExists) {
			m.sendError(connID, fmt.Sprintf("Room with ID %s already exists", id))
			return
		}
		m.log.Error("failed to create room", "room_id", id, "error", err)
		m.sendError(connID, errCreateRoomFailed)
		return
	}

	m.systemMessage(id, fmt.Sprintf("%s room created by %s!", name, ident.Username), true)

	room := roomFrom(*r)
	m.broadcastAll(EventRoomCreated, room)
	if rooms, err := m.store.ListRooms(ctx); err != nil {
		m.log.Error("failed to list rooms", "error", err)
	} else {
		m.broadcastAll(EventAvailableRooms, Rooms(rooms))
	}
	m.sendTo(connID, EventRoomCreateSuccess, room)
	m.log.Info("room created", "room_id", id, "created_by", ident.Username)
}

func (m *ChatManager) getRooms(connID string) {
	ctx, cancel := m.opContext()
	defer cancel()

	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		m.log.Error("failed to list rooms", "conn_id", connID, "error", err)
		m.sendTo(connID, EventAvailableRooms, []Room{})
		m.sendError(connID, errFetchRooms)
		return
	}
	m.sendTo(connID, EventAvailableRooms, Rooms(rooms))
}

func (m *ChatManager) getMessageHistory(connID string, p HistoryPayload) {
	room := strings.TrimSpace(p.Room)
	if room == "" {
		m.sendError(connID, errRoomIDRequired)
		return
	}

	ctx, cancel := m.opContext()
	defer cancel()

	history, err := m.store.ListMessages(ctx, room, m.historyLim)
	if err != nil {
		m.log.Error("failed to load history", "conn_id", connID, "room_id", room, "error", err)
		m.sendTo(connID, EventMessageHistory, []ChatMessage{})
		m.sendError(connID, errFetchHistory)
		return
	}
	m.sendTo(connID, EventMessageHistory, ChatMessages(history))
}

func (m *ChatManager) leaveRoom(connID, room string) {
	ident, ok := m.presence.ByConnection(connID)
	if !ok || room == "" {
		return
	}

	m.subs.Unsubscribe(connID, room)

	notice := m.systemMessage(room, fmt.Sprintf("%s has left the chat.", ident.Username), false)
	m.broadcastRoom(room, EventMessage, notice, "")
	m.broadcastRoom(room, EventRoomData, RoomData{Room: room, Users: m.usersInRoom(room, ident.ID)}, "")

	m.presence.MoveOut(ident.ID, room)
	m.log.Info("user left room", "conn_id", connID, "user_id", ident.ID, "room_id", room)
}

// disconnect 可重复调用，连接已摘除时只清理计时器
func (m *ChatManager) disconnect(connID string) {
	m.heartbeat.Remove(connID)

	m.mu.Lock()
	c, ok := m.clients[connID]
	delete(m.clients, connID)
	m.mu.Unlock()
	if !ok {
		return
	}
	c.closeSend()
	m.subs.RemoveConn(connID)

	if ident, found := m.presence.ByConnection(connID); found {
		m.presence.SetOnline(ident.ID, false)

		ctx, cancel := m.opContext()
		if err := m.store.UpdateUserStatus(ctx, ident.ID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.log.Error("failed to update user status", "user_id", ident.ID, "error", err)
		}
		cancel()

		m.broadcastRoom(ident.Room, EventUserStatus, UserStatus{UserID: ident.ID, Username: ident.Username, IsOnline: false}, "")
		notice := m.systemMessage(ident.Room, fmt.Sprintf("%s has left the chat.", ident.Username), true)
		m.broadcastRoom(ident.Room, EventMessage, notice, "")
		m.broadcastRoom(ident.Room, EventRoomData, RoomData{Room: ident.Room, Users: m.usersInRoom(ident.Room, ident.ID)}, "")

		m.presence.Remove(ident.ID)
	}
	m.log.Info("client disconnected", "conn_id", connID)
}

// expire 心跳超时：先走断开流程，再强制关闭底层连接
func (m *ChatManager) expire(connID string) {
	m.mu.RLock()
	c, ok := m.clients[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.log.Warn("heartbeat timeout, closing connection", "conn_id", connID)
	m.disconnect(connID)
	_ = c.Conn.Close()
}

// systemMessage 生成系统消息；persist 为 true 时写库（失败只记日志）
func (m *ChatManager) systemMessage(room, text string, persist bool) ChatMessage {
	msg := &store.Message{
		MessageID: m.newID(),
		User:      store.SystemUser,
		Text:      text,
		Room:      room,
		Timestamp: time.Now(),
		IsSystem:  true,
	}
	if persist {
		ctx, cancel := m.opContext()
		defer cancel()
		if err := m.persist(ctx, msg); err != nil {
			m.log.Error("failed to persist system message", "room_id", room, "error", err)
		}
	}
	return chatMessageFrom(*msg)
}

// persist 写入消息，超过每个房间的保留上限时删除最旧的
func (m *ChatManager) persist(ctx context.Context, msg *store.Message) error {
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	count, err := m.store.CountMessages(ctx, msg.Room)
	if err != nil {
		m.log.Warn("failed to count messages", "room_id", msg.Room, "error", err)
		return nil
	}
	if excess := int(count) - m.maxPerRoom; excess > 0 {
		if _, err := m.store.PurgeOldest(ctx, msg.Room, excess); err != nil {
			m.log.Warn("failed to purge old messages", "room_id", msg.Room, "error", err)
		}
	}
	return nil
}

func (m *ChatManager) usersInRoom(room, exceptID string) []Identity {
	users := m.presence.InRoom(room)
	out := users[:0]
	for _, u := range users {
		if u.ID != exceptID {
			out = append(out, u)
		}
	}
	return out
}

// ChatMessages 转成推送给客户端的消息视图
func ChatMessages(msgs []store.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, chatMessageFrom(msg))
	}
	return out
}

// Rooms 转成推送给客户端的房间视图
func Rooms(rooms []store.Room) []Room {
	out := make([]Room, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomFrom(r))
	}
	return out
}
