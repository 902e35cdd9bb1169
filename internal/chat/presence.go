package chat

import (
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// LobbyRoom 离开房间后的默认归属
const LobbyRoom = "lobby"

// Presence 在线身份表：身份 <-> 连接 <-> 房间
type Presence struct {
	mu     sync.RWMutex
	list   []*Identity          // 插入顺序
	byID   map[string]*Identity // identity id -> identity
	byConn map[string]*Identity // conn id -> identity
}

func NewPresence() *Presence {
	return &Presence{
		byID:   map[string]*Identity{},
		byConn: map[string]*Identity{},
	}
}

// AddOrUpdate 先摘掉该连接当前的身份，再按同名同房间改绑；否则新建。
// 身份 id 始终等于当前连接 id，改绑时随连接一起换 key。
func (p *Presence) AddOrUpdate(connID, username, room string) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 同一连接换名字或房间时沿用限流 key
	var limitKey string
	if cur, ok := p.byConn[connID]; ok {
		limitKey = cur.limitKey
		p.removeLocked(cur)
	}

	for _, ident := range p.list {
		if ident.Username == username && ident.Room == room {
			delete(p.byID, ident.ID)
			delete(p.byConn, ident.ConnID)
			ident.ID, ident.ConnID = connID, connID
			ident.IsOnline = true
			p.byID[connID] = ident
			p.byConn[connID] = ident
			return *ident
		}
	}

	if limitKey == "" {
		limitKey = uuid.NewString()
	}
	ident := &Identity{
		ID:       connID,
		Username: username,
		Room:     room,
		IsOnline: true,
		ConnID:   connID,
		limitKey: limitKey,
	}
	p.list = append(p.list, ident)
	p.byID[ident.ID] = ident
	p.byConn[connID] = ident
	return *ident
}

func (p *Presence) Remove(id string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.byID[id]
	if !ok {
		return Identity{}, false
	}
	p.removeLocked(ident)
	return *ident, true
}

// 调用方须持有 p.mu
func (p *Presence) removeLocked(ident *Identity) {
	delete(p.byID, ident.ID)
	delete(p.byConn, ident.ConnID)
	p.list = slices.DeleteFunc(p.list, func(it *Identity) bool { return it == ident })
}

func (p *Presence) ByConnection(connID string) (Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ident, ok := p.byConn[connID]
	if !ok {
		return Identity{}, false
	}
	return *ident, true
}

// InRoom 返回副本，按加入顺序
func (p *Presence) InRoom(room string) []Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Identity, 0)
	for _, ident := range p.list {
		if ident.Room == room {
			out = append(out, *ident)
		}
	}
	return out
}

// MoveOut 仅当身份当前在 room 中时才移到 lobby，不删除身份
func (p *Presence) MoveOut(id, room string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.byID[id]
	if !ok {
		return Identity{}, false
	}
	if ident.Room == room {
		ident.Room = LobbyRoom
		ident.IsTyping = false
	}
	return *ident, true
}

func (p *Presence) SetTyping(id string, typing bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.byID[id]
	if ok {
		ident.IsTyping = typing
	}
	return ok
}

func (p *Presence) SetOnline(id string, online bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.byID[id]
	if ok {
		ident.IsOnline = online
	}
	return ok
}

// List 在线身份列表，可按房间过滤，可排除自己（按 id 或 username）
func (p *Presence) List(room, exclude string) []Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Identity, 0, len(p.list))
	for _, ident := range p.list {
		if room != "" && ident.Room != room {
			continue
		}
		if exclude != "" && (exclude == ident.ID || exclude == ident.Username) {
			continue
		}
		out = append(out, *ident)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.list)
}
