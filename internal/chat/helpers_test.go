package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-rooms/internal/store"
)

// 创建测试用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errStorage = errors.New("storage unavailable")

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func decodeFrame(t *testing.T, b []byte) frame {
	t.Helper()
	var f frame
	require.NoError(t, json.Unmarshal(b, &f))
	return f
}

// drain 非阻塞读出当前缓冲区里的全部帧
func drain(t *testing.T, c *Client) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case b, ok := <-c.Send:
			if !ok {
				return out
			}
			out = append(out, decodeFrame(t, b))
		default:
			return out
		}
	}
}

func eventNames(frames []frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func framesOf(frames []frame, event string) []frame {
	var out []frame
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func chatMessages(t *testing.T, frames []frame, system bool) []ChatMessage {
	t.Helper()
	var out []ChatMessage
	for _, f := range framesOf(frames, EventMessage) {
		var msg ChatMessage
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		if msg.IsSystem == system {
			out = append(out, msg)
		}
	}
	return out
}

func errorMessages(t *testing.T, frames []frame) []string {
	t.Helper()
	var out []string
	for _, f := range framesOf(frames, EventError) {
		var p ErrorPayload
		require.NoError(t, json.Unmarshal(f.Data, &p))
		out = append(out, p.Message)
	}
	return out
}

// fakeConn 实现 ConnLike
type fakeConn struct {
	in   chan []byte
	done chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closed    bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, b, nil
	case <-f.done:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(_ int, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.written = append(f.written, append([]byte(nil), b...))
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) Frames(t *testing.T) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame, 0, len(f.written))
	for _, b := range f.written {
		out = append(out, decodeFrame(t, b))
	}
	return out
}

// fakeStore 内存实现，可注入失败
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	rooms    []store.Room
	messages []store.Message

	failCreateUser   error
	failAppend       error
	failListRooms    error
	failListMessages error
	failCreateRoom   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]store.User{}}
}

func (s *fakeStore) CreateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateUser != nil {
		return s.failCreateUser
	}
	s.users[u.UserID] = *u
	return nil
}

func (s *fakeStore) UpdateUserStatus(_ context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.IsOnline = online
	s.users[userID] = u
	return nil
}

func (s *fakeStore) FindRoom(_ context.Context, roomID string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.RoomID == roomID {
			r := r
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) CreateRoom(_ context.Context, r *store.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateRoom != nil {
		return s.failCreateRoom
	}
	for _, existing := range s.rooms {
		if existing.RoomID == r.RoomID {
			return store.ErrRoomExists
		}
	}
	s.rooms = append(s.rooms, *r)
	return nil
}

func (s *fakeStore) ListRooms(context.Context) ([]store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failListRooms != nil {
		return nil, s.failListRooms
	}
	return append([]store.Room(nil), s.rooms...), nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	s.messages = append(s.messages, *m)
	return nil
}

func (s *fakeStore) CountMessages(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Room == roomID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListMessages(_ context.Context, roomID string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failListMessages != nil {
		return nil, s.failListMessages
	}
	var out []store.Message
	for _, m := range s.messages {
		if m.Room == roomID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) PurgeOldest(_ context.Context, roomID string, n int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	var purged int64
	for _, m := range s.messages {
		if m.Room == roomID && purged < int64(n) {
			purged++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return purged, nil
}

func (s *fakeStore) roomMessages(roomID string) []store.Message {
	msgs, _ := s.ListMessages(context.Background(), roomID, 0)
	return msgs
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func newTestManager(t *testing.T, mutators ...func(*Options)) (*ChatManager, *fakeStore) {
	t.Helper()

	fs := newFakeStore()
	seq := 0
	opts := Options{
		Store:        fs,
		Logger:       testLogger(),
		PingInterval: time.Hour,
		PongTimeout:  time.Hour,
		NewID: func() string {
			seq++
			return "msg-" + strconv.Itoa(seq)
		},
	}
	for _, mut := range mutators {
		mut(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.heartbeat.Stop)
	return m, fs
}

// connectClient 在不启动循环的情况下直接走 connect 流程
func connectClient(t *testing.T, m *ChatManager, id string) *Client {
	t.Helper()
	c := NewClient(id, newFakeConn())
	m.connect(c)
	drain(t, c)
	return c
}

func joinRoom(t *testing.T, m *ChatManager, c *Client, room, username string) {
	t.Helper()
	m.join(c.ID, JoinPayload{RoomID: room, Username: username})
}
