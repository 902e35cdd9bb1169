package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SeedDefaultRooms(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedDefaultRooms(ctx))
	// 重复执行不应报错，也不应重复写入欢迎消息
	require.NoError(t, s.SeedDefaultRooms(ctx))

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, "general", rooms[0].RoomID)
	assert.Equal(t, SystemUser, rooms[0].CreatedBy)

	msgs, err := s.ListMessages(ctx, "tech", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Welcome to the Tech room!", msgs[0].Text)
	assert.True(t, msgs[0].IsSystem)
}

func TestStore_CreateRoomDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &Room{RoomID: "go-fans", Name: "Go Fans", CreatedBy: "ann"}))
	err := s.CreateRoom(ctx, &Room{RoomID: "go-fans", Name: "Other", CreatedBy: "bob"})
	assert.ErrorIs(t, err, ErrRoomExists)

	r, err := s.FindRoom(ctx, "go-fans")
	require.NoError(t, err)
	assert.Equal(t, "Go Fans", r.Name)

	_, err = s.FindRoom(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UserUpsertAndStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{UserID: "u1", Username: "ann", Room: "general", IsOnline: true, SocketID: "c1"}))
	require.NoError(t, s.CreateUser(ctx, &User{UserID: "u1", Username: "ann", Room: "tech", IsOnline: true, SocketID: "c2"}))

	u, err := s.FindUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tech", u.Room)
	assert.Equal(t, "c2", u.SocketID)

	require.NoError(t, s.UpdateUserStatus(ctx, "u1", false))
	u, err = s.FindUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.IsOnline)

	assert.ErrorIs(t, s.UpdateUserStatus(ctx, "nobody", false), ErrNotFound)
}

func TestStore_MessagesRetention(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 55; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			MessageID: fmt.Sprintf("m%02d", i),
			User:      "ann",
			Text:      fmt.Sprintf("hello %d", i),
			Room:      "general",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.AppendMessage(ctx, &Message{MessageID: "other", User: "bob", Text: "hi", Room: "tech", Timestamp: base}))

	n, err := s.CountMessages(ctx, "general")
	require.NoError(t, err)
	assert.EqualValues(t, 55, n)

	purged, err := s.PurgeOldest(ctx, "general", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, purged)

	msgs, err := s.ListMessages(ctx, "general", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	assert.Equal(t, "m05", msgs[0].MessageID)
	assert.Equal(t, "m54", msgs[49].MessageID)

	// 其他房间不受影响
	n, err = s.CountMessages(ctx, "tech")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	latest, err := s.ListMessages(ctx, "general", 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "m52", latest[0].MessageID)
}

func TestStore_SearchMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	seed := []Message{
		{MessageID: "a", User: "ann", Room: "general", Text: "1", Timestamp: base},
		{MessageID: "b", User: "bob", Room: "general", Text: "2", Timestamp: base.Add(time.Minute)},
		{MessageID: "c", User: "ann", Room: "tech", Text: "3", Timestamp: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		require.NoError(t, s.AppendMessage(ctx, &seed[i]))
	}

	tests := []struct {
		name   string
		filter MessageFilter
		want   []string
	}{
		{name: "all newest first", filter: MessageFilter{}, want: []string{"c", "b", "a"}},
		{name: "by room", filter: MessageFilter{Room: "general"}, want: []string{"b", "a"}},
		{name: "by user", filter: MessageFilter{User: "ann"}, want: []string{"c", "a"}},
		{name: "since", filter: MessageFilter{Since: base.Add(30 * time.Second)}, want: []string{"c", "b"}},
		{name: "until", filter: MessageFilter{Until: base.Add(30 * time.Second)}, want: []string{"a"}},
		{name: "limit offset", filter: MessageFilter{Limit: 1, Offset: 1}, want: []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := s.SearchMessages(ctx, tt.filter)
			require.NoError(t, err)
			got := make([]string, 0, len(msgs))
			for _, m := range msgs {
				got = append(got, m.MessageID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
