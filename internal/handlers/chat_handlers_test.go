package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-rooms/internal/chat"
	"github.com/pelusa-v/pelusa-rooms/internal/monitor"
	"github.com/pelusa-v/pelusa-rooms/internal/queue"
	"github.com/pelusa-v/pelusa-rooms/internal/store"
)

type testEnv struct {
	app     *fiber.App
	store   *store.Store
	manager *chat.ChatManager
	tracker *queue.Tracker
	monitor *monitor.Collector
}

func setupTestApp(t *testing.T, mutators ...func(*Options)) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SeedDefaultRooms(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := queue.NewTracker(queue.Options{Searcher: st, Logger: logger})
	mgr, err := chat.NewManager(chat.Options{Store: st, Tracker: tracker, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(mgr.Heartbeat().Stop)

	collector := monitor.NewCollector(monitor.Options{Logger: logger})

	opts := Options{Manager: mgr, Store: st, Tracker: tracker, Monitor: collector, Logger: logger}
	for _, mut := range mutators {
		mut(&opts)
	}
	app := fiber.New()
	New(opts).Register(app)
	return &testEnv{app: app, store: st, manager: mgr, tracker: tracker, monitor: collector}
}

func doJSON(t *testing.T, app *fiber.App, method, target string, out any) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func appendMessage(t *testing.T, st *store.Store, id, user, room string, ts time.Time) {
	t.Helper()
	require.NoError(t, st.AppendMessage(context.Background(), &store.Message{
		MessageID: id, User: user, Text: "hi from " + user, Room: room, Timestamp: ts,
	}))
}

func TestRoomsHandler(t *testing.T) {
	env := setupTestApp(t)

	var rooms []chat.Room
	require.Equal(t, http.StatusOK, doJSON(t, env.app, http.MethodGet, "/api/rooms", &rooms))
	require.Len(t, rooms, 3)
	assert.Equal(t, "general", rooms[0].ID)
	assert.Equal(t, store.SystemUser, rooms[0].CreatedBy)
}

func TestRoomMessagesHandler(t *testing.T) {
	env := setupTestApp(t)
	base := time.Now().Add(-time.Minute)
	appendMessage(t, env.store, "m1", "alice", "tech", base)
	appendMessage(t, env.store, "m2", "bob", "tech", base.Add(time.Second))

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantIDs    []string
	}{
		{name: "latest ascending", target: "/api/rooms/tech/messages?limit=2", wantStatus: http.StatusOK, wantIDs: []string{"m1", "m2"}},
		{name: "limit keeps newest", target: "/api/rooms/tech/messages?limit=1", wantStatus: http.StatusOK, wantIDs: []string{"m2"}},
		{name: "unknown room", target: "/api/rooms/nope/messages", wantStatus: http.StatusNotFound},
		{name: "bad limit", target: "/api/rooms/tech/messages?limit=-1", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msgs []chat.ChatMessage
			require.Equal(t, tt.wantStatus, doJSON(t, env.app, http.MethodGet, tt.target, &msgs))
			if tt.wantIDs == nil {
				return
			}
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestShowClientsHandler(t *testing.T) {
	env := setupTestApp(t)
	p := env.manager.Presence()
	p.AddOrUpdate("c1", "carol", "general")
	p.AddOrUpdate("c2", "alice", "general")
	p.AddOrUpdate("c3", "bob", "tech")

	var users []chat.Identity
	require.Equal(t, http.StatusOK, doJSON(t, env.app, http.MethodGet, "/api/users?room=general&exclude=carol", &users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "c2", users[0].ConnID)

	require.Equal(t, http.StatusOK, doJSON(t, env.app, http.MethodGet, "/api/users", &users))
	assert.Len(t, users, 3)
}

func TestUserStatusHandler(t *testing.T) {
	env := setupTestApp(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateUser(ctx, &store.User{UserID: "c1", Username: "alice", Room: "general", IsOnline: true, SocketID: "c1"}))
	require.NoError(t, env.store.UpdateUserStatus(ctx, "c1", false))

	var body struct {
		Username string `json:"username"`
		Room     string `json:"room"`
		IsOnline bool   `json:"isOnline"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, env.app, http.MethodGet, "/api/users/c1", &body))
	assert.Equal(t, "alice", body.Username)
	assert.Equal(t, "general", body.Room)
	assert.False(t, body.IsOnline)

	assert.Equal(t, http.StatusNotFound, doJSON(t, env.app, http.MethodGet, "/api/users/nobody", nil))
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	env := setupTestApp(t)
	assert.Equal(t, http.StatusUpgradeRequired, doJSON(t, env.app, http.MethodGet, "/api/ws", nil))
}
