package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a room or user does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRoomExists is returned when creating a room whose id is taken.
	ErrRoomExists = errors.New("room already exists")
)

// SystemUser 系统消息的作者
const SystemUser = "system"

// DefaultRooms 启动时预置的房间：id -> name
var DefaultRooms = []Room{
	{RoomID: "general", Name: "General"},
	{RoomID: "tech", Name: "Tech"},
	{RoomID: "random", Name: "Random"},
}

// Store gorm + sqlite 持久化层
type Store struct {
	db *gorm.DB
}

// Open 打开数据库并自动迁移表结构
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Room{}, &Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return New(db), nil
}

// New wraps an already opened and migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	return sqlDB.Close()
}

// CreateUser 按 UserID 写入或覆盖
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.LastActive.IsZero() {
		u.LastActive = time.Now()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "room", "is_online", "is_typing", "socket_id", "last_active"}),
	}).Create(u).Error
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) FindUser(ctx context.Context, userID string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &u, nil
}

func (s *Store) UpdateUserStatus(ctx context.Context, userID string, online bool) error {
	result := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID).Updates(map[string]any{
		"is_online":   online,
		"last_active": time.Now(),
	})
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FindRoom(ctx context.Context, roomID string) (*Room, error) {
	var r Room
	if err := s.db.WithContext(ctx).First(&r, "room_id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return &r, nil
}

func (s *Store) CreateRoom(ctx context.Context, r *Room) error {
	if _, err := s.FindRoom(ctx, r.RoomID); err == nil {
		return ErrRoomExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrRoomExists
		}
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := s.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *Store) CountMessages(ctx context.Context, roomID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Where("room = ?", roomID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ListMessages 返回房间最近 limit 条消息，按时间升序
func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	var msgs []Message
	q := s.db.WithContext(ctx).Where("room = ?", roomID).Order("timestamp desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// PurgeOldest 删除房间内最早的 n 条消息
func (s *Store) PurgeOldest(ctx context.Context, roomID string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	db := s.db.WithContext(ctx)
	oldest := db.Model(&Message{}).Select("id").Where("room = ?", roomID).Order("timestamp asc, id asc").Limit(n)
	result := db.Where("id IN (?)", oldest).Delete(&Message{})
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	return result.RowsAffected, nil
}

// SearchMessages 按条件检索消息，按时间倒序
func (s *Store) SearchMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	q := s.db.WithContext(ctx).Model(&Message{})
	if f.Room != "" {
		q = q.Where("room = ?", f.Room)
	}
	if f.User != "" {
		q = q.Where("user = ?", f.User)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp <= ?", f.Until)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var msgs []Message
	if err := q.Order("timestamp desc, id desc").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return msgs, nil
}

// SeedDefaultRooms 创建缺失的默认房间，并写入欢迎消息
func (s *Store) SeedDefaultRooms(ctx context.Context) error {
	for _, def := range DefaultRooms {
		room := Room{RoomID: def.RoomID, Name: def.Name, CreatedBy: SystemUser}
		err := s.CreateRoom(ctx, &room)
		if errors.Is(err, ErrRoomExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to seed room %s: %w", def.RoomID, err)
		}
		welcome := &Message{
			MessageID: uuid.NewString(),
			User:      SystemUser,
			Text:      fmt.Sprintf("Welcome to the %s room!", def.Name),
			Room:      def.RoomID,
			IsSystem:  true,
		}
		if err := s.AppendMessage(ctx, welcome); err != nil {
			return err
		}
	}
	return nil
}
