package store

import "time"

// User 持久化的用户状态（在线 / 输入中 / 最后活跃时间）
type User struct {
	ID         uint      `gorm:"primaryKey"`
	UserID     string    `gorm:"uniqueIndex;size:64;not null"`
	Username   string    `gorm:"index;size:100;not null"`
	Room       string    `gorm:"index;size:100"`
	IsOnline   bool      `gorm:"not null;default:false"`
	IsTyping   bool      `gorm:"not null;default:false"`
	SocketID   string    `gorm:"size:64"`
	LastActive time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Room 房间只增不删，RoomID 创建后不可变
type Room struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    string    `gorm:"uniqueIndex;size:100;not null"`
	Name      string    `gorm:"size:200;not null"`
	CreatedBy string    `gorm:"size:100;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Room) TableName() string { return "rooms" }

type Message struct {
	ID        uint      `gorm:"primaryKey"`
	MessageID string    `gorm:"uniqueIndex;size:64;not null"`
	User      string    `gorm:"index;size:100;not null"`
	Text      string    `gorm:"type:text;not null"`
	Room      string    `gorm:"index;size:100;not null"`
	Timestamp time.Time `gorm:"index;not null"`
	IsSystem  bool      `gorm:"not null;default:false"`
}

func (Message) TableName() string { return "messages" }

// MessageFilter 消息检索条件，零值字段不参与过滤
type MessageFilter struct {
	Room   string
	User   string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}
