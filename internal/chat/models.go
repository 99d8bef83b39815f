package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultTitle = "New Chat"
)

type Conversation struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	Messages  []Message `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64    `gorm:"not null;index:idx_msg_conv_created,priority:1" json:"conversation_id"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"index:idx_msg_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// settingsID pins the singleton row.
const settingsID = 1

type Settings struct {
	ID          uint      `gorm:"primaryKey;autoIncrement:false" json:"-"`
	ModelName   string    `gorm:"type:varchar(128);not null" json:"model_name"`
	Temperature float64   `gorm:"not null" json:"temperature"`
	MaxTokens   int       `gorm:"not null" json:"max_tokens"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Settings) TableName() string { return "settings" }

// DefaultSettings are used when the row is first created and no config overrides them.
func DefaultSettings() Settings {
	return Settings{
		ID:          settingsID,
		ModelName:   "llama3.2",
		Temperature: 0.7,
		MaxTokens:   2000,
	}
}

// SettingsPatch updates only the non-nil fields.
type SettingsPatch struct {
	ModelName   *string  `json:"model_name"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Conversation{}, &Message{}, &Settings{}, &Job{}}
}
