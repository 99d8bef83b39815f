package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// ListConversations returns conversations newest first.
func (r *Repo) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) GetConversation(ctx context.Context, id uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) RenameConversation(ctx context.Context, id uint64, title string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("title", title)
	return res.RowsAffected, res.Error
}

// DeleteConversation removes the conversation's messages, jobs and the conversation
// itself in one transaction. It reports how many conversation rows were removed.
func (r *Repo) DeleteConversation(ctx context.Context, id uint64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&Job{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Conversation{})
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns the conversation's messages oldest first.
func (r *Repo) ListMessages(ctx context.Context, conversationID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages newest first.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, conversationID uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) CountMessages(ctx context.Context, conversationID uint64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	return n, err
}

// GetOrCreateSettings returns the singleton row, inserting defaults on first access.
func (r *Repo) GetOrCreateSettings(ctx context.Context, defaults Settings) (*Settings, error) {
	defaults.ID = settingsID
	var s Settings
	err := r.db.WithContext(ctx).
		Where(Settings{ID: settingsID}).
		Attrs(defaults).
		FirstOrCreate(&s).Error
	if err == nil {
		return &s, nil
	}
	// lost a creation race; the winner's row is there now
	if getErr := r.db.WithContext(ctx).First(&s, "id = ?", settingsID).Error; getErr == nil {
		return &s, nil
	}
	return nil, err
}

func (r *Repo) SaveSettings(ctx context.Context, s *Settings) error {
	s.ID = settingsID
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *Repo) CountSettings(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Settings{}).Count(&n).Error
	return n, err
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job, or a running one last touched before
// staleBefore (its worker died). It reports false when the job is settled or
// another worker holds a fresh claim, e.g. on a redelivered message.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Where(r.db.Where("status = ?", JobQueued).
			Or("status = ? AND updated_at < ?", JobRunning, staleBefore)).
		Update("status", JobRunning)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
