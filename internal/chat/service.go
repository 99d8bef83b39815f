package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Service is the persistence façade used by the coordinator and the front ends.
type Service struct {
	repo     *Repo
	defaults Settings
	log      *zap.Logger
}

func NewService(repo *Repo, defaults Settings, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	// a zero Settings means "use the built-in defaults"
	if defaults.ModelName == "" {
		defaults = DefaultSettings()
	}
	return &Service{repo: repo, defaults: defaults, log: log}
}

func (s *Service) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	c := &Conversation{Title: title}
	if err := s.repo.CreateConversation(ctx, c); err != nil {
		s.log.Error("create conversation failed", zap.Error(err))
		return nil, persistErr("create conversation", err)
	}
	return c, nil
}

func (s *Service) ListConversations(ctx context.Context) ([]Conversation, error) {
	out, err := s.repo.ListConversations(ctx)
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	return out, nil
}

// GetConversation reports absence with found=false rather than an error.
func (s *Service) GetConversation(ctx context.Context, id uint64) (*Conversation, bool, error) {
	c, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, persistErr("get conversation", err)
	}
	return c, true, nil
}

func (s *Service) AppendMessage(ctx context.Context, conversationID uint64, content, role string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, ErrInvalidRole
	}
	if _, found, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	} else if !found {
		return nil, ErrConversationNotFound
	}

	m := &Message{ConversationID: conversationID, Role: role, Content: content}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		s.log.Error("append message failed",
			zap.Uint64("conversation_id", conversationID),
			zap.String("role", role),
			zap.Error(err))
		return nil, persistErr("append message", err)
	}
	return m, nil
}

// ListMessages returns messages oldest first. Unknown conversations yield an empty slice.
func (s *Service) ListMessages(ctx context.Context, conversationID uint64) ([]Message, error) {
	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	return msgs, nil
}

func (s *Service) GetSettings(ctx context.Context) (*Settings, error) {
	st, err := s.repo.GetOrCreateSettings(ctx, s.defaults)
	if err != nil {
		return nil, persistErr("get settings", err)
	}
	return st, nil
}

func (s *Service) UpdateSettings(ctx context.Context, p SettingsPatch) (*Settings, error) {
	st, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if p.ModelName != nil {
		name := strings.TrimSpace(*p.ModelName)
		if name == "" {
			return nil, fmt.Errorf("%w: model name is empty", ErrInvalidSettings)
		}
		st.ModelName = name
	}
	if p.Temperature != nil {
		if *p.Temperature < 0 || *p.Temperature > 2 {
			return nil, fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidSettings)
		}
		st.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		if *p.MaxTokens < 0 {
			return nil, fmt.Errorf("%w: max tokens must not be negative", ErrInvalidSettings)
		}
		st.MaxTokens = *p.MaxTokens
	}
	if err := s.repo.SaveSettings(ctx, st); err != nil {
		return nil, persistErr("update settings", err)
	}
	return st, nil
}

// RenameConversation returns false without an error when the conversation does not exist.
func (s *Service) RenameConversation(ctx context.Context, id uint64, title string) (bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	n, err := s.repo.RenameConversation(ctx, id, title)
	if err != nil {
		s.log.Error("rename conversation failed", zap.Uint64("conversation_id", id), zap.Error(err))
		return false, persistErr("rename conversation", err)
	}
	return n > 0, nil
}

// DeleteConversation removes the conversation and everything it owns atomically.
// It returns false without an error when there was nothing to delete.
func (s *Service) DeleteConversation(ctx context.Context, id uint64) (bool, error) {
	n, err := s.repo.DeleteConversation(ctx, id)
	if err != nil {
		s.log.Error("delete conversation rolled back", zap.Uint64("conversation_id", id), zap.Error(err))
		return false, persistErr("delete conversation", err)
	}
	return n > 0, nil
}

// Job passthroughs for the async path.

func (s *Service) CreateJob(ctx context.Context, conversationID uint64) (*Job, error) {
	id, err := NewJobID()
	if err != nil {
		return nil, err
	}
	j := &Job{ID: id, ConversationID: conversationID, Status: JobQueued}
	if err := s.repo.CreateJob(ctx, j); err != nil {
		return nil, persistErr("create job", err)
	}
	return j, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, bool, error) {
	j, err := s.repo.GetJobByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, persistErr("get job", err)
	}
	return j, true, nil
}

func (s *Service) Repo() *Repo { return s.repo }
