package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"llmchat/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var conversationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const maxTitleLen = 50

// ConversationStore 按用户持久化对话与有序消息。
type ConversationStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{db: db, now: time.Now}
}

// ConversationSummary 是对话列表中的一项。
type ConversationSummary struct {
	ID        string    `json:"conversation_id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidConversationID 只接受字母、数字、下划线与连字符。
func ValidConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleLen {
		return text
	}
	return string([]rune(text)[:maxTitleLen])
}

// AppendMessage 在单个事务内完成归属校验、时间戳单调化、插入与对话活跃时间更新。
// conversationID 为空时在同一事务中新建对话。
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID string, userID uint, role models.Role, text, model string) (*models.Message, error) {
	if !role.Valid() {
		return nil, invalid("role", "unknown role")
	}
	if conversationID != "" && !ValidConversationID(conversationID) {
		return nil, invalid("conversation_id", "malformed conversation id")
	}

	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC().Truncate(time.Microsecond)

		var conv models.Conversation
		if conversationID == "" {
			conv = models.Conversation{
				ID:        uuid.NewString(),
				UserID:    userID,
				Title:     titleFrom(text),
				Model:     model,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&conv).Error; err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
		} else {
			if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("load conversation: %w", err)
			}
			if conv.UserID != userID {
				return ErrNotOwner
			}
			var last models.Message
			err := tx.Where("conversation_id = ?", conv.ID).Order("created_at desc, id desc").Take(&last).Error
			switch {
			case err == nil:
				if !now.After(last.CreatedAt) {
					now = last.CreatedAt.Add(time.Microsecond)
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return fmt.Errorf("load last message: %w", err)
			}
		}

		msg = models.Message{
			ConversationID: conv.ID,
			Role:           role,
			Content:        text,
			Model:          model,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if err := tx.Model(&conv).UpdateColumn("updated_at", now).Error; err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListConversations 惰性地按最近活跃时间倒序产出对话摘要；每次 range 都会重新查询。
func (s *ConversationStore) ListConversations(ctx context.Context, userID uint) iter.Seq2[ConversationSummary, error] {
	return func(yield func(ConversationSummary, error) bool) {
		rows, err := s.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("user_id = ?", userID).
			Order("updated_at desc, id desc").
			Rows()
		if err != nil {
			yield(ConversationSummary{}, fmt.Errorf("list conversations: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var conv models.Conversation
			if err := s.db.ScanRows(rows, &conv); err != nil {
				yield(ConversationSummary{}, fmt.Errorf("scan conversation: %w", err))
				return
			}
			sum := ConversationSummary{ID: conv.ID, Title: conv.Title, Model: conv.Model, CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt}
			if !yield(sum, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ConversationSummary{}, fmt.Errorf("iterate conversations: %w", err))
		}
	}
}

// owned 读取属于该用户且未删除的对话，他人的对话同样视为不存在。
func (s *ConversationStore) owned(ctx context.Context, conversationID string, userID uint) (*models.Conversation, error) {
	if !ValidConversationID(conversationID) {
		return nil, ErrNotFound
	}
	var conv models.Conversation
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", conversationID, userID).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &conv, nil
}

// GetHistory 按插入顺序返回对话的全部消息。
func (s *ConversationStore) GetHistory(ctx context.Context, conversationID string, userID uint) ([]models.Message, error) {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("created_at asc, id asc").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// RecentMessages 返回最近 limit 条消息，按时间升序，用作推理上下文。
func (s *ConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at desc, id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteConversation 软删除对话及其消息。
func (s *ConversationStore) DeleteConversation(ctx context.Context, conversationID string, userID uint) error {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("id = ?", conversationID).Delete(&models.Conversation{}).Error; err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

// ClearConversations 软删除用户的全部对话，返回删除的对话数。
func (s *ConversationStore) ClearConversations(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := tx.Model(&models.Conversation{}).Select("id").Where("user_id = ?", userID)
		if err := tx.Where("conversation_id IN (?)", owned).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res := tx.Where("user_id = ?", userID).Delete(&models.Conversation{})
		if res.Error != nil {
			return fmt.Errorf("delete conversations: %w", res.Error)
		}
		n = res.RowsAffected
		return nil
	})
	return n, err
}
