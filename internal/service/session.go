package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmchat/internal/auth"
	"llmchat/internal/config"
	"llmchat/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionService 是会话管理器：令牌为签名 JWT，jti 在服务端登记以便注销立即生效。
type SessionService struct {
	db     *gorm.DB
	secret string
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionService(db *gorm.DB, cfg config.Config) *SessionService {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionService{db: db, secret: cfg.SecretKey, ttl: ttl, now: time.Now}
}

// IssuedSession 是登录或注册成功后返回给客户端的凭据。
type IssuedSession struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Create 为用户登记一条新会话并签发令牌。
func (s *SessionService) Create(ctx context.Context, user *models.User) (*IssuedSession, error) {
	now := s.now().UTC()
	rec := models.Session{ID: uuid.NewString(), UserID: user.ID, ExpiresAt: now.Add(s.ttl), CreatedAt: now}
	token, err := auth.GenerateSessionToken(user.ID, rec.ID, s.secret, rec.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return &IssuedSession{Token: token, ExpiresAt: rec.ExpiresAt}, nil
}

// Validate 返回令牌对应的用户；过期返回 ErrSessionExpired，伪造、已注销或账号停用返回 ErrSessionInvalid。
func (s *SessionService) Validate(ctx context.Context, token string) (*models.User, error) {
	claims, err := auth.ParseSessionToken(token, s.secret)
	if err != nil {
		return nil, err
	}
	var rec models.Session
	if err := s.db.WithContext(ctx).Where("id = ?", claims.ID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if rec.UserID != claims.UserID {
		return nil, ErrSessionInvalid
	}
	if !s.now().Before(rec.ExpiresAt) {
		if err := s.db.WithContext(ctx).Delete(&models.Session{}, "id = ?", rec.ID).Error; err != nil {
			return nil, fmt.Errorf("purge expired session: %w", err)
		}
		return nil, ErrSessionExpired
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, rec.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("lookup session user: %w", err)
	}
	if !user.Active {
		return nil, ErrSessionInvalid
	}
	return &user, nil
}

// Destroy 注销令牌，可重复调用；无法识别的令牌视为已注销。
func (s *SessionService) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	sid, err := auth.SessionIDFromToken(token, s.secret)
	if err != nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Delete(&models.Session{}, "id = ?", sid).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DestroyAll 撤销用户的全部会话。
func (s *SessionService) DestroyAll(ctx context.Context, userID uint) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}

// DestroyOthers 撤销用户除 keepToken 对应会话外的全部会话。
func (s *SessionService) DestroyOthers(ctx context.Context, userID uint, keepToken string) error {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if sid, err := auth.SessionIDFromToken(keepToken, s.secret); err == nil {
		q = q.Where("id <> ?", sid)
	}
	if err := q.Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("delete other sessions: %w", err)
	}
	return nil
}
