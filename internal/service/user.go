package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"llmchat/internal/auth"
	"llmchat/internal/config"
	"llmchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const (
	minPasswordLen    = 6
	maxPasswordLen    = 72
	maxDisplayNameLen = 64
	maxAvatarURLLen   = 512
)

// UserService 是凭据存储：注册、校验密码、维护资料与停用账号。
type UserService struct {
	db        *gorm.DB
	cost      int
	dummyHash string
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	// 邮箱不存在时也要做一次等价的 bcrypt 比较，避免通过耗时判断账号是否存在。
	dummy, _ := auth.HashPassword("timing-equalizer", cfg.BcryptCost)
	return &UserService{db: db, cost: cfg.BcryptCost, dummyHash: dummy}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func checkPassword(field, password string) error {
	if len(password) < minPasswordLen {
		return invalid(field, "password must be at least 6 characters long")
	}
	if len(password) > maxPasswordLen {
		return invalid(field, "password must be at most 72 bytes long")
	}
	return nil
}

// cleanAvatarURL 允许空串（清除头像）或 http(s) 绝对地址。
func cleanAvatarURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if len(raw) > maxAvatarURLLen {
		return "", invalid("avatar_url", "avatar url is too long")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", invalid("avatar_url", "avatar url must be an http or https address")
	}
	return raw, nil
}

func cleanDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("display_name", "display name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		return "", invalid("display_name", "display name is too long")
	}
	return name, nil
}

// Register 创建新用户，邮箱已存在时返回 ErrDuplicateEmail。
func (s *UserService) Register(ctx context.Context, email, password, displayName string) (*models.User, error) {
	email = normalizeEmail(email)
	if !emailPattern.MatchString(email) || len(email) > 255 {
		return nil, invalid("email", "please enter a valid email address")
	}
	if err := checkPassword("password", password); err != nil {
		return nil, err
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = email[:strings.IndexByte(email, '@')]
		if utf8.RuneCountInString(displayName) > maxDisplayNameLen {
			displayName = string([]rune(displayName)[:maxDisplayNameLen])
		}
	}
	displayName, err := cleanDisplayName(displayName)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil, ErrDuplicateEmail
	}
	hash, err := auth.HashPassword(password, s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := models.User{Email: email, PasswordHash: hash, DisplayName: displayName, Active: true}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

// Verify 校验邮箱与密码，失败统一返回 ErrInvalidCredentials。旧版 SHA-256 摘要在校验通过后升级为 bcrypt。
func (s *UserService) Verify(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("query user: %w", err)
		}
		auth.VerifyPassword(s.dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		auth.VerifyPassword(s.dummyHash, password)
		return nil, ErrInvalidCredentials
	}

	if !s.checkStored(ctx, &user, password) {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}
	user.LastLoginAt = &now
	return &user, nil
}

// checkStored 按存储格式比对密码，旧版摘要比对通过后顺带升级。
func (s *UserService) checkStored(ctx context.Context, user *models.User, password string) bool {
	if !auth.IsLegacyHash(user.PasswordHash) {
		return auth.VerifyPassword(user.PasswordHash, password)
	}
	auth.VerifyPassword(s.dummyHash, password)
	if !auth.VerifyLegacyPassword(user.PasswordHash, password) {
		return false
	}
	if err := s.migratePassword(ctx, user, password); err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("migrate legacy password hash")
	}
	return true
}

// ChangePassword 校验当前密码后写入新的 bcrypt 哈希。撤销其他会话由调用方负责。
func (s *UserService) ChangePassword(ctx context.Context, id uint, oldPassword, newPassword string) error {
	if err := checkPassword("new_password", newPassword); err != nil {
		return err
	}
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !user.Active {
		return ErrNotFound
	}
	if !s.checkStored(ctx, user, oldPassword) {
		return invalid("old_password", "current password is incorrect")
	}
	hash, err := auth.HashPassword(newPassword, s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(user).Update("password_hash", hash).Error; err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	log.Info().Uint("user_id", id).Msg("password changed")
	return nil
}

func (s *UserService) migratePassword(ctx context.Context, user *models.User, password string) error {
	hash, err := auth.HashPassword(password, s.cost)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("password_hash", hash).Error; err != nil {
		return err
	}
	user.PasswordHash = hash
	log.Info().Uint("user_id", user.ID).Msg("migrated legacy password hash to bcrypt")
	return nil
}

// Get 按 ID 读取用户，不存在时返回 ErrNotFound。
func (s *UserService) Get(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// ProfileUpdate 中为 nil 的字段保持不变。
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
	Preferences json.RawMessage
}

func (s *UserService) UpdateProfile(ctx context.Context, id uint, upd ProfileUpdate) (*models.User, error) {
	changes := map[string]interface{}{}
	if upd.DisplayName != nil {
		name, err := cleanDisplayName(*upd.DisplayName)
		if err != nil {
			return nil, err
		}
		changes["display_name"] = name
	}
	if upd.AvatarURL != nil {
		avatar, err := cleanAvatarURL(*upd.AvatarURL)
		if err != nil {
			return nil, err
		}
		changes["avatar_url"] = avatar
	}
	if upd.Preferences != nil {
		if !json.Valid(upd.Preferences) {
			return nil, invalid("preferences", "preferences must be valid JSON")
		}
		changes["preferences"] = datatypes.JSON(upd.Preferences)
	}
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return user, nil
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(changes).Error; err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return s.Get(ctx, id)
}

// Deactivate 软删除账号：标记为停用，隐藏其全部对话与消息，并撤销所有会话。
func (s *UserService) Deactivate(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).Where("id = ? AND active = ?", id, true).Update("active", false)
		if res.Error != nil {
			return fmt.Errorf("deactivate user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		owned := tx.Model(&models.Conversation{}).Select("id").Where("user_id = ?", id)
		if err := tx.Where("conversation_id IN (?)", owned).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("hide messages: %w", err)
		}
		if err := tx.Where("user_id = ?", id).Delete(&models.Conversation{}).Error; err != nil {
			return fmt.Errorf("hide conversations: %w", err)
		}
		if err := tx.Where("user_id = ?", id).Delete(&models.Session{}).Error; err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		return nil
	})
}
