package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llmchat/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// CookieName 是浏览器端保存会话令牌的 cookie。
const CookieName = "session_token"

var (
	ErrSessionExpired = errors.New("session expired")
	ErrSessionInvalid = errors.New("session invalid")
)

type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

func HashPassword(pw string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// IsLegacyHash 识别旧系统遗留的无盐 SHA-256 十六进制摘要。
func IsLegacyHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func VerifyLegacyPassword(hash, pw string) bool {
	sum := sha256.Sum256([]byte(pw))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(hash))) == 1
}

// GenerateSessionToken 签发携带用户 ID 与会话 ID(jti) 的 HS256 令牌。
func GenerateSessionToken(userID uint, sessionID, secret string, expiresAt time.Time) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseSessionToken 校验签名与有效期，过期返回 ErrSessionExpired，其余失败统一为 ErrSessionInvalid。
func ParseSessionToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, ErrSessionInvalid
	}
	return claims, nil
}

// SessionIDFromToken 只校验签名、忽略有效期，用于注销已过期的令牌。
func SessionIDFromToken(tokenStr, secret string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || claims.ID == "" {
		return "", ErrSessionInvalid
	}
	return claims.ID, nil
}

// ExtractToken 依次读取 Authorization: Bearer 头与会话 cookie。
func ExtractToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if token, err := c.Cookie(CookieName); err == nil && token != "" {
		return token
	}
	return ""
}

// Validator 由会话管理器实现，便于在测试中替换。
type Validator interface {
	Validate(ctx context.Context, token string) (*models.User, error)
}

func AuthMiddleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required", "code": "SessionInvalid"})
			return
		}
		user, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, ErrSessionExpired):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired, please log in again", "code": "SessionExpired"})
			case errors.Is(err, ErrSessionInvalid):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session", "code": "SessionInvalid"})
			default:
				log.Error().Err(err).Msg("validate session")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "StorageError"})
			}
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", user)
		c.Set("token", token)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}

func GetUser(c *gin.Context) *models.User {
	if v, ok := c.Get("user"); ok {
		if u, ok2 := v.(*models.User); ok2 {
			return u
		}
	}
	return nil
}
