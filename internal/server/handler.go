package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"llmchat/internal/auth"
	"llmchat/internal/config"
	"llmchat/internal/models"
	"llmchat/internal/service"

	"github.com/gin-gonic/gin"
)

// Backend 是推理后端的只读视图，供模型列表与健康检查使用。
type Backend interface {
	ListModels(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) bool
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg      config.Config
	users    *service.UserService
	sessions *service.SessionService
	convs    *service.ConversationStore
	chat     *service.ChatService
	backend  Backend
}

func NewHandler(cfg config.Config, users *service.UserService, sessions *service.SessionService, convs *service.ConversationStore, chat *service.ChatService, backend Backend) *Handler {
	return &Handler{cfg: cfg, users: users, sessions: sessions, convs: convs, chat: chat, backend: backend}
}

type profileDTO struct {
	ID          uint            `json:"id"`
	Email       string          `json:"email"`
	DisplayName string          `json:"display_name"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	LastLoginAt *time.Time      `json:"last_login_at,omitempty"`
}

func toProfile(u *models.User) profileDTO {
	p := profileDTO{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL, CreatedAt: u.CreatedAt, LastLoginAt: u.LastLoginAt}
	if len(u.Preferences) > 0 {
		p.Preferences = json.RawMessage(u.Preferences)
	}
	return p
}

type messageDTO struct {
	ID        uint        `json:"id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	Model     string      `json:"model,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func toMessages(msgs []models.Message) []messageDTO {
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageDTO{ID: m.ID, Role: m.Role, Content: m.Content, Model: m.Model, CreatedAt: m.CreatedAt})
	}
	return out
}

// bindJSON 解析请求体，体积超限与格式错误都作为校验失败返回。
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			badRequest(c, "body", "request body is too large")
		} else {
			badRequest(c, "body", "invalid payload")
		}
		return false
	}
	return true
}

func (h *Handler) setSessionCookie(c *gin.Context, s *service.IssuedSession) {
	maxAge := int(time.Until(s.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, s.Token, maxAge, "/", "", h.cfg.Env != "dev", true)
}

func (h *Handler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, "", -1, "/", "", h.cfg.Env != "dev", true)
}

func (h *Handler) issue(c *gin.Context, status int, user *models.User) {
	s, err := h.sessions.Create(c.Request.Context(), user)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	h.setSessionCookie(c, s)
	c.JSON(status, gin.H{"token": s.Token, "expires_at": s.ExpiresAt, "user": toProfile(user)})
}

// Register 处理用户注册请求，成功后直接登录。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.users.Register(c.Request.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	h.issue(c, http.StatusCreated, user)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		badRequest(c, "body", "email and password are required")
		return
	}
	user, err := h.users.Verify(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	h.issue(c, http.StatusOK, user)
}

// Logout 注销当前会话，?all=true 时撤销该用户的全部会话。无会话时同样返回成功。
func (h *Handler) Logout(c *gin.Context) {
	token := auth.ExtractToken(c)
	ctx := c.Request.Context()
	if token != "" && c.Query("all") == "true" {
		if user, err := h.sessions.Validate(ctx, token); err == nil {
			if err := h.sessions.DestroyAll(ctx, user.ID); err != nil {
				respondError(c, err, nil)
				return
			}
		}
	}
	if err := h.sessions.Destroy(ctx, token); err != nil {
		respondError(c, err, nil)
		return
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Chat 处理一次聊天提交。
func (h *Handler) Chat(c *gin.Context) {
	var req struct {
		Message        string `json:"message"`
		ConversationID string `json:"conversation_id"`
		Model          string `json:"model"`
	}
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.chat.Send(c.Request.Context(), service.ChatRequest{
		UserID:         auth.GetUserID(c),
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Model:          req.Model,
	})
	if err != nil {
		var extra gin.H
		if res != nil {
			extra = gin.H{"conversation_id": res.ConversationID}
		}
		respondError(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": res.Reply, "conversation_id": res.ConversationID, "model": res.Model})
}

func (h *Handler) ListConversations(c *gin.Context) {
	out := []service.ConversationSummary{}
	for conv, err := range h.convs.ListConversations(c.Request.Context(), auth.GetUserID(c)) {
		if err != nil {
			respondError(c, err, nil)
			return
		}
		out = append(out, conv)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (h *Handler) GetConversation(c *gin.Context) {
	id := c.Param("id")
	msgs, err := h.convs.GetHistory(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "messages": toMessages(msgs)})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.convs.DeleteConversation(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted", "conversation_id": id})
}

func (h *Handler) ClearConversations(c *gin.Context) {
	n, err := h.convs.ClearConversations(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "all conversations cleared", "deleted": n})
}

func (h *Handler) GetProfile(c *gin.Context) {
	c.JSON(http.StatusOK, toProfile(auth.GetUser(c)))
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var req struct {
		DisplayName *string         `json:"display_name"`
		AvatarURL   *string         `json:"avatar_url"`
		Preferences json.RawMessage `json:"preferences"`
	}
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.users.UpdateProfile(c.Request.Context(), auth.GetUserID(c), service.ProfileUpdate{
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
		Preferences: req.Preferences,
	})
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, toProfile(user))
}

// ChangePassword 校验当前密码后更新密码，并撤销当前会话以外的全部会话。
func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	userID := auth.GetUserID(c)
	if err := h.users.ChangePassword(ctx, userID, req.OldPassword, req.NewPassword); err != nil {
		respondError(c, err, nil)
		return
	}
	if err := h.sessions.DestroyOthers(ctx, userID, auth.ExtractToken(c)); err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password changed"})
}

// DeleteAccount 停用账号并级联隐藏其数据。
func (h *Handler) DeleteAccount(c *gin.Context) {
	if err := h.users.Deactivate(c.Request.Context(), auth.GetUserID(c)); err != nil {
		respondError(c, err, nil)
		return
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "account deleted"})
}

func (h *Handler) ListModels(c *gin.Context) {
	names, err := h.backend.ListModels(c.Request.Context())
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": names})
}

// backendStatus 探测后端连通性，连通时附带模型列表。
func (h *Handler) backendStatus(ctx context.Context) (bool, []string) {
	if !h.backend.Ping(ctx) {
		return false, []string{}
	}
	names, err := h.backend.ListModels(ctx)
	if err != nil {
		return true, []string{}
	}
	return true, names
}

func (h *Handler) Health(c *gin.Context) {
	ok, names := h.backendStatus(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "backend_connected": ok, "available_models": names})
}

func (h *Handler) Status(c *gin.Context) {
	ok, names := h.backendStatus(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"server_status":     "running",
		"backend_connected": ok,
		"available_models":  names,
		"default_model":     h.cfg.DefaultModel,
		"allowed_models":    h.cfg.AllowedModels,
	})
}
