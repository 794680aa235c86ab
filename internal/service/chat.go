package service

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"llmchat/internal/config"
	"llmchat/internal/inference"
	"llmchat/internal/metrics"
	"llmchat/internal/models"

	"github.com/rs/zerolog/log"
)

// 可能被前端当作脚本执行的输入一律拒绝。
var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:text/html`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

// Generator 由推理网关实现。
type Generator interface {
	Generate(ctx context.Context, model string, history []models.Message, prompt string) (string, error)
}

// Notifier 把对话事件推送给用户在线的 WebSocket 连接。
type Notifier interface {
	Publish(userID uint, evt any)
}

// ChatRequest 是一次聊天提交。ConversationID 为空表示新建对话，Model 为空使用默认模型。
type ChatRequest struct {
	UserID         uint
	ConversationID string
	Message        string
	Model          string
}

type ChatResult struct {
	Reply            string
	ConversationID   string
	Model            string
	UserMessage      *models.Message
	AssistantMessage *models.Message
}

// ChatEvent 是推送到 WebSocket 的事件。
type ChatEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ChatService 编排一次聊天：校验、持久化用户消息、调用推理后端、持久化回复并推送事件。
type ChatService struct {
	store         *ConversationStore
	gen           Generator
	notifier      Notifier
	defaultModel  string
	allowed       []string
	maxLen        int
	historyWindow int
}

func NewChatService(store *ConversationStore, gen Generator, notifier Notifier, cfg config.Config) *ChatService {
	return &ChatService{
		store:         store,
		gen:           gen,
		notifier:      notifier,
		defaultModel:  cfg.DefaultModel,
		allowed:       cfg.AllowedModels,
		maxLen:        cfg.MaxMessageLength,
		historyWindow: cfg.HistoryWindow,
	}
}

// CleanMessage 去除 NUL 与首尾空白并做长度和脚本注入检查。
func CleanMessage(text string, maxLen int) (string, error) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\x00", ""))
	if text == "" {
		return "", invalid("message", "message must not be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return "", invalid("message", "message is too long")
	}
	for _, p := range scriptPatterns {
		if p.MatchString(text) {
			return "", invalid("message", "message contains disallowed content")
		}
	}
	return text, nil
}

// ResolveModel 在白名单中查找模型，不带标签的名字按 ":latest" 匹配。
func (s *ChatService) ResolveModel(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = s.defaultModel
	}
	if slices.Contains(s.allowed, name) {
		return name, nil
	}
	if !strings.Contains(name, ":") && slices.Contains(s.allowed, name+":latest") {
		return name + ":latest", nil
	}
	return "", invalid("model", "model is not allowed")
}

// Send 处理一次聊天。用户消息一旦落库，即使后端失败也保留；
// 此时返回的结果仍携带 ConversationID 与 UserMessage，同时返回推理错误。
func (s *ChatService) Send(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	text, err := CleanMessage(req.Message, s.maxLen)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if req.ConversationID != "" && !ValidConversationID(req.ConversationID) {
		metrics.ChatRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, invalid("conversation_id", "malformed conversation id")
	}
	model, err := s.ResolveModel(req.Model)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	userMsg, err := s.store.AppendMessage(ctx, req.ConversationID, req.UserID, models.RoleUser, text, model)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	res := &ChatResult{ConversationID: userMsg.ConversationID, Model: model, UserMessage: userMsg}
	s.publish(req.UserID, ChatEvent{Type: "message", ConversationID: res.ConversationID, Message: userMsg})

	// 上下文窗口不含刚写入的用户消息，它作为 prompt 单独传入。
	history, err := s.store.RecentMessages(ctx, res.ConversationID, s.historyWindow+1)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	if n := len(history); n > 0 && history[n-1].ID == userMsg.ID {
		history = history[:n-1]
	}

	start := time.Now()
	reply, err := s.gen.Generate(ctx, model, history, text)
	metrics.InferenceDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	if err != nil {
		code := BackendCode(err)
		metrics.ChatRequestsTotal.WithLabelValues(code).Inc()
		log.Warn().Err(err).Str("model", model).Str("conversation_id", res.ConversationID).Msg("inference failed")
		s.publish(req.UserID, ChatEvent{Type: "error", ConversationID: res.ConversationID, Code: code, Error: err.Error()})
		return res, err
	}

	// 补全已经拿到，客户端断开也照常落库。
	botMsg, err := s.store.AppendMessage(context.WithoutCancel(ctx), res.ConversationID, req.UserID, models.RoleAssistant, reply, model)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	res.Reply = reply
	res.AssistantMessage = botMsg
	metrics.ChatRequestsTotal.WithLabelValues("ok").Inc()
	s.publish(req.UserID, ChatEvent{Type: "message", ConversationID: res.ConversationID, Message: botMsg})
	return res, nil
}

func (s *ChatService) publish(userID uint, evt ChatEvent) {
	if s.notifier != nil {
		s.notifier.Publish(userID, evt)
	}
}

// BackendCode 把推理错误归类为稳定的错误码。
func BackendCode(err error) string {
	switch {
	case errors.Is(err, inference.ErrBackendUnreachable):
		return "BackendUnreachable"
	case errors.Is(err, inference.ErrModelNotFound):
		return "ModelNotFound"
	case errors.Is(err, inference.ErrTimeout):
		return "Timeout"
	default:
		return "BackendError"
	}
}
