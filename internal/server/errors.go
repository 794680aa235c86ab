package server

import (
	"errors"
	"net/http"

	"llmchat/internal/inference"
	"llmchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type apiError struct {
	status int
	code   string
	msg    string
	hint   string
}

var errorTable = []struct {
	target error
	apiError
}{
	{service.ErrInvalidCredentials, apiError{http.StatusUnauthorized, "InvalidCredentials", "invalid email or password", ""}},
	{service.ErrSessionExpired, apiError{http.StatusUnauthorized, "SessionExpired", "session expired, please log in again", ""}},
	{service.ErrSessionInvalid, apiError{http.StatusUnauthorized, "SessionInvalid", "invalid session", ""}},
	{service.ErrNotOwner, apiError{http.StatusForbidden, "NotOwner", "conversation belongs to another user", ""}},
	{service.ErrNotFound, apiError{http.StatusNotFound, "NotFound", "not found", ""}},
	{service.ErrDuplicateEmail, apiError{http.StatusConflict, "DuplicateEmail", "email already registered", ""}},
	{inference.ErrBackendUnreachable, apiError{http.StatusBadGateway, "BackendUnreachable", "cannot connect to the inference server", "make sure the Ollama server is running"}},
	{inference.ErrModelNotFound, apiError{http.StatusBadGateway, "ModelNotFound", "model is not available on the inference server", "pull the model with `ollama pull <model>`"}},
	{inference.ErrTimeout, apiError{http.StatusGatewayTimeout, "Timeout", "the model took too long to respond", "try again or pick a smaller model"}},
	{inference.ErrBackendError, apiError{http.StatusBadGateway, "BackendError", "the inference server returned an error", ""}},
}

// classify 把业务错误映射为 HTTP 状态码与稳定的错误码；未知错误按存储故障处理。
func classify(err error) apiError {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		return apiError{http.StatusBadRequest, "ValidationError", ve.Reason, ""}
	}
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.apiError
		}
	}
	return apiError{http.StatusInternalServerError, "StorageError", "internal error", ""}
}

// respondError 输出统一的错误体，extra 中的字段会一并返回。
func respondError(c *gin.Context, err error, extra gin.H) {
	ae := classify(err)
	if ae.status >= http.StatusInternalServerError && ae.code == "StorageError" {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	_ = c.Error(err)
	body := gin.H{"error": ae.msg, "code": ae.code}
	if ae.hint != "" {
		body["hint"] = ae.hint
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(ae.status, body)
}

func badRequest(c *gin.Context, field, reason string) {
	respondError(c, &service.ValidationError{Field: field, Reason: reason}, nil)
}
