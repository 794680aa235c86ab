package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"llmchat/internal/models"

	"github.com/rs/zerolog/log"
)

const pingTimeout = 5 * time.Second

// Options 对应 Ollama generate 接口的采样参数。
type Options struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	TopK        int      `json:"top_k"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
		NumPredict:  256,
		Stop:        []string{"User:", "Human:", "Assistant:", "AI:"},
	}
}

// Client 是面向 Ollama 兼容推理服务的网关，每次调用只尝试一次，不自动重试。
type Client struct {
	baseURL      string
	http         *http.Client
	timeout      time.Duration
	systemPrompt string
	options      Options
}

func NewClient(baseURL, systemPrompt string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{},
		timeout:      timeout,
		systemPrompt: systemPrompt,
		options:      DefaultOptions(),
	}
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	System  string  `json:"system,omitempty"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Generate 携带系统提示词与对话上下文请求补全，流式 NDJSON 结果在本地拼接成完整回复。
func (c *Client) Generate(ctx context.Context, model string, history []models.Message, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  BuildPrompt(history, prompt),
		System:  c.systemPrompt,
		Stream:  true,
		Options: c.options,
	})
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp, model)
	}

	var out strings.Builder
	done := false
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			log.Debug().Err(err).Str("model", model).Msg("skip malformed generate chunk")
			continue
		}
		if chunk.Error != "" {
			if isModelMissing(chunk.Error) {
				return "", fmt.Errorf("%w: %s", ErrModelNotFound, model)
			}
			return "", fmt.Errorf("%w: %s", ErrBackendError, chunk.Error)
		}
		out.WriteString(chunk.Response)
		if chunk.Done {
			done = true
			break
		}
	}
	if err := sc.Err(); err != nil {
		return "", classify(ctx, err)
	}
	if !done {
		return "", fmt.Errorf("%w: stream ended before done", ErrBackendError)
	}
	return strings.TrimSpace(out.String()), nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels 返回后端已拉取的模型名。
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.tags(ctx)
}

// Ping 在较短超时内探测后端是否可达。
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := c.tags(ctx); err != nil {
		log.Warn().Err(err).Str("backend", c.baseURL).Msg("inference backend ping failed")
		return false
	}
	return true
}

func (c *Client) tags(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "")
	}
	var tr tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%w: decode tags: %v", ErrBackendError, err)
	}
	names := make([]string, 0, len(tr.Models))
	for _, m := range tr.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// classify 把传输层错误归类为超时或不可达。
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: request canceled: %v", ErrBackendError, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
}

func statusError(resp *http.Response, model string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if model != "" && (resp.StatusCode == http.StatusNotFound || isModelMissing(msg)) {
		return fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}
	return fmt.Errorf("%w: status %d: %s", ErrBackendError, resp.StatusCode, msg)
}

func isModelMissing(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "model") && strings.Contains(msg, "not found")
}
