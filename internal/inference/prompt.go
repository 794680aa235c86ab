package inference

import (
	"strings"

	"llmchat/internal/models"
)

// BuildPrompt 把历史消息拼成 "role: content" 行，再附上新的用户输入与助手提示符。
func BuildPrompt(history []models.Message, prompt string) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(prompt)
	b.WriteString("\nAssistant:")
	return b.String()
}
