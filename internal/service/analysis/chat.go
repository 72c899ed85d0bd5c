package analysis

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"aegiscdr/internal/config"
)

// excerptLimit bounds the text excerpt sent to text-only chat models.
const excerptLimit = 4096

// Chat analyzes through an eino chat model. The models only take text, so
// the file is described by its metadata and a decoded excerpt when readable.
type Chat struct {
	model model.BaseChatModel
	log   *zap.Logger
}

func NewChat(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName string, log *zap.Logger) (*Chat, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 512,
		})
	default:
		return nil, fmt.Errorf("invalid chat provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &Chat{model: chatModel, log: log}, nil
}

func (c *Chat) Analyze(ctx context.Context, filename, content, mimeType string) string {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		c.log.Warn("chat analysis input is not base64", zap.String("filename", filename), zap.Error(err))
		return ErrorResult
	}

	msg, err := c.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(analystPrompt(filename)),
		schema.UserMessage(describeFile(filename, mimeType, data)),
	})
	if err != nil {
		c.log.Error("chat analysis failed", zap.String("filename", filename), zap.Error(err))
		return ErrorResult
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return EmptyResult
	}
	return strings.TrimSpace(msg.Content)
}

func describeFile(filename, mimeType string, data []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File name: %s\nMIME type: %s\nSize: %d bytes\n", filename, mimeType, len(data))
	excerpt := data
	if len(excerpt) > excerptLimit {
		excerpt = excerpt[:excerptLimit]
		// the cut may split a multi-byte rune
		for i := 0; i < utf8.UTFMax-1 && !utf8.Valid(excerpt); i++ {
			excerpt = excerpt[:len(excerpt)-1]
		}
	}
	if utf8.Valid(excerpt) {
		fmt.Fprintf(&b, "Content excerpt:\n%s", excerpt)
	} else {
		b.WriteString("Content is binary; no excerpt available.")
	}
	return b.String()
}
