package analysis

import (
	"context"
	"encoding/base64"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	geminiModel      = "gemini-2.5-flash"
	geminiImageModel = "gemini-2.5-flash-image"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini sends the file inline alongside the analyst prompt.
type Gemini struct {
	models contentGenerator
	model  string
	log    *zap.Logger
}

// NewGemini creates a Gemini analyzer. An empty model picks the image or text
// model per request from the MIME type.
func NewGemini(ctx context.Context, apiKey, model string, log *zap.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Gemini{models: client.Models, model: model, log: log}, nil
}

func (g *Gemini) Analyze(ctx context.Context, filename, content, mimeType string) string {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		g.log.Warn("gemini analysis input is not base64", zap.String("filename", filename), zap.Error(err))
		return ErrorResult
	}

	model := g.model
	if model == "" {
		model = geminiModel
		if strings.HasPrefix(mimeType, "image") {
			model = geminiImageModel
		}
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(analystPrompt(filename)),
		}, genai.RoleUser),
	}
	resp, err := g.models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		g.log.Error("gemini analysis failed", zap.String("filename", filename), zap.String("model", model), zap.Error(err))
		return ErrorResult
	}
	if resp == nil {
		return EmptyResult
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return EmptyResult
	}
	return text
}
