// Package analysis produces the threat-surface summary attached to a task. An
// Analyzer never fails: missing credentials and transport errors degrade to a
// readable placeholder.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"aegiscdr/internal/config"
)

const (
	MissingKeyResult = "Analysis unavailable: API Key missing."
	ErrorResult      = "Analysis skipped due to processing error."
	EmptyResult      = "No analysis generated."
)

// Analyzer inspects a file's content conceptually and returns plain text.
// content is the base64 encoded file.
type Analyzer interface {
	Analyze(ctx context.Context, filename, content, mimeType string) string
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, filename, content, mimeType string) string

func (f AnalyzerFunc) Analyze(ctx context.Context, filename, content, mimeType string) string {
	return f(ctx, filename, content, mimeType)
}

// Unavailable answers every request with the missing-credentials placeholder.
var Unavailable Analyzer = AnalyzerFunc(func(context.Context, string, string, string) string {
	return MissingKeyResult
})

func analystPrompt(filename string) string {
	return fmt.Sprintf(`You are a cybersecurity analyst in a Content Disarm and Reconstruction (CDR) system.
The user has uploaded a file named %q.

Your task is NOT to execute code, but to inspect the *content* structure conceptually.

1. If it's an image, describe if it contains hidden text, steganography risks, or complex metadata structures (conceptually).
2. If it's text/document, identify potential macro keywords (conceptually) or risky patterns.
3. Provide a brief "Threat Surface Analysis" in 2 sentences.

Output plain text only.`, filename)
}

// New builds the analyzer selected by cfg.Analysis.Provider. A provider without
// an API key yields Unavailable.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Analyzer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("analysis")

	provider := strings.ToLower(cfg.Analysis.Provider)
	if provider == "" || provider == "none" {
		return Unavailable, nil
	}
	provCfg := cfg.Providers[provider]
	if provCfg.APIKey == "" {
		log.Warn("analysis provider has no api key, analysis disabled", zap.String("provider", provider))
		return Unavailable, nil
	}
	modelName := cfg.Analysis.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	switch provider {
	case "gemini":
		return NewGemini(ctx, provCfg.APIKey, modelName, log)
	case "openai", "claude":
		return NewChat(ctx, provider, provCfg, modelName, log)
	default:
		return nil, fmt.Errorf("invalid analysis provider: %s", provider)
	}
}
