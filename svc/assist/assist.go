// Package assist declares the generative-AI collaborator the library calls
// out to. No implementation ships with this module.
package assist

import (
	"context"
	"encoding/json"

	"legalvault/pkg/domain"
)

// Result is one document analysis. Analysis is vaulted as-is; only the
// domain verdict and tag suggestions are interpreted.
type Result struct {
	ValidDomain   bool
	DomainError   string
	SuggestedTags []string
	Analysis      json.RawMessage
}

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Analyzer interface {
	AnalyzeDocument(ctx context.Context, data []byte, mimeType, language string) (*Result, error)
}

type Assistant interface {
	Analyzer
	TranslateAnalysis(ctx context.Context, analysis json.RawMessage, language string) (json.RawMessage, error)
	GenerateDraft(ctx context.Context, kind domain.DraftType, details, language string) (string, error)
	AskQuestion(ctx context.Context, question, documentContext string, history []Turn, language string) (string, error)
	GenerateSpeech(ctx context.Context, text string) ([]byte, error)
	GenerateVisualAid(ctx context.Context, concept string) (string, error)
}

// Func adapts a plain function to Analyzer.
type Func func(ctx context.Context, data []byte, mimeType, language string) (*Result, error)

func (f Func) AnalyzeDocument(ctx context.Context, data []byte, mimeType, language string) (*Result, error) {
	return f(ctx, data, mimeType, language)
}
