package llm

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// GeminiProvider generates completions through Google's GenAI SDK.
type GeminiProvider struct {
	APIKey string // default $GEMINI_API_KEY
	Model  string // default gemini-2.0-flash
}

var _ Provider = (*GeminiProvider)(nil)

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Generate(ctx context.Context, req Request) (string, error) {
	apiKey := p.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return "", eris.New("llm: no API key configured for gemini provider")
	}

	model := req.Model
	if model == "" {
		model = p.Model
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", eris.Wrap(err, "llm: creating genai client")
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), config)
	if err != nil {
		return "", eris.Wrap(err, "llm: gemini generation failed")
	}
	return result.Text(), nil
}
