package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
)

// OpenAICompatProvider speaks the chat-completions dialect shared by
// OpenAI, DeepSeek, Qwen and most hosted gateways. Point BaseURL at the
// vendor and the rest of the shape is identical.
type OpenAICompatProvider struct {
	ProviderName string // default "openai"
	BaseURL      string // default https://api.openai.com/v1
	APIKey       string
	APIKeyEnv    string // default OPENAI_API_KEY
	Model        string // default gpt-4o-mini
	HTTPClient   *http.Client
}

var _ Provider = (*OpenAICompatProvider)(nil)

func (p *OpenAICompatProvider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "openai"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	Stream         bool          `json:"stream"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAICompatProvider) Generate(ctx context.Context, req Request) (string, error) {
	apiKey := p.APIKey
	if apiKey == "" {
		env := p.APIKeyEnv
		if env == "" {
			env = "OPENAI_API_KEY"
		}
		apiKey = os.Getenv(env)
	}
	if apiKey == "" {
		return "", eris.Errorf("llm: no API key configured for %s provider", p.Name())
	}

	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	body := chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSONMode {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", eris.Wrap(err, "llm: encoding chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "llm: building chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "llm: chat request failed")
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", eris.Wrap(err, "llm: reading chat response")
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", eris.Wrapf(err, "llm: decoding chat response (status %d)", res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		msg := string(raw)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", eris.Errorf("llm: chat completion status %d: %s", res.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", eris.New("llm: chat completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
