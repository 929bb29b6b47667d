package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestOpenAICompatGenerate(t *testing.T) {
	var captured chatRequest
	var authHeader, url string

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		url = r.URL.String()
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return jsonResponse(200, `{"choices":[{"message":{"content":"{\"entities\":[\"TSMC\"]}"}}]}`), nil
	})}

	p := &OpenAICompatProvider{APIKey: "test-key", HTTPClient: client}
	out, err := p.Generate(context.Background(), Request{
		System:    "You extract entity names.",
		Prompt:    "Find companies.",
		Model:     "gpt-4o-mini",
		JSONMode:  true,
		MaxTokens: 512,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != `{"entities":["TSMC"]}` {
		t.Errorf("content = %q", out)
	}
	if url != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("url = %q", url)
	}
	if authHeader != "Bearer test-key" {
		t.Errorf("auth = %q", authHeader)
	}
	if captured.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", captured.Model)
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", captured.ResponseFormat)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" || captured.Messages[1].Role != "user" {
		t.Errorf("messages = %+v", captured.Messages)
	}
}

func TestOpenAICompatCustomBaseURL(t *testing.T) {
	var url string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		url = r.URL.String()
		return jsonResponse(200, `{"choices":[{"message":{"content":"ok"}}]}`), nil
	})}

	p := &OpenAICompatProvider{
		ProviderName: "deepseek",
		BaseURL:      "https://api.deepseek.com",
		APIKey:       "k",
		Model:        "deepseek-chat",
		HTTPClient:   client,
	}
	if _, err := p.Generate(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if url != "https://api.deepseek.com/chat/completions" {
		t.Errorf("url = %q", url)
	}
}

func TestOpenAICompatErrorStatus(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(429, `{"error":{"message":"rate limited"}}`), nil
	})}

	p := &OpenAICompatProvider{APIKey: "k", HTTPClient: client}
	_, err := p.Generate(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v", err)
	}
}

func TestOpenAICompatMissingKey(t *testing.T) {
	p := &OpenAICompatProvider{APIKeyEnv: "LLM_TEST_KEY_THAT_IS_UNSET"}
	if _, err := p.Generate(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected error without API key")
	}
}

type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Generate(ctx context.Context, req Request) (string, error) {
	return "", nil
}

func TestManagerProviderFor(t *testing.T) {
	m := NewManager(Config{
		ActiveProvider: "gemini",
		Tasks: map[string]TaskConfig{
			"mention_extraction": {Provider: "deepseek", Model: "deepseek-chat"},
			"curation":           {Model: "gemini-2.0-flash"},
		},
	})

	tests := []struct {
		task     string
		provider string
		model    string
	}{
		{"mention_extraction", "deepseek", "deepseek-chat"},
		{"curation", "gemini", "gemini-2.0-flash"},
		{"unknown_task", "gemini", ""},
	}
	for _, tt := range tests {
		p, model := m.ProviderFor(tt.task)
		if p.Name() != tt.provider {
			t.Errorf("ProviderFor(%s) provider = %s, want %s", tt.task, p.Name(), tt.provider)
		}
		if model != tt.model {
			t.Errorf("ProviderFor(%s) model = %s, want %s", tt.task, model, tt.model)
		}
	}
}

func TestManagerFallsBackToOpenAI(t *testing.T) {
	m := NewManager(Config{ActiveProvider: "nonexistent"})
	p, _ := m.ProviderFor("anything")
	if p.Name() != "openai" {
		t.Errorf("fallback provider = %s, want openai", p.Name())
	}
}

func TestManagerRegisterAndSetActive(t *testing.T) {
	m := NewManager(Config{ActiveProvider: "openai"})
	m.Register("stub", &stubProvider{name: "stub"})
	if err := m.SetActiveProvider("stub"); err != nil {
		t.Fatalf("SetActiveProvider: %v", err)
	}
	if m.ActiveProvider() != "stub" {
		t.Errorf("active = %s", m.ActiveProvider())
	}
	if err := m.SetActiveProvider("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
}
