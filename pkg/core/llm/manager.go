package llm

import "github.com/rotisserie/eris"

// Config selects which provider serves each pipeline task. Tasks without
// an override use ActiveProvider.
type Config struct {
	ActiveProvider string                `yaml:"active_provider"`
	Tasks          map[string]TaskConfig `yaml:"tasks"`
}

type TaskConfig struct {
	Provider    string `yaml:"provider"` // Optional override
	Model       string `yaml:"model"`
	Description string `yaml:"description"`
}

// Manager maps task names ("mention_extraction", "relationship_cues") to
// configured providers.
type Manager struct {
	config    Config
	providers map[string]Provider
}

func NewManager(config Config) *Manager {
	return &Manager{
		config: config,
		providers: map[string]Provider{
			"openai": &OpenAICompatProvider{},
			"gemini": &GeminiProvider{},
			"deepseek": &OpenAICompatProvider{
				ProviderName: "deepseek",
				BaseURL:      "https://api.deepseek.com",
				APIKeyEnv:    "DEEPSEEK_API_KEY",
				Model:        "deepseek-chat",
			},
			"qwen": &OpenAICompatProvider{
				ProviderName: "qwen",
				BaseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
				APIKeyEnv:    "DASHSCOPE_API_KEY",
				Model:        "qwen-plus",
			},
		},
	}
}

// Register installs or replaces a named provider. Tests use this to swap
// in stubs.
func (m *Manager) Register(name string, p Provider) {
	m.providers[name] = p
}

// ProviderFor resolves the provider and model for a task. Resolution
// order: task override, global active provider, then "openai".
func (m *Manager) ProviderFor(task string) (Provider, string) {
	taskConfig, hasTask := m.config.Tasks[task]
	if hasTask && taskConfig.Provider != "" {
		if p, ok := m.providers[taskConfig.Provider]; ok {
			return p, taskConfig.Model
		}
	}
	if p, ok := m.providers[m.config.ActiveProvider]; ok {
		return p, taskConfig.Model
	}
	return m.providers["openai"], taskConfig.Model
}

func (m *Manager) SetActiveProvider(name string) error {
	if _, ok := m.providers[name]; !ok {
		return eris.Errorf("llm: provider %s not found", name)
	}
	m.config.ActiveProvider = name
	return nil
}

func (m *Manager) ActiveProvider() string {
	return m.config.ActiveProvider
}
