package domain

const (
	// MinMaxTokens is the smallest selectable reply budget.
	MinMaxTokens = 512
	// MaxTokensStep is the granularity of the reply budget.
	MaxTokensStep = 512
	// PreferredMaxTokens caps the default reply budget.
	PreferredMaxTokens = 8192
)

// ModelConfig describes one entry of the model catalog.
type ModelConfig struct {
	ID               string `json:"id"`
	DisplayName      string `json:"name"`
	MaxContextTokens int    `json:"tokens"`
	Developer        string `json:"developer"`
}

// RequestConfig is the active model and reply budget of a session.
type RequestConfig struct {
	ModelID   string `json:"modelId"`
	MaxTokens int    `json:"maxTokens"`
}

var catalog = []ModelConfig{
	{ID: "llama3-70b-8192", DisplayName: "LLaMA3-70b", MaxContextTokens: 8192, Developer: "Meta"},
	{ID: "llama3-8b-8192", DisplayName: "LLaMA3-8b", MaxContextTokens: 8192, Developer: "Meta"},
}

// Catalog returns the closed list of selectable models in display order.
func Catalog() []ModelConfig {
	return append([]ModelConfig(nil), catalog...)
}

// DefaultModel is the first catalog entry.
func DefaultModel() ModelConfig {
	return catalog[0]
}

// LookupModel finds a catalog entry by id.
func LookupModel(id string) (ModelConfig, bool) {
	for _, m := range catalog {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// NextModel returns the catalog entry after id, wrapping around. Unknown ids
// map to the default model.
func NextModel(id string) ModelConfig {
	for i, m := range catalog {
		if m.ID == id {
			return catalog[(i+1)%len(catalog)]
		}
	}
	return DefaultModel()
}

// UpperMaxTokens is the largest multiple of MaxTokensStep the model accepts.
func (m ModelConfig) UpperMaxTokens() int {
	upper := m.MaxContextTokens - m.MaxContextTokens%MaxTokensStep
	if upper < MinMaxTokens {
		return MinMaxTokens
	}
	return upper
}

// DefaultMaxTokens is min(PreferredMaxTokens, model max), kept on the step grid.
func (m ModelConfig) DefaultMaxTokens() int {
	return m.ClampMaxTokens(PreferredMaxTokens)
}

// ClampMaxTokens rounds n down to the step grid and bounds it to
// [MinMaxTokens, UpperMaxTokens].
func (m ModelConfig) ClampMaxTokens(n int) int {
	n -= n % MaxTokensStep
	if n < MinMaxTokens {
		n = MinMaxTokens
	}
	if upper := m.UpperMaxTokens(); n > upper {
		n = upper
	}
	return n
}

// DefaultRequestConfig is the configuration applied when nothing was selected.
func DefaultRequestConfig() RequestConfig {
	m := DefaultModel()
	return RequestConfig{ModelID: m.ID, MaxTokens: m.DefaultMaxTokens()}
}
