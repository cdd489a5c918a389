package registry

import (
	"fmt"
	"time"
)

// ModelType separates generation models from embedding models.
type ModelType string

const (
	ModelText      ModelType = "text"
	ModelEmbedding ModelType = "embedding"
)

func ParseModelType(s string) (ModelType, error) {
	switch ModelType(s) {
	case ModelText, ModelEmbedding:
		return ModelType(s), nil
	case "":
		return ModelText, nil
	default:
		return "", fmt.Errorf("unknown model type %q", s)
	}
}

// ModelStatus is the lifecycle state set by the admin workflow.
type ModelStatus string

const (
	StatusActive     ModelStatus = "active"
	StatusInactive   ModelStatus = "inactive"
	StatusDeprecated ModelStatus = "deprecated"
	StatusBeta       ModelStatus = "beta"
)

// ProviderKind is the wire contract a provider speaks.
type ProviderKind string

const (
	// KindDirect accepts {prompt, max_tokens, temperature} at the base URL
	// and answers {text, usage}.
	KindDirect ProviderKind = "direct"
	// KindChat accepts {model, messages, ...} and answers {choices, usage}.
	KindChat ProviderKind = "chat"
	// KindEmbedding accepts {model, input, encoding_format} and answers
	// {data:[{embedding}], usage}.
	KindEmbedding ProviderKind = "embedding"
)

// Provider is an upstream vendor integration.
type Provider struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	BaseURL   string         `json:"base_url"`
	SecretRef string         `json:"-"`
	Active    bool           `json:"active"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Kind reads the wire contract from config, defaulting to chat.
func (p *Provider) Kind() ProviderKind {
	if s, ok := p.Config["kind"].(string); ok {
		switch ProviderKind(s) {
		case KindDirect, KindChat, KindEmbedding:
			return ProviderKind(s)
		}
	}
	return KindChat
}

// Path returns an optional endpoint path override from config.
func (p *Provider) Path() string {
	s, _ := p.Config["path"].(string)
	return s
}

// Model is a named capability exposed by a provider.
type Model struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ProviderID      string         `json:"provider_id"`
	Type            ModelType      `json:"type"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	ContextWindow   int            `json:"context_window"`
	Status          ModelStatus    `json:"status"`
	IsDefault       bool           `json:"is_default"`
	InputCostPer1K  float64        `json:"input_cost_per_1k"`
	OutputCostPer1K float64        `json:"output_cost_per_1k"`
	Config          map[string]any `json:"config,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ProviderModelID is the identifier sent upstream. A provider_model_id
// config override wins over the model name.
func (m *Model) ProviderModelID() string {
	if s, ok := m.Config["provider_model_id"].(string); ok && s != "" {
		return s
	}
	return m.Name
}

// Cost estimates the price of a call from the per-1K token rates.
func (m *Model) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*m.InputCostPer1K +
		float64(completionTokens)/1000*m.OutputCostPer1K
}

// ParameterMapping translates one unified request field into a provider
// field. UnifiedParam is unique per model.
type ParameterMapping struct {
	ModelID       string        `json:"model_id"`
	UnifiedParam  string        `json:"unified_param"`
	ProviderParam string        `json:"provider_param"`
	Transform     TransformKind `json:"transform,omitempty"`
}

// reservedConfigKeys never leak from model config into a payload.
var reservedConfigKeys = map[string]bool{
	"description":       true,
	"provider_model_id": true,
	"kind":              true,
}
