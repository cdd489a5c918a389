package registry

import (
	"fmt"
	"time"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/config"
)

// Seed is a registry snapshot built from configuration.
type Seed struct {
	Providers []Provider
	Models    []Model
	Mappings  []ParameterMapping
}

// SeedFromConfig converts config seed entries, rejecting unknown model
// types, statuses and transform names.
func SeedFromConfig(cfg config.RegistryConfig) (*Seed, error) {
	now := time.Now().UTC()
	seed := &Seed{}
	providers := make(map[string]bool)
	for _, p := range cfg.Providers {
		if p.ID == "" || p.Name == "" {
			return nil, apperr.Configuration("registry provider needs id and name")
		}
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		seed.Providers = append(seed.Providers, Provider{
			ID:        p.ID,
			Name:      p.Name,
			BaseURL:   p.BaseURL,
			SecretRef: p.SecretRef,
			Active:    active,
			Config:    p.Config,
			CreatedAt: now,
			UpdatedAt: now,
		})
		providers[p.ID] = true
	}

	models := make(map[string]bool)
	for _, m := range cfg.Models {
		if m.ID == "" || m.Name == "" {
			return nil, apperr.Configuration("registry model needs id and name")
		}
		if !providers[m.ProviderID] {
			return nil, apperr.Configuration(fmt.Sprintf("model %s references unknown provider %q", m.Name, m.ProviderID))
		}
		t, err := ParseModelType(m.Type)
		if err != nil {
			return nil, apperr.Configuration(fmt.Sprintf("model %s: %v", m.Name, err))
		}
		status := ModelStatus(m.Status)
		switch status {
		case "":
			status = StatusActive
		case StatusActive, StatusInactive, StatusDeprecated, StatusBeta:
		default:
			return nil, apperr.Configuration(fmt.Sprintf("model %s: unknown status %q", m.Name, m.Status))
		}
		seed.Models = append(seed.Models, Model{
			ID:              m.ID,
			Name:            m.Name,
			ProviderID:      m.ProviderID,
			Type:            t,
			Capabilities:    m.Capabilities,
			ContextWindow:   m.ContextWindow,
			Status:          status,
			IsDefault:       m.IsDefault,
			InputCostPer1K:  m.InputCostPer1K,
			OutputCostPer1K: m.OutputCostPer1K,
			Config:          m.Config,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		models[m.ID] = true
	}

	for _, mp := range cfg.Mappings {
		if !models[mp.ModelID] {
			return nil, apperr.Configuration(fmt.Sprintf("mapping %s references unknown model %q", mp.UnifiedParam, mp.ModelID))
		}
		kind, err := ParseTransformKind(mp.Transform)
		if err != nil {
			return nil, apperr.Configuration(err.Error())
		}
		seed.Mappings = append(seed.Mappings, ParameterMapping{
			ModelID:       mp.ModelID,
			UnifiedParam:  mp.UnifiedParam,
			ProviderParam: mp.ProviderParam,
			Transform:     kind,
		})
	}
	byModel := make(map[string][]ParameterMapping)
	for _, mp := range seed.Mappings {
		byModel[mp.ModelID] = append(byModel[mp.ModelID], mp)
	}
	for _, set := range byModel {
		if err := ValidateMappings(set); err != nil {
			return nil, apperr.Configuration(err.Error())
		}
	}
	return seed, nil
}
