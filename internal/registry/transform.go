package registry

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

// Transform builds the provider payload for a unified request. req holds
// the unified fields (prompt, messages, max_tokens, text, ...) and is not
// modified.
func Transform(m *Model, p *Provider, mappings []ParameterMapping, req map[string]any) (map[string]any, error) {
	if m == nil || m.Status != StatusActive {
		return nil, apperr.ModelNotFound()
	}

	payload := make(map[string]any, len(req)+4)
	for k, v := range req {
		if v != nil {
			payload[k] = v
		}
	}
	payload["model"] = m.ProviderModelID()

	mapped := make(map[string]bool, len(mappings))
	for _, mp := range mappings {
		mapped[mp.UnifiedParam] = true
	}

	if m.Type == ModelEmbedding {
		shapeEmbedding(payload)
	} else {
		shapeGeneration(payload, p.Kind(), mapped)
	}

	// Mappings see the shaped payload, so a bare prompt already turned into
	// messages is mapped as messages. Fields consumed by shaping fall back to
	// the request.
	for _, mp := range mappings {
		v, ok := payload[mp.UnifiedParam]
		if !ok {
			v, ok = req[mp.UnifiedParam]
		}
		if !ok || v == nil {
			continue
		}
		out, err := mp.Transform.Apply(v)
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("parameter %s: %v", mp.UnifiedParam, err))
		}
		delete(payload, mp.UnifiedParam)
		payload[mp.ProviderParam] = out
	}

	for k, v := range m.Config {
		if reservedConfigKeys[k] {
			continue
		}
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	return payload, nil
}

func shapeEmbedding(payload map[string]any) {
	if _, ok := payload["input"]; !ok {
		if text, ok := payload["text"]; ok {
			payload["input"] = text
		}
	}
	delete(payload, "text")
	if f, ok := payload["encoding_format"].(string); !ok || f == "" {
		payload["encoding_format"] = "float"
	}
}

func shapeGeneration(payload map[string]any, kind ProviderKind, mapped map[string]bool) {
	prompt, hasPrompt := payload["prompt"].(string)
	_, hasMessages := payload["messages"]

	switch kind {
	case KindDirect:
		if !hasPrompt && hasMessages && !mapped["messages"] {
			payload["prompt"] = flattenMessages(payload["messages"])
			delete(payload, "messages")
		}
	default:
		if hasPrompt && !mapped["prompt"] {
			if !hasMessages {
				payload["messages"] = []map[string]any{{"role": "user", "content": prompt}}
			}
			delete(payload, "prompt")
		}
	}
}

// flattenMessages renders a message list as a single prompt for providers
// that only accept plain text.
func flattenMessages(v any) string {
	var b strings.Builder
	write := func(role, content string) {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if role != "" && role != "user" {
			b.WriteString(role)
			b.WriteString(": ")
		}
		b.WriteString(content)
	}
	switch msgs := v.(type) {
	case []map[string]any:
		for _, m := range msgs {
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			write(role, content)
		}
	case []any:
		for _, raw := range msgs {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			write(role, content)
		}
	}
	return b.String()
}
