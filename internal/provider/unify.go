package provider

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

// UnifyChat normalizes a direct ({text, usage}) or chat ({choices, usage})
// provider body into a UnifiedResponse. Provider-specific top-level fields
// that are not part of the unified shape land in AdditionalData.
func UnifyChat(provider, model string, body []byte) (*UnifiedResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, &apperr.ProviderError{Provider: provider, Status: 200, Body: "invalid JSON response"}
	}
	root := gjson.ParseBytes(body)
	out := &UnifiedResponse{Provider: provider, Model: model}

	switch choices := root.Get("choices"); {
	case choices.IsArray() && len(choices.Array()) > 0:
		for i, ch := range choices.Array() {
			idx := i
			if v := ch.Get("index"); v.Exists() {
				idx = int(v.Int())
			}
			role := ch.Get("message.role").String()
			if role == "" {
				role = "assistant"
			}
			content := ch.Get("message.content").String()
			if !ch.Get("message.content").Exists() {
				content = ch.Get("text").String()
			}
			out.Choices = append(out.Choices, Choice{
				Index:        idx,
				Message:      Message{Role: role, Content: content},
				FinishReason: ch.Get("finish_reason").String(),
			})
		}
	case root.Get("text").Exists():
		finish := root.Get("finish_reason").String()
		if finish == "" {
			finish = "stop"
		}
		out.Choices = []Choice{{
			Message:      Message{Role: "assistant", Content: root.Get("text").String()},
			FinishReason: finish,
		}}
	default:
		return nil, &apperr.ProviderError{Provider: provider, Status: 200, Body: fmt.Sprintf("unrecognized response shape: %.200s", string(body))}
	}

	out.Usage = ParseUsage(root.Get("usage"))

	root.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "choices", "usage", "text", "model", "object", "created", "finish_reason":
		default:
			if out.AdditionalData == nil {
				out.AdditionalData = make(map[string]any)
			}
			out.AdditionalData[key.String()] = value.Value()
		}
		return true
	})
	return out, nil
}

// UnifyEmbedding extracts the first vector from {data:[{embedding}], usage}.
func UnifyEmbedding(provider, model string, body []byte) (*EmbeddingResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, &apperr.ProviderError{Provider: provider, Status: 200, Body: "invalid JSON response"}
	}
	root := gjson.ParseBytes(body)
	vec := root.Get("data.0.embedding")
	if !vec.IsArray() {
		vec = root.Get("embedding")
	}
	if !vec.IsArray() {
		return nil, &apperr.ProviderError{Provider: provider, Status: 200, Body: "response carries no embedding"}
	}
	values := vec.Array()
	embedding := make([]float32, len(values))
	for i, v := range values {
		embedding[i] = float32(v.Float())
	}
	return &EmbeddingResponse{
		Embedding: embedding,
		Provider:  provider,
		Model:     model,
		Usage:     ParseUsage(root.Get("usage")),
	}, nil
}

// ParseUsage reads OpenAI-style or input/output-style usage objects.
func ParseUsage(u gjson.Result) Usage {
	if !u.Exists() {
		return Usage{}
	}
	usage := Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = int(u.Get("input_tokens").Int())
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = int(u.Get("output_tokens").Int())
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}
