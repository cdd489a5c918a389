package provider

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnifiedRequest is the provider-independent chat/completion request.
// Optional knobs are pointers so an explicit zero is forwarded.
type UnifiedRequest struct {
	Model            string    `json:"model,omitempty"`
	Prompt           string    `json:"prompt,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	RandomSeed       *int      `json:"random_seed,omitempty"`
	SafePrompt       *bool     `json:"safe_prompt,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
}

// Fields flattens the request into the unified field map the parameter
// mapping engine works on. The model name is resolved separately and is not
// included.
func (r *UnifiedRequest) Fields() map[string]any {
	f := make(map[string]any, 10)
	if r.Prompt != "" {
		f["prompt"] = r.Prompt
	}
	if len(r.Messages) > 0 {
		msgs := make([]map[string]any, len(r.Messages))
		for i, m := range r.Messages {
			msgs[i] = map[string]any{"role": m.Role, "content": m.Content}
		}
		f["messages"] = msgs
	}
	if r.MaxTokens != nil {
		f["max_tokens"] = *r.MaxTokens
	}
	if r.Temperature != nil {
		f["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		f["top_p"] = *r.TopP
	}
	if len(r.Stop) > 0 {
		f["stop"] = r.Stop
	}
	if r.RandomSeed != nil {
		f["random_seed"] = *r.RandomSeed
	}
	if r.SafePrompt != nil {
		f["safe_prompt"] = *r.SafePrompt
	}
	if r.PresencePenalty != nil {
		f["presence_penalty"] = *r.PresencePenalty
	}
	if r.FrequencyPenalty != nil {
		f["frequency_penalty"] = *r.FrequencyPenalty
	}
	return f
}

// EmbeddingRequest is the unified embedding request.
type EmbeddingRequest struct {
	Model          string `json:"model,omitempty"`
	Text           string `json:"text"`
	EncodingFormat string `json:"encoding_format,omitempty"`
}

func (r *EmbeddingRequest) Fields() map[string]any {
	f := map[string]any{"text": r.Text}
	if r.EncodingFormat != "" {
		f["encoding_format"] = r.EncodingFormat
	}
	return f
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one generated alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Source is a retrieved chunk that contributed to an augmented prompt.
type Source struct {
	DocumentID      string  `json:"document_id"`
	DocumentName    string  `json:"document_name"`
	ChunkIndex      int     `json:"chunk_index"`
	SimilarityScore float64 `json:"similarity_score"`
}

// UnifiedResponse is the provider-independent completion response.
type UnifiedResponse struct {
	Choices        []Choice       `json:"choices"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	Usage          Usage          `json:"usage"`
	LatencyMS      int64          `json:"latency_ms"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
	Sources        []Source       `json:"sources,omitempty"`
}

// EmbeddingResponse is the provider-independent embedding response.
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Usage     Usage     `json:"usage"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
}
