package rag

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-rag/internal/provider"
	"github.com/nidhogg/nuka-rag/internal/search"
)

const contextHeader = "Use the following context to answer the question. If the context does not contain the answer, say so."

// FormatContext renders retrieved chunks into a prompt-friendly block.
func FormatContext(hits []search.Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(contextHeader)
	b.WriteString("\n\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] %s (chunk %d, similarity %.2f)\n%s\n\n",
			i+1, h.DocumentName, h.ChunkIndex, h.Score, strings.TrimSpace(h.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Sources converts hits to the provenance list attached to responses.
func Sources(hits []search.Hit) []provider.Source {
	out := make([]provider.Source, len(hits))
	for i, h := range hits {
		out[i] = provider.Source{
			DocumentID:      h.DocumentID,
			DocumentName:    h.DocumentName,
			ChunkIndex:      h.ChunkIndex,
			SimilarityScore: h.Score,
		}
	}
	return out
}

// Augment returns a copy of req carrying the retrieved context. A
// standalone prompt gets the block appended. A message list gets it in a
// system message: an existing system message is extended, otherwise a new
// one is inserted ahead of the latest user turn. req is not modified.
func Augment(req provider.UnifiedRequest, hits []search.Hit) provider.UnifiedRequest {
	block := FormatContext(hits)
	if block == "" {
		return req
	}

	if len(req.Messages) == 0 {
		req.Prompt = req.Prompt + "\n\n" + block
		return req
	}

	msgs := make([]provider.Message, len(req.Messages), len(req.Messages)+1)
	copy(msgs, req.Messages)

	for i, m := range msgs {
		if m.Role == "system" {
			msgs[i].Content = strings.TrimRight(m.Content, "\n") + "\n\n" + block
			req.Messages = msgs
			return req
		}
	}

	at := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			at = i
			break
		}
	}
	msgs = append(msgs, provider.Message{})
	copy(msgs[at+1:], msgs[at:])
	msgs[at] = provider.Message{Role: "system", Content: block}
	req.Messages = msgs
	return req
}

// retrievalQuery picks the text to search with: the prompt, or the latest
// user message.
func retrievalQuery(req *provider.UnifiedRequest) string {
	if req.Prompt != "" {
		return req.Prompt
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" && req.Messages[i].Content != "" {
			return req.Messages[i].Content
		}
	}
	return ""
}
