package vectorstore

import (
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
)

func TestPayloadRoundTrip(t *testing.T) {
	p := Point{
		ChunkID:      "1f0e7c2a-8d44-4a5e-9d4b-0c1a2b3c4d5e",
		DocumentID:   "doc-1",
		DocumentName: "handbook.md",
		ChunkIndex:   7,
		Text:         "Refunds are processed within five days.",
	}
	h := hitFromPayload(p.ChunkID, 0.83, pointPayload(p))

	if h.ChunkID != p.ChunkID || h.DocumentID != p.DocumentID || h.DocumentName != p.DocumentName {
		t.Fatalf("ids not preserved: %+v", h)
	}
	if h.ChunkIndex != 7 {
		t.Errorf("chunk index = %d, want 7", h.ChunkIndex)
	}
	if h.Text != p.Text {
		t.Errorf("text = %q", h.Text)
	}
	if h.Score < 0.829 || h.Score > 0.831 {
		t.Errorf("score = %f", h.Score)
	}
}

func TestKeywordCondition(t *testing.T) {
	c := keywordCondition("document_id", "doc-9")
	field := c.GetField()
	if field == nil || field.Key != "document_id" {
		t.Fatalf("unexpected condition %+v", c)
	}
	if kw, ok := field.Match.MatchValue.(*pb.Match_Keyword); !ok || kw.Keyword != "doc-9" {
		t.Fatalf("unexpected match %+v", field.Match)
	}
}
