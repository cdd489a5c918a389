// Package vectorstore mirrors chunk embeddings into Qdrant and serves
// approximate nearest-neighbour search from it.
package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/nuka-rag/internal/search"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  int
}

// Point is one chunk embedding to index.
type Point struct {
	ChunkID      string
	DocumentID   string
	DocumentName string
	ChunkIndex   int
	Text         string
	Vector       []float32
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	dimension   uint64
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  cfg.Collection,
		dimension:   uint64(cfg.Dimension),
	}, nil
}

// EnsureCollection creates the chunk collection with cosine distance if it
// does not already exist.
func (c *Client) EnsureCollection(ctx context.Context) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: c.collection})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     c.dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", c.collection, err)
	}
	return nil
}

// Index upserts chunk points. Chunk ids must be UUIDs.
func (c *Client) Index(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ChunkID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: pointPayload(p),
		})
	}
	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points into %s: %w", len(points), c.collection, err)
	}
	return nil
}

// DeleteDocument removes every point of one document.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	wait := true
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{keywordCondition("document_id", documentID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete document %s from %s: %w", documentID, c.collection, err)
	}
	return nil
}

// Nearest performs a nearest-neighbour search and returns at most limit
// hits scoring at or above minScore.
func (c *Client) Nearest(ctx context.Context, vector []float32, limit int, minScore float64) ([]search.Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: c.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if minScore > search.NoThreshold {
		s := float32(minScore)
		req.ScoreThreshold = &s
	}
	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.collection, err)
	}
	hits := make([]search.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, hitFromPayload(r.Id.GetUuid(), r.Score, r.Payload))
	}
	return hits, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func pointPayload(p Point) map[string]*pb.Value {
	str := func(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
	return map[string]*pb.Value{
		"document_id":   str(p.DocumentID),
		"document_name": str(p.DocumentName),
		"text":          str(p.Text),
		"chunk_index":   {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.ChunkIndex)}},
	}
}

func hitFromPayload(id string, score float32, payload map[string]*pb.Value) search.Hit {
	h := search.Hit{ChunkID: id, Score: float64(score)}
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *pb.Value_StringValue:
			switch k {
			case "document_id":
				h.DocumentID = kind.StringValue
			case "document_name":
				h.DocumentName = kind.StringValue
			case "text":
				h.Text = kind.StringValue
			}
		case *pb.Value_IntegerValue:
			if k == "chunk_index" {
				h.ChunkIndex = int(kind.IntegerValue)
			}
		}
	}
	return h
}
