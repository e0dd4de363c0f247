// Package semantic implements the vector store adapter over Qdrant. It is
// the sole owner of all Qdrant operations.
package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
	"github.com/bruised-ego-labs/nancy/pkg/fn"
	"github.com/google/uuid"
)

// Embedder turns text into a vector. pkg/ollama provides the production
// implementation; tests supply a deterministic fake.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// embedWorkers bounds concurrent embedding calls per packet.
const embedWorkers = 4

// modelTagID is the reserved point that records which embedding model wrote
// the collection. Searching under a different model is a permanent error.
var modelTagID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("nancy/model-tag")).String()

// Store is the Qdrant-backed vector adapter.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	embedder    Embedder
	dims        int

	modelChecked bool
}

// New creates a Store connected to Qdrant at the given gRPC address.
func New(addr, collection string, dims int, embedder Embedder) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		embedder:    embedder,
		dims:        dims,
	}, nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error { return s.conn.Close() }

// EnsureCollection creates the collection and its model tag if absent.
func (s *Store) EnsureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return store.NewTransient(store.NameVector, fmt.Errorf("list collections: %w", err))
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return store.NewTransient(store.NameVector, fmt.Errorf("create collection %s: %w", s.collection, err))
	}

	// Tag the fresh collection with the configured embedding model.
	tag := &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: modelTagID}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: make([]float32, s.dims)}}},
		Payload: map[string]*pb.Value{
			"model": {Kind: &pb.Value_StringValue{StringValue: s.embedder.Model()}},
		},
	}
	wait := true
	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         []*pb.PointStruct{tag},
	})
	if err != nil {
		return store.NewTransient(store.NameVector, fmt.Errorf("write model tag: %w", err))
	}
	s.modelChecked = true
	return nil
}

// DeleteCollection drops the collection. Tests use it for cleanup.
func (s *Store) DeleteCollection(ctx context.Context) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: s.collection,
	})
	if err != nil {
		return store.NewTransient(store.NameVector, fmt.Errorf("delete collection %s: %w", s.collection, err))
	}
	return nil
}

// verifyModel checks the collection's model tag against the configured
// embedder. The check runs once per process; a mismatch is permanent.
func (s *Store) verifyModel(ctx context.Context) error {
	if s.modelChecked {
		return nil
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: modelTagID}}},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return store.NewTransient(store.NameVector, fmt.Errorf("read model tag: %w", err))
	}
	for _, p := range resp.GetResult() {
		if tagged := p.GetPayload()["model"].GetStringValue(); tagged != "" && tagged != s.embedder.Model() {
			return store.NewPermanent(store.NameVector,
				fmt.Errorf("collection written with %q, configured %q: %w", tagged, s.embedder.Model(), store.ErrModelMismatch))
		}
	}
	s.modelChecked = true
	return nil
}

// pointID derives the deterministic point UUID for one chunk so repeat
// upserts of the same packet converge on the same points.
func pointID(packetID string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", packetID, ordinal))).String()
}

// UpsertChunks embeds and stores the chunks of one packet.
func (s *Store) UpsertChunks(ctx context.Context, packetID string, chunks []packet.Chunk, metadata map[string]string) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.verifyModel(ctx); err != nil {
		return err
	}

	embedded := fn.Collect(fn.ParMapResult(chunks, embedWorkers, func(c packet.Chunk) fn.Result[[]float32] {
		return fn.FromPair(s.embedder.Embed(ctx, c.Text))
	}))
	vectors, err := embedded.Unwrap()
	if err != nil {
		return store.NewTransient(store.NameVector, fmt.Errorf("embed chunks: %w", err))
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		payload := map[string]*pb.Value{
			"text":      {Kind: &pb.Value_StringValue{StringValue: c.Text}},
			"packet_id": {Kind: &pb.Value_StringValue{StringValue: packetID}},
			"ordinal":   {Kind: &pb.Value_IntegerValue{IntegerValue: int64(c.Ordinal)}},
		}
		for k, v := range metadata {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(packetID, c.Ordinal)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}}},
			Payload: payload,
		}
	}

	wait := true
	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return store.NewTransient(store.NameVector, fmt.Errorf("upsert %d points: %w", len(points), err))
	}
	return nil
}

// SemanticSearch embeds the query and returns the k nearest chunks. Scores
// are distances in [0,∞): cosine similarity converted so lower is closer.
func (s *Store) SemanticSearch(ctx context.Context, queryText string, k int, filter map[string]string) ([]store.ScoredChunk, error) {
	if err := s.verifyModel(ctx); err != nil {
		return nil, err
	}
	vec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, store.NewTransient(store.NameVector, fmt.Errorf("embed query: %w", err))
	}

	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vec,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	must := make([]*pb.Condition, 0, len(filter))
	for key, val := range filter {
		must = append(must, fieldMatch(key, val))
	}
	// The reserved model tag point never matches: it has no packet_id.
	req.Filter = &pb.Filter{Must: must, MustNot: []*pb.Condition{fieldEmpty("packet_id")}}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, store.NewTransient(store.NameVector, fmt.Errorf("search: %w", err))
	}

	results := make([]store.ScoredChunk, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		payload := r.GetPayload()
		results = append(results, store.ScoredChunk{
			PacketID: payload["packet_id"].GetStringValue(),
			Ordinal:  int(payload["ordinal"].GetIntegerValue()),
			Text:     payload["text"].GetStringValue(),
			Score:    normalizeScore(float64(r.GetScore())),
		})
	}
	return results, nil
}

// normalizeScore converts a cosine similarity in [-1,1] into a distance in
// [0,∞) so callers can rely on lower = closer across backends.
func normalizeScore(similarity float64) float64 {
	d := 1 - similarity
	if d < 0 {
		return 0
	}
	return d
}

// Delete removes every chunk of a packet.
func (s *Store) Delete(ctx context.Context, packetID string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch("packet_id", packetID)}},
			},
		},
	})
	if err != nil {
		return store.NewTransient(store.NameVector, fmt.Errorf("delete packet %s: %w", packetID, err))
	}
	return nil
}

// Health checks backend reachability.
func (s *Store) Health(ctx context.Context) error {
	_, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return store.NewCatastrophic(store.NameVector, err)
	}
	return nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func fieldEmpty(key string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_IsEmpty{
			IsEmpty: &pb.IsEmptyCondition{Key: key},
		},
	}
}

var _ store.VectorAdapter = (*Store)(nil)
