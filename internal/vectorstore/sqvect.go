package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/liliang-cn/sqvect/v2/pkg/core"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func init() {
	Register("sqvect", func(opts config.VectorStoreOptions, collection string, dims int) (Store, error) {
		return NewSqvectStore(opts.Path, collection, dims)
	})
}

// SqvectStore adapts a sqvect SQLite store to the collection contract.
// Records carry the collection name as their DocID so the whole collection
// stays listable through sqvect's document index.
type SqvectStore struct {
	store      *core.SQLiteStore
	collection string
	dims       int
}

// NewSqvectStore opens the sqvect database at path and ensures the
// collection exists.
func NewSqvectStore(path, collection string, dims int) (*SqvectStore, error) {
	const op = "vectorstore.NewSqvectStore"

	if path == "" {
		return nil, memerr.Errorf(op, memerr.KindConfig, "path is required for the sqvect provider")
	}
	store, err := core.New(path, dims)
	if err != nil {
		return nil, memerr.E(op, memerr.KindConfig, err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		return nil, memerr.E(op, memerr.KindConfig, err)
	}
	if _, err := store.GetCollection(ctx, collection); err != nil {
		if _, err := store.CreateCollection(ctx, collection, dims); err != nil {
			// Lost a create race; the collection existing is all that matters.
			if _, err2 := store.GetCollection(ctx, collection); err2 != nil {
				store.Close()
				return nil, memerr.E(op, memerr.KindConfig, err)
			}
		}
	}
	return &SqvectStore{store: store, collection: collection, dims: dims}, nil
}

func (s *SqvectStore) checkVector(op string, vec []float32) error {
	if len(vec) != s.dims {
		return memerr.Errorf(op, memerr.KindDimension,
			"vector has %d dimensions, store expects %d", len(vec), s.dims)
	}
	return nil
}

func (s *SqvectStore) Insert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	const op = "vectorstore.Sqvect.Insert"

	if len(ids) != len(vectors) || len(ids) != len(payloads) {
		return memerr.Errorf(op, memerr.KindUnknown,
			"mismatched lengths: %d ids, %d vectors, %d payloads", len(ids), len(vectors), len(payloads))
	}
	embs := make([]*core.Embedding, len(ids))
	for i, id := range ids {
		if err := s.checkVector(op, vectors[i]); err != nil {
			return err
		}
		embs[i] = s.toEmbedding(id, vectors[i], payloads[i])
	}
	if err := s.store.UpsertBatch(ctx, embs); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

func (s *SqvectStore) Update(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	const op = "vectorstore.Sqvect.Update"

	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if vector == nil {
		vector = existing.Vector
	} else if err := s.checkVector(op, vector); err != nil {
		return err
	}
	if payload == nil {
		payload = existing.Payload
	}
	if err := s.store.Upsert(ctx, s.toEmbedding(id, vector, payload)); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

func (s *SqvectStore) Delete(ctx context.Context, id string) error {
	const op = "vectorstore.Sqvect.Delete"

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

func (s *SqvectStore) Get(ctx context.Context, id string) (Record, error) {
	const op = "vectorstore.Sqvect.Get"

	emb, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return Record{}, memerr.Errorf(op, memerr.KindNotFound, "memory %s not found", id)
		}
		return Record{}, memerr.E(op, memerr.KindUpstream, err)
	}
	return s.fromEmbedding(emb), nil
}

func (s *SqvectStore) List(ctx context.Context, filters map[string]any, limit int) ([]Record, error) {
	const op = "vectorstore.Sqvect.List"

	embs, err := s.store.GetByDocID(ctx, s.collection)
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	records := make([]Record, 0, len(embs))
	for _, emb := range embs {
		rec := s.fromEmbedding(emb)
		if !matchFilters(rec.Payload, filters) {
			continue
		}
		records = append(records, rec)
	}
	sortRecordsByID(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *SqvectStore) Search(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]SearchResult, error) {
	const op = "vectorstore.Sqvect.Search"

	if err := s.checkVector(op, vector); err != nil {
		return nil, err
	}

	scored, err := s.store.Search(ctx, vector, core.SearchOptions{
		Collection: s.collection,
		TopK:       searchTopK(limit),
		Filter:     stringifyFilters(filters),
	})
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}

	results := make([]SearchResult, 0, len(scored))
	for _, hit := range scored {
		results = append(results, SearchResult{
			ID:      hit.ID,
			Score:   normalizeCosine(hit.Score),
			Payload: payloadFromMetadata(hit.Metadata),
		})
	}
	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *SqvectStore) Reset(ctx context.Context) error {
	const op = "vectorstore.Sqvect.Reset"

	if err := s.store.DeleteByDocID(ctx, s.collection); err != nil && !errors.Is(err, core.ErrNotFound) {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

func (s *SqvectStore) Close() error { return s.store.Close() }

func (s *SqvectStore) toEmbedding(id string, vector []float32, payload map[string]any) *core.Embedding {
	data, _ := payload["data"].(string)
	return &core.Embedding{
		ID:         id,
		Collection: s.collection,
		Vector:     vector,
		Content:    data,
		DocID:      s.collection,
		Metadata:   stringifyFilters(payload),
	}
}

func (s *SqvectStore) fromEmbedding(emb *core.Embedding) Record {
	return Record{
		ID:      emb.ID,
		Vector:  emb.Vector,
		Payload: payloadFromMetadata(emb.Metadata),
	}
}

// stringifyFilters renders payload scalars into sqvect's string metadata.
func stringifyFilters(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'g', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case int:
			out[k] = strconv.Itoa(val)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func payloadFromMetadata(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func searchTopK(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func sortRecordsByID(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}
