package vectorstore

import (
	"context"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

// MultimodalRecord is an insert carrying one or both modality vectors for a
// single memory id. TextVector is required; VisionVector is optional.
type MultimodalRecord struct {
	ID           string
	TextVector   []float32
	VisionVector []float32
	Payload      map[string]any
}

// MultimodalStore pairs a text and a vision collection that share memory
// ids. The text collection is canonical: every memory has a row there, and
// reads resolve against it. Vision rows exist only for image-bearing
// memories.
type MultimodalStore struct {
	text   Store
	vision Store
}

// NewMultimodalStore builds <name>_text and <name>_vision collections on
// the named provider.
func NewMultimodalStore(provider string, opts config.VectorStoreOptions, dims int) (*MultimodalStore, error) {
	name := opts.CollectionName
	if name == "" {
		return nil, memerr.Errorf("vectorstore.NewMultimodalStore", memerr.KindConfig, "collection name is required")
	}
	text, err := New(provider, opts, name+"_text", dims)
	if err != nil {
		return nil, err
	}
	vision, err := New(provider, opts, name+"_vision", dims)
	if err != nil {
		text.Close()
		return nil, err
	}
	return &MultimodalStore{text: text, vision: vision}, nil
}

// Insert writes every record's text row plus a vision row when a vision
// vector is present.
func (m *MultimodalStore) Insert(ctx context.Context, records []MultimodalRecord) error {
	ids := make([]string, len(records))
	vectors := make([][]float32, len(records))
	payloads := make([]map[string]any, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		vectors[i] = rec.TextVector
		payloads[i] = rec.Payload
	}
	if err := m.text.Insert(ctx, ids, vectors, payloads); err != nil {
		return err
	}

	var visionIDs []string
	var visionVectors [][]float32
	var visionPayloads []map[string]any
	for _, rec := range records {
		if rec.VisionVector == nil {
			continue
		}
		visionIDs = append(visionIDs, rec.ID)
		visionVectors = append(visionVectors, rec.VisionVector)
		visionPayloads = append(visionPayloads, rec.Payload)
	}
	if len(visionIDs) == 0 {
		return nil
	}
	return m.vision.Insert(ctx, visionIDs, visionVectors, visionPayloads)
}

// UpdateText replaces the text-side vector and/or payload.
func (m *MultimodalStore) UpdateText(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	return m.text.Update(ctx, id, vector, payload)
}

// UpdateVision replaces the vision-side vector and/or payload. Updating a
// memory that has no vision row inserts one when a vector is supplied.
func (m *MultimodalStore) UpdateVision(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	err := m.vision.Update(ctx, id, vector, payload)
	if memerr.IsNotFound(err) && vector != nil {
		if payload == nil {
			rec, gerr := m.text.Get(ctx, id)
			if gerr != nil {
				return gerr
			}
			payload = rec.Payload
		}
		return m.vision.Insert(ctx, []string{id}, [][]float32{vector}, []map[string]any{payload})
	}
	return err
}

// Get resolves the canonical (text-side) record.
func (m *MultimodalStore) Get(ctx context.Context, id string) (Record, error) {
	return m.text.Get(ctx, id)
}

// List lists canonical records.
func (m *MultimodalStore) List(ctx context.Context, filters map[string]any, limit int) ([]Record, error) {
	return m.text.List(ctx, filters, limit)
}

// Delete removes both sides; missing rows on either side are fine.
func (m *MultimodalStore) Delete(ctx context.Context, id string) error {
	if err := m.text.Delete(ctx, id); err != nil {
		return err
	}
	return m.vision.Delete(ctx, id)
}

// SearchText scores the text collection.
func (m *MultimodalStore) SearchText(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]SearchResult, error) {
	return m.text.Search(ctx, vector, limit, filters)
}

// SearchVision scores the vision collection.
func (m *MultimodalStore) SearchVision(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]SearchResult, error) {
	return m.vision.Search(ctx, vector, limit, filters)
}

// Reset clears both collections.
func (m *MultimodalStore) Reset(ctx context.Context) error {
	if err := m.text.Reset(ctx); err != nil {
		return err
	}
	return m.vision.Reset(ctx)
}

// Close closes both collections.
func (m *MultimodalStore) Close() error {
	errText := m.text.Close()
	errVision := m.vision.Close()
	if errText != nil {
		return errText
	}
	return errVision
}
