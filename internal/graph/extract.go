package graph

import (
	"context"

	"go.uber.org/zap"

	"memscreen/internal/core"
	"memscreen/internal/llm"
	"memscreen/internal/prompts"
)

// Extractor turns free text into graph entities and relations with one LLM
// call. Extraction runs on the ingestion side path, so every failure here
// degrades to an empty extraction for the caller to log.
type Extractor struct {
	client  llm.Client
	library *prompts.Library
	logger  *zap.Logger
}

// NewExtractor wires an extractor.
func NewExtractor(client llm.Client, library *prompts.Library, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{client: client, library: library, logger: logger}
}

// Ingestor pairs an extractor with a store; it satisfies the ingestion
// pipeline's fan-out contract.
type Ingestor struct {
	extractor *Extractor
	store     *Store
}

// NewIngestor wires an ingestor.
func NewIngestor(extractor *Extractor, store *Store) *Ingestor {
	return &Ingestor{extractor: extractor, store: store}
}

// Ingest extracts entities and relations from text and persists them under
// scope.
func (i *Ingestor) Ingest(ctx context.Context, scope core.ScopeIDs, text string) error {
	ex, err := i.extractor.Extract(ctx, text)
	if err != nil {
		return err
	}
	return i.store.AddExtraction(ctx, scope, ex)
}

// Extract asks the LLM for entities and relations in text.
func (e *Extractor) Extract(ctx context.Context, text string) (Extraction, error) {
	prompt := prompts.Render(e.library.Get(prompts.KeyEntityExtraction), map[string]string{
		"text": text,
	})
	raw, err := e.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{UseCase: llm.UseCaseMemory, JSONMode: true})
	if err != nil {
		return Extraction{}, err
	}

	var ex Extraction
	if err := llm.Decode(raw, &ex); err != nil {
		return Extraction{}, err
	}
	return ex, nil
}
