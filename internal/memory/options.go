package memory

import (
	"memscreen/internal/core"
)

// callConfig collects the per-call options shared across the public API.
// Each operation reads the fields that apply to it and ignores the rest.
type callConfig struct {
	scope      core.ScopeIDs
	actorID    string
	category   core.Category
	metadata   map[string]any
	infer      bool
	memoryType string

	limit     int
	filters   core.Filters
	imagePath string
}

// Option adjusts one API call.
type Option func(*callConfig)

func applyOptions(opts []Option) callConfig {
	// Adds infer by default; raw capture opts out.
	cfg := callConfig{infer: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithUserID scopes the call to a user.
func WithUserID(id string) Option { return func(c *callConfig) { c.scope.UserID = id } }

// WithAgentID scopes the call to an agent.
func WithAgentID(id string) Option { return func(c *callConfig) { c.scope.AgentID = id } }

// WithRunID scopes the call to a run.
func WithRunID(id string) Option { return func(c *callConfig) { c.scope.RunID = id } }

// WithScope sets all three scope ids at once.
func WithScope(scope core.ScopeIDs) Option { return func(c *callConfig) { c.scope = scope } }

// WithActorID attributes writes to an actor in history rows.
func WithActorID(id string) Option { return func(c *callConfig) { c.actorID = id } }

// WithCategory forces the stored category instead of the per-path default.
func WithCategory(cat core.Category) Option { return func(c *callConfig) { c.category = cat } }

// WithMetadata attaches caller metadata to every memory the call stores.
func WithMetadata(md map[string]any) Option { return func(c *callConfig) { c.metadata = md } }

// WithInfer toggles the LLM pipeline on Add. True extracts, dedups, and
// plans; false stores the messages verbatim.
func WithInfer(infer bool) Option { return func(c *callConfig) { c.infer = infer } }

// WithMemoryType selects a special ingestion mode, such as
// ingest.MemoryTypeProcedural.
func WithMemoryType(t string) Option { return func(c *callConfig) { c.memoryType = t } }

// WithLimit caps the number of results of a search or list.
func WithLimit(n int) Option { return func(c *callConfig) { c.limit = n } }

// WithFilters adds exact-match payload filters to a search or list, on top
// of the scope filters.
func WithFilters(f core.Filters) Option { return func(c *callConfig) { c.filters = f } }

// WithImagePath adds an image to a search query for visual similarity.
func WithImagePath(path string) Option { return func(c *callConfig) { c.imagePath = path } }
