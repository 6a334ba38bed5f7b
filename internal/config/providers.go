package config

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	// Provider names a registered backend: sqlite (embedded, default),
	// sqvect, or sqlitevec when built with the sqlite_vec tag.
	Provider string             `yaml:"provider"`
	Config   VectorStoreOptions `yaml:"config"`
}

// VectorStoreOptions are the provider-shared settings. At least one of Path
// or (Host, Port) must be set; the embedded providers use Path.
type VectorStoreOptions struct {
	CollectionName string `yaml:"collection_name"`
	Path           string `yaml:"path"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
}

// EmbedderConfig selects and configures the embedding backend.
type EmbedderConfig struct {
	Provider string          `yaml:"provider"` // ollama, gemini
	Config   EmbedderOptions `yaml:"config"`
}

// EmbedderOptions configure an embedding provider.
type EmbedderOptions struct {
	Model         string `yaml:"model"`
	BaseURL       string `yaml:"base_url"`
	EmbeddingDims int    `yaml:"embedding_dims"`
	APIKey        string `yaml:"api_key"`
}

// LLMConfig selects and configures a chat-completion backend. The same
// shape serves both llm (text) and mllm (vision-enabled) roles.
type LLMConfig struct {
	Provider string     `yaml:"provider"` // ollama, openai
	Config   LLMOptions `yaml:"config"`
}

// LLMOptions are the generation defaults for a provider. Use-case presets
// may override individual fields per call.
type LLMOptions struct {
	Model         string  `yaml:"model"`
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	TopP          float64 `yaml:"top_p"`
	TopK          int     `yaml:"top_k"`
	NumCtx        int     `yaml:"num_ctx"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
}

// TieringConfig controls the lifecycle manager.
type TieringConfig struct {
	// EnableWorking gates the working tier; when false, assignments that
	// would land in working demote to short_term.
	EnableWorking bool `yaml:"enable_working"`

	// WorkingMaxAge demotes working memories older than this.
	WorkingMaxAge string `yaml:"working_max_age"`

	// ShortTermMaxAge demotes or compresses short_term memories older than
	// this with fewer than two accesses.
	ShortTermMaxAge string `yaml:"short_term_max_age"`

	// PromoteAccessThreshold is the access count that lifts short_term to
	// working.
	PromoteAccessThreshold int `yaml:"promote_access_threshold"`

	// AutoCompress summarizes instead of merely demoting on decay.
	AutoCompress bool `yaml:"auto_compress"`

	SweepInterval string `yaml:"sweep_interval"`
}

// HistoryConfig controls the batched history writer.
type HistoryConfig struct {
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
	QueueSize     int    `yaml:"queue_size"`
}

// CacheConfig sizes every bounded cache in the engine.
type CacheConfig struct {
	EmbedLRU          int    `yaml:"embed_lru"`
	ConflictLRU       int    `yaml:"conflict_lru"`
	RetrievalLRU      int    `yaml:"retrieval_lru"`
	ResponseLRU       int    `yaml:"response_lru"`
	ClassificationLRU int    `yaml:"classification_lru"`
	SearchCapacity    int    `yaml:"search_capacity"`
	SearchTTL         string `yaml:"search_ttl"`
}

// BreakerConfig tunes the circuit breakers wrapping upstream calls.
type BreakerConfig struct {
	MaxRequests      uint32  `yaml:"max_requests"`
	Interval         string  `yaml:"interval"`
	Timeout          string  `yaml:"timeout"`
	FailureThreshold float64 `yaml:"failure_threshold"`
	MinRequests      uint32  `yaml:"min_requests"`
}
