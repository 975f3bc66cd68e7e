package actions

// ExecutionConfig controls how the execution service runs a chat request.
type ExecutionConfig struct {
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
	HistoryWindow  int    `json:"history_window,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// QueryConfig controls LLM invocation for a chat request.
type QueryConfig struct {
	Model                string  `json:"model,omitempty"`
	Temperature          float64 `json:"temperature,omitempty"`
	MaxTokens            int     `json:"max_tokens,omitempty"`
	SystemPrompt         string  `json:"system_prompt,omitempty"`
	SystemPromptTemplate string  `json:"system_prompt_template,omitempty"`
}

// RAGConfig controls retrieval and embedding for both ingestion and query.
type RAGConfig struct {
	CollectionIDs       []string `json:"collection_ids,omitempty"`
	DocumentIDs         []string `json:"document_ids,omitempty"`
	EmbeddingModel      string   `json:"embedding_model,omitempty"`
	EmbeddingDimensions int      `json:"embedding_dimensions,omitempty"`
	EncodingFormat      string   `json:"encoding_format,omitempty"`
	ChunkSize           int      `json:"chunk_size,omitempty"`
	ChunkOverlap        int      `json:"chunk_overlap,omitempty"`
	TopK                int      `json:"top_k,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
}

// Defaults used when a request or agent record leaves RAG settings blank.
const (
	DefaultEmbeddingModel      = "text-embedding-3-small"
	DefaultEmbeddingDimensions = 1536
	DefaultEncodingFormat      = "float"
	DefaultChunkSize           = 512
	DefaultChunkOverlap        = 50
	DefaultTopK                = 5
	DefaultCollectionID        = "default"
)

// DefaultRAGConfig returns a fully populated RAG config.
func DefaultRAGConfig() *RAGConfig {
	cfg := &RAGConfig{}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero values with defaults. collection_ids is never left
// empty and encoding_format always resolves to a concrete value.
func (c *RAGConfig) Normalize() {
	if len(c.CollectionIDs) == 0 {
		c.CollectionIDs = []string{DefaultCollectionID}
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = DefaultEmbeddingModel
	}
	if c.EmbeddingDimensions == 0 {
		c.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if c.EncodingFormat == "" {
		c.EncodingFormat = DefaultEncodingFormat
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.TopK == 0 {
		c.TopK = DefaultTopK
	}
}

// Normalize guarantees the system prompt template is non-empty, falling back
// to the stored system prompt and then to a stock prompt.
func (c *QueryConfig) Normalize() {
	if c.SystemPromptTemplate == "" {
		c.SystemPromptTemplate = c.SystemPrompt
	}
	if c.SystemPromptTemplate == "" {
		c.SystemPromptTemplate = "You are a helpful assistant."
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
}
