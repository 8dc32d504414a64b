package models

// RankedChunk is a single retrieval hit with the scores that produced its rank.
type RankedChunk struct {
	Chunk        *Chunk     `json:"chunk"`
	SourceName   string     `json:"source_name"`
	SourceKind   SourceKind `json:"source_kind"`
	PageNumber   int        `json:"page_number"`
	Score        float64    `json:"score"`
	LexicalScore float64    `json:"lexical_score"`
	VectorScore  float64    `json:"vector_score"`
	Rank         int        `json:"rank"`
}

// RetrieveResponse is the response for a retrieval request.
type RetrieveResponse struct {
	ScopeID string         `json:"scope_id"`
	Query   string         `json:"query"`
	Chunks  []*RankedChunk `json:"chunks"`
	// Degraded is set when the query embedding failed and only lexical matches were used.
	Degraded  bool  `json:"degraded,omitempty"`
	QueryTime int64 `json:"query_time_ms"`
}
