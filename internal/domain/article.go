package domain

import "time"

// Article is the raw payload of the news.feed topic.
type Article struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content,omitempty"`
	SourceName  string    `json:"source_name"`
	PublishedAt time.Time `json:"published_at"`
	SearchQuery string    `json:"search_query"`
}

// ArticleChunk is one embedded slice of an article. (URL, ChunkIndex) is
// unique and a chunk never changes once written.
type ArticleChunk struct {
	ID          int64
	URL         string
	ChunkIndex  int
	Content     string
	Embedding   []float32
	SourceName  string
	PublishedAt time.Time
	SearchQuery string
}

// ScoredChunk is a chunk returned by a similarity query together with its
// cosine distance to the query vector.
type ScoredChunk struct {
	Chunk    ArticleChunk
	Distance float64
}

// ChunkLink correlates a stored chunk with a market by lexical overlap.
type ChunkLink struct {
	ChunkID  int64
	MarketID int64
	Score    float64
}
