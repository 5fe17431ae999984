package domain

import "context"

// ScoreInput is what a scorer sees for one market.
type ScoreInput struct {
	Market  Market
	Related []ArticleChunk
}

// Scorer produces a model-implied probability in [0,1] for a market.
type Scorer interface {
	Score(ctx context.Context, in ScoreInput) (float64, error)
	Name() string
}

// Embedder maps text to fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Transport delivers one alert to one user over an outbound channel.
type Transport interface {
	Deliver(ctx context.Context, user UserPreference, alert EdgeAlert) error
	Name() string
}
