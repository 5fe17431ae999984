package handler

import (
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

type marketView struct {
	ID                int64           `json:"id"`
	Platform          domain.Platform `json:"platform"`
	ExternalID        string          `json:"external_id"`
	Title             string          `json:"title"`
	Category          string          `json:"category,omitempty"`
	CloseTime         *time.Time      `json:"close_time,omitempty"`
	MarketProbability float64         `json:"market_probability"`
	Volume            float64         `json:"volume"`
	IsOpen            bool            `json:"is_open"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toMarketView(m domain.Market) marketView {
	return marketView{
		ID:                m.ID,
		Platform:          m.Platform,
		ExternalID:        m.ExternalID,
		Title:             m.Title,
		Category:          m.Category,
		CloseTime:         m.CloseTime,
		MarketProbability: m.MarketProbability,
		Volume:            m.Volume,
		IsOpen:            m.IsOpen,
		UpdatedAt:         m.UpdatedAt,
	}
}

type edgeView struct {
	ID                string           `json:"id"`
	MarketID          int64            `json:"market_id"`
	MarketProbability float64          `json:"market_probability"`
	ModelProbability  float64          `json:"model_probability"`
	EdgeMagnitude     float64          `json:"edge_magnitude"`
	Direction         domain.Direction `json:"direction"`
	DetectedAt        time.Time        `json:"detected_at"`
	AlertSent         bool             `json:"alert_sent"`
}

func toEdgeView(e domain.Edge) edgeView {
	return edgeView{
		ID:                e.ID,
		MarketID:          e.MarketID,
		MarketProbability: e.MarketProbability,
		ModelProbability:  e.ModelProbability,
		EdgeMagnitude:     e.EdgeMagnitude,
		Direction:         e.Direction,
		DetectedAt:        e.DetectedAt,
		AlertSent:         e.AlertSent,
	}
}

func toEdgeViews(edges []domain.Edge) []edgeView {
	out := make([]edgeView, 0, len(edges))
	for _, e := range edges {
		out = append(out, toEdgeView(e))
	}
	return out
}

type preferenceView struct {
	IdentityID          string            `json:"identity_id"`
	Email               string            `json:"email,omitempty"`
	AlertThreshold      float64           `json:"alert_threshold"`
	AlertsEnabled       bool              `json:"alerts_enabled"`
	SubscribedPlatforms []domain.Platform `json:"subscribed_platforms"`
	UpdatedAt           *time.Time        `json:"updated_at,omitempty"`
}

func toPreferenceView(u domain.UserPreference) preferenceView {
	v := preferenceView{
		IdentityID:          u.IdentityID,
		Email:               u.Email,
		AlertThreshold:      u.AlertThreshold,
		AlertsEnabled:       u.AlertsEnabled,
		SubscribedPlatforms: u.SubscribedPlatforms,
	}
	if v.SubscribedPlatforms == nil {
		v.SubscribedPlatforms = []domain.Platform{}
	}
	if !u.UpdatedAt.IsZero() {
		at := u.UpdatedAt
		v.UpdatedAt = &at
	}
	return v
}

type deliveryView struct {
	EdgeID     string               `json:"edge_id"`
	IdentityID string               `json:"identity_id"`
	State      domain.DeliveryState `json:"state"`
	Reason     string               `json:"reason,omitempty"`
	Attempts   int                  `json:"attempts"`
	LastError  string               `json:"last_error,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func toDeliveryView(d domain.AlertDelivery) deliveryView {
	return deliveryView{
		EdgeID:     d.EdgeID,
		IdentityID: d.IdentityID,
		State:      d.State,
		Reason:     d.Reason,
		Attempts:   d.Attempts,
		LastError:  d.LastError,
		UpdatedAt:  d.UpdatedAt,
	}
}

type chunkView struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	ChunkIndex  int       `json:"chunk_index"`
	Content     string    `json:"content"`
	SourceName  string    `json:"source_name,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	SearchQuery string    `json:"search_query,omitempty"`
	Distance    float64   `json:"distance"`
}

func toChunkView(c domain.ScoredChunk) chunkView {
	return chunkView{
		ID:          c.Chunk.ID,
		URL:         c.Chunk.URL,
		ChunkIndex:  c.Chunk.ChunkIndex,
		Content:     c.Chunk.Content,
		SourceName:  c.Chunk.SourceName,
		PublishedAt: c.Chunk.PublishedAt,
		SearchQuery: c.Chunk.SearchQuery,
		Distance:    c.Distance,
	}
}
