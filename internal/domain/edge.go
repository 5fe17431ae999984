package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of the contract the model favours.
type Direction string

const (
	DirectionYes Direction = "YES"
	DirectionNo  Direction = "NO"
)

// DirectionOf returns YES for a strictly positive magnitude and NO otherwise.
func DirectionOf(magnitude float64) Direction {
	if magnitude > 0 {
		return DirectionYes
	}
	return DirectionNo
}

// Edge is one detected divergence between the model-implied and the
// market-implied probability of a market. Only AlertSent changes after
// creation.
type Edge struct {
	ID                string
	MarketID          int64
	MarketProbability float64
	ModelProbability  float64
	EdgeMagnitude     float64
	Direction         Direction
	DetectedAt        time.Time
	AlertSent         bool
}

// NewEdge builds an Edge, deriving the magnitude and direction from the two
// probabilities.
func NewEdge(id string, marketID int64, marketProb, modelProb float64, detectedAt time.Time) (Edge, error) {
	if marketProb < 0 || marketProb > 1 {
		return Edge{}, &ValidationError{Field: "market_probability", Reason: fmt.Sprintf("%v outside [0,1]", marketProb)}
	}
	if modelProb < 0 || modelProb > 1 {
		return Edge{}, &ValidationError{Field: "model_probability", Reason: fmt.Sprintf("%v outside [0,1]", modelProb)}
	}
	mag := modelProb - marketProb
	return Edge{
		ID:                id,
		MarketID:          marketID,
		MarketProbability: marketProb,
		ModelProbability:  modelProb,
		EdgeMagnitude:     mag,
		Direction:         DirectionOf(mag),
		DetectedAt:        detectedAt,
	}, nil
}

// AbsMagnitude returns |EdgeMagnitude|.
func (e Edge) AbsMagnitude() float64 {
	if e.EdgeMagnitude < 0 {
		return -e.EdgeMagnitude
	}
	return e.EdgeMagnitude
}

// magnitudePlaces is the precision magnitudes are compared against
// thresholds at, so 0.45-0.40 (0.04999999999999999) meets a 0.05 bar.
const magnitudePlaces = 9

// MeetsThreshold reports whether |magnitude| >= threshold, both rounded to
// magnitudePlaces decimal places.
func MeetsThreshold(magnitude, threshold float64) bool {
	m := decimal.NewFromFloat(magnitude).Abs().Round(magnitudePlaces)
	return m.GreaterThanOrEqual(decimal.NewFromFloat(threshold).Round(magnitudePlaces))
}

// EdgeAlert is the payload of the alerts.triggered topic: the edge plus the
// market fields a notifier needs to filter and render it.
type EdgeAlert struct {
	EdgeID            string    `json:"edge_id"`
	MarketID          int64     `json:"market_id"`
	Platform          Platform  `json:"platform"`
	ExternalID        string    `json:"external_id"`
	Title             string    `json:"title"`
	MarketProbability float64   `json:"market_probability"`
	ModelProbability  float64   `json:"model_probability"`
	EdgeMagnitude     float64   `json:"edge_magnitude"`
	Direction         Direction `json:"direction"`
	DetectedAt        time.Time `json:"detected_at"`
}

// NewEdgeAlert combines an edge with its market.
func NewEdgeAlert(e Edge, m Market) EdgeAlert {
	return EdgeAlert{
		EdgeID:            e.ID,
		MarketID:          e.MarketID,
		Platform:          m.Platform,
		ExternalID:        m.ExternalID,
		Title:             m.Title,
		MarketProbability: e.MarketProbability,
		ModelProbability:  e.ModelProbability,
		EdgeMagnitude:     e.EdgeMagnitude,
		Direction:         e.Direction,
		DetectedAt:        e.DetectedAt,
	}
}

// AbsMagnitude returns |EdgeMagnitude|.
func (a EdgeAlert) AbsMagnitude() float64 {
	if a.EdgeMagnitude < 0 {
		return -a.EdgeMagnitude
	}
	return a.EdgeMagnitude
}
