package domain

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the venue a market trades on.
type Platform string

const (
	PlatformKalshi     Platform = "kalshi"
	PlatformPolymarket Platform = "polymarket"
)

// AllPlatforms lists every supported venue in a stable order.
var AllPlatforms = []Platform{PlatformKalshi, PlatformPolymarket}

// Valid reports whether p is a known venue.
func (p Platform) Valid() bool {
	switch p {
	case PlatformKalshi, PlatformPolymarket:
		return true
	}
	return false
}

// Topic returns the bus topic raw snapshots for this venue are published to.
func (p Platform) Topic() string {
	return string(p) + ".markets"
}

// ParsePlatform converts a case-insensitive venue name into a Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", &ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", s)}
	}
	return p, nil
}

// Market is one tradable contract on one venue. (Platform, ExternalID) is
// the stable identity; ID is the surrogate key assigned by the store.
type Market struct {
	ID                int64
	Platform          Platform
	ExternalID        string
	Title             string
	Category          string
	CloseTime         *time.Time
	MarketProbability float64
	Volume            float64
	IsOpen            bool
	UpdatedAt         time.Time
	CreatedAt         time.Time
}

// Key returns the partition key for the market identity.
func (m Market) Key() string {
	return MarketKey(m.Platform, m.ExternalID)
}

// MarketKey joins a venue and its native identifier into one string.
func MarketKey(p Platform, externalID string) string {
	return string(p) + ":" + externalID
}

// Validate checks the canonical invariants of a market before it is written.
func (m Market) Validate() error {
	if !m.Platform.Valid() {
		return &ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", m.Platform)}
	}
	if strings.TrimSpace(m.ExternalID) == "" {
		return &ValidationError{Field: "external_id", Reason: "empty"}
	}
	if strings.TrimSpace(m.Title) == "" {
		return &ValidationError{Field: "title", Reason: "empty"}
	}
	if m.MarketProbability < 0 || m.MarketProbability > 1 {
		return &ValidationError{Field: "market_probability", Reason: fmt.Sprintf("%v outside [0,1]", m.MarketProbability)}
	}
	if m.UpdatedAt.IsZero() {
		return &ValidationError{Field: "updated_at", Reason: "missing"}
	}
	return nil
}

// MarketRef is the payload of the markets.normalized topic: a pointer to a
// market whose canonical state just changed.
type MarketRef struct {
	MarketID   int64     `json:"market_id"`
	Platform   Platform  `json:"platform"`
	ExternalID string    `json:"external_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}
