package kalshi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// Market is a market as returned by the Kalshi REST API. Integer prices are
// in cents (0-100); the *_dollars variants carry the same quote as a
// decimal string and are used when the cent fields are absent.
type Market struct {
	Ticker           string              `json:"ticker"`
	EventTicker      string              `json:"event_ticker"`
	Title            string              `json:"title"`
	Subtitle         string              `json:"subtitle"`
	Category         string              `json:"category"`
	Status           string              `json:"status"` // "open", "active", "closed", "settled"
	YesBid           decimal.NullDecimal `json:"yes_bid"`
	YesAsk           decimal.NullDecimal `json:"yes_ask"`
	LastPrice        decimal.NullDecimal `json:"last_price"`
	YesBidDollars    decimal.NullDecimal `json:"yes_bid_dollars"`
	YesAskDollars    decimal.NullDecimal `json:"yes_ask_dollars"`
	LastPriceDollars decimal.NullDecimal `json:"last_price_dollars"`
	Volume           decimal.NullDecimal `json:"volume"`
	CloseTime        string              `json:"close_time"`
}

// ErrorResponse is the error envelope returned on non-2xx responses.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var (
	cents = decimal.NewFromInt(100)
	two   = decimal.NewFromInt(2)
)

// Probability returns the market-implied YES probability: the bid/ask
// midpoint when both sides are quoted, else the last trade.
func (m Market) Probability() (float64, error) {
	bid, ask, last := m.quotes()

	var p decimal.Decimal
	switch {
	case bid.Valid && ask.Valid && ask.Decimal.IsPositive():
		p = bid.Decimal.Add(ask.Decimal).Div(two)
	case last.Valid && last.Decimal.IsPositive():
		p = last.Decimal
	default:
		return 0, &domain.ValidationError{Field: "yes_bid", Reason: "no quote"}
	}

	f := p.InexactFloat64()
	if f < 0 || f > 1 {
		return 0, &domain.ValidationError{Field: "yes_bid", Reason: fmt.Sprintf("probability %v outside [0,1]", f)}
	}
	return f, nil
}

// quotes returns bid, ask and last as fractions of a dollar.
func (m Market) quotes() (bid, ask, last decimal.NullDecimal) {
	scale := func(c, d decimal.NullDecimal) decimal.NullDecimal {
		if c.Valid {
			return decimal.NewNullDecimal(c.Decimal.Div(cents))
		}
		return d
	}
	return scale(m.YesBid, m.YesBidDollars), scale(m.YesAsk, m.YesAskDollars), scale(m.LastPrice, m.LastPriceDollars)
}

// IsOpen reports whether the market is currently tradable.
func (m Market) IsOpen() bool {
	switch strings.ToLower(m.Status) {
	case "open", "active":
		return true
	}
	return false
}

// ToDomainMarket converts the API payload into the canonical Market stamped
// with observedAt.
func (m Market) ToDomainMarket(observedAt time.Time) (domain.Market, error) {
	prob, err := m.Probability()
	if err != nil {
		return domain.Market{}, err
	}

	out := domain.Market{
		Platform:          domain.PlatformKalshi,
		ExternalID:        m.Ticker,
		Title:             m.Title,
		Category:          m.Category,
		MarketProbability: prob,
		IsOpen:            m.IsOpen(),
		UpdatedAt:         observedAt,
	}
	if m.Volume.Valid {
		out.Volume = m.Volume.Decimal.InexactFloat64()
	}
	if m.CloseTime != "" {
		t, err := time.Parse(time.RFC3339, m.CloseTime)
		if err != nil {
			return domain.Market{}, &domain.ValidationError{Field: "close_time", Reason: err.Error()}
		}
		t = t.UTC()
		out.CloseTime = &t
	}
	return out, out.Validate()
}

// DecodeMarket maps a raw /markets entry to the canonical Market.
func DecodeMarket(raw json.RawMessage, observedAt time.Time) (domain.Market, error) {
	var m Market
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.Market{}, &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return m.ToDomainMarket(observedAt)
}
