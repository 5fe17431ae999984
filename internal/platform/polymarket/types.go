package polymarket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexPrices decodes outcomePrices, which Gamma sends as a JSON-encoded
// string ("[\"0.62\",\"0.38\"]") and occasionally as a plain array.
type flexPrices []decimal.Decimal

func (f *flexPrices) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err == nil {
		data = []byte(encoded)
	}
	var prices []decimal.Decimal
	if err := json.Unmarshal(data, &prices); err != nil {
		return fmt.Errorf("outcomePrices: %w", err)
	}
	*f = prices
	return nil
}

// Market represents a market as returned by the Polymarket Gamma API.
type Market struct {
	ID            flexString          `json:"id"`
	ConditionID   string              `json:"conditionId"`
	Question      string              `json:"question"`
	Category      string              `json:"category"`
	Active        flexBool            `json:"active"`
	Closed        flexBool            `json:"closed"`
	OutcomePrices flexPrices          `json:"outcomePrices"`
	Volume        decimal.NullDecimal `json:"volume"`
	EndDate       string              `json:"endDate"`
	EndDateISO    string              `json:"end_date_iso"`
}

// Probability returns the first outcome's price, which Gamma orders as YES.
func (m Market) Probability() (float64, error) {
	if len(m.OutcomePrices) == 0 {
		return 0, &domain.ValidationError{Field: "outcomePrices", Reason: "empty"}
	}
	p := m.OutcomePrices[0].InexactFloat64()
	if p < 0 || p > 1 {
		return 0, &domain.ValidationError{Field: "outcomePrices", Reason: fmt.Sprintf("%v outside [0,1]", p)}
	}
	return p, nil
}

// closeTime parses endDate, falling back to the date-only end_date_iso.
func (m Market) closeTime() (*time.Time, error) {
	if m.EndDate != "" {
		t, err := time.Parse(time.RFC3339, m.EndDate)
		if err != nil {
			return nil, &domain.ValidationError{Field: "endDate", Reason: err.Error()}
		}
		t = t.UTC()
		return &t, nil
	}
	if m.EndDateISO != "" {
		t, err := time.Parse("2006-01-02", m.EndDateISO)
		if err != nil {
			return nil, &domain.ValidationError{Field: "end_date_iso", Reason: err.Error()}
		}
		return &t, nil
	}
	return nil, nil
}

// ToDomainMarket converts the Gamma payload into the canonical Market
// stamped with observedAt.
func (m Market) ToDomainMarket(observedAt time.Time) (domain.Market, error) {
	prob, err := m.Probability()
	if err != nil {
		return domain.Market{}, err
	}
	closeAt, err := m.closeTime()
	if err != nil {
		return domain.Market{}, err
	}

	out := domain.Market{
		Platform:          domain.PlatformPolymarket,
		ExternalID:        externalID(m.ConditionID, string(m.ID)),
		Title:             m.Question,
		Category:          m.Category,
		CloseTime:         closeAt,
		MarketProbability: prob,
		IsOpen:            bool(m.Active) && !bool(m.Closed),
		UpdatedAt:         observedAt,
	}
	if m.Volume.Valid {
		out.Volume = m.Volume.Decimal.InexactFloat64()
	}
	return out, out.Validate()
}

// DecodeMarket maps a raw Gamma /markets entry to the canonical Market.
func DecodeMarket(raw json.RawMessage, observedAt time.Time) (domain.Market, error) {
	var m Market
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.Market{}, &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return m.ToDomainMarket(observedAt)
}
