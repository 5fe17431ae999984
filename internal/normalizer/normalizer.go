// Package normalizer maps raw venue snapshots onto canonical markets.
package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
	"github.com/alanyoungcy/miscalibrated/internal/platform/kalshi"
	"github.com/alanyoungcy/miscalibrated/internal/platform/polymarket"
)

// Decoder maps one venue payload to a canonical market stamped with
// observedAt. Malformed payloads yield an error matching
// domain.ErrValidation.
type Decoder func(raw json.RawMessage, observedAt time.Time) (domain.Market, error)

// DefaultDecoders returns the decoder of every supported venue.
func DefaultDecoders() map[domain.Platform]Decoder {
	return map[domain.Platform]Decoder{
		domain.PlatformKalshi:     kalshi.DecodeMarket,
		domain.PlatformPolymarket: polymarket.DecodeMarket,
	}
}

// Normalizer consumes <platform>.markets records and upserts markets with
// last-write-wins on the snapshot's observation time. Every applied write is
// announced on markets.normalized.
type Normalizer struct {
	markets  domain.MarketStore
	bus      domain.EventBus
	decoders map[domain.Platform]Decoder
	cache    domain.MarketCache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Normalizer.
func New(markets domain.MarketStore, b domain.EventBus, decoders map[domain.Platform]Decoder, m *metrics.Metrics, logger *slog.Logger) *Normalizer {
	if decoders == nil {
		decoders = DefaultDecoders()
	}
	return &Normalizer{
		markets:  markets,
		bus:      b,
		decoders: decoders,
		metrics:  m,
		logger:   logger.With(slog.String("component", "normalizer")),
		now:      time.Now,
	}
}

// WithCache makes the normalizer evict a market from c after every applied
// upsert so the read API never serves a superseded snapshot.
func (n *Normalizer) WithCache(c domain.MarketCache) *Normalizer {
	n.cache = c
	return n
}

// Topics returns the topics the normalizer consumes.
func (n *Normalizer) Topics() []string {
	out := make([]string, 0, len(n.decoders))
	for _, p := range domain.AllPlatforms {
		if _, ok := n.decoders[p]; ok {
			out = append(out, p.Topic())
		}
	}
	return out
}

// Handle processes one snapshot record. Validation failures are recorded on
// ingest.rejected and reported as handled so a poison record never blocks
// its partition. Only store or bus failures are returned.
func (n *Normalizer) Handle(ctx context.Context, rec domain.Record) error {
	market, err := n.decode(rec)
	if err != nil {
		return n.reject(ctx, rec, err)
	}

	id, applied, err := n.markets.Upsert(ctx, market)
	if err != nil {
		return fmt.Errorf("normalizer: upsert %s: %w", market.Key(), err)
	}
	if !applied {
		n.metrics.Normalize(string(market.Platform), "stale")
		n.logger.Debug("stale snapshot ignored",
			slog.String("platform", string(market.Platform)),
			slog.String("external_id", market.ExternalID),
			slog.Time("observed_at", market.UpdatedAt),
		)
		return nil
	}
	n.metrics.Normalize(string(market.Platform), "applied")

	if n.cache != nil {
		if err := n.cache.Invalidate(ctx, id); err != nil {
			n.logger.Warn("cache invalidation failed",
				slog.Int64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	ref, err := json.Marshal(domain.MarketRef{
		MarketID:   id,
		Platform:   market.Platform,
		ExternalID: market.ExternalID,
		UpdatedAt:  market.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("normalizer: encode ref: %w", err)
	}
	if err := n.bus.Publish(ctx, domain.TopicMarketsNormalized, market.Key(), ref); err != nil {
		return fmt.Errorf("normalizer: publish %s: %w", market.Key(), err)
	}
	return nil
}

func (n *Normalizer) decode(rec domain.Record) (domain.Market, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		return domain.Market{}, &domain.ValidationError{Field: "snapshot", Reason: err.Error()}
	}
	if snap.Platform.Topic() != rec.Topic {
		return domain.Market{}, &domain.ValidationError{Field: "platform", Reason: fmt.Sprintf("%q on topic %s", snap.Platform, rec.Topic)}
	}
	decode, ok := n.decoders[snap.Platform]
	if !ok {
		return domain.Market{}, &domain.ValidationError{Field: "platform", Reason: fmt.Sprintf("no decoder for %q", snap.Platform)}
	}
	if snap.ObservedAt.IsZero() {
		return domain.Market{}, &domain.ValidationError{Field: "observed_at", Reason: "missing"}
	}

	market, err := decode(snap.Payload, snap.ObservedAt.UTC())
	if err != nil {
		return domain.Market{}, err
	}
	if market.ExternalID != snap.ExternalID {
		return domain.Market{}, &domain.ValidationError{
			Field:  "external_id",
			Reason: fmt.Sprintf("payload says %q, envelope says %q", market.ExternalID, snap.ExternalID),
		}
	}
	return market, nil
}

func (n *Normalizer) reject(ctx context.Context, rec domain.Record, cause error) error {
	if !errors.Is(cause, domain.ErrValidation) {
		return fmt.Errorf("normalizer: %w", cause)
	}
	n.metrics.Normalize(platformOf(rec.Topic), "rejected")
	n.logger.Warn("snapshot rejected",
		slog.String("topic", rec.Topic),
		slog.String("key", rec.Key),
		slog.String("error", cause.Error()),
	)
	return bus.PublishReject(ctx, n.bus, rec, cause, n.now())
}

func platformOf(topic string) string {
	for _, p := range domain.AllPlatforms {
		if p.Topic() == topic {
			return string(p)
		}
	}
	return "unknown"
}
