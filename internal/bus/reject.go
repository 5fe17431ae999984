package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// PublishReject records rec on the ingest.rejected topic with the reason it
// was dropped. The original payload is kept only when it is valid JSON.
func PublishReject(ctx context.Context, b domain.EventBus, rec domain.Record, cause error, at time.Time) error {
	rej := domain.Reject{
		Topic:      rec.Topic,
		Key:        rec.Key,
		Reason:     cause.Error(),
		RejectedAt: at.UTC(),
	}
	if json.Valid(rec.Payload) {
		rej.Payload = rec.Payload
	}
	data, err := json.Marshal(rej)
	if err != nil {
		return fmt.Errorf("bus: encode reject: %w", err)
	}
	if err := b.Publish(ctx, domain.TopicIngestRejected, rec.Topic, data); err != nil {
		return fmt.Errorf("bus: publish reject: %w", err)
	}
	return nil
}
