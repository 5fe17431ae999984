package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	day              = 24 * time.Hour
)

// ArchiverConfig tunes the archiver.
type ArchiverConfig struct {
	// LookbackDays bounds how many days before the cutoff are examined per
	// run. Days already present in the bucket are skipped.
	LookbackDays int
	// PageSize is the number of rows read per store query.
	PageSize int
}

// Archiver implements domain.Archiver. Each UTC day of history becomes one
// JSONL object at archive/<kind>/YYYY/MM/DD.jsonl. Rows are copied, never
// deleted from the primary store.
type Archiver struct {
	writer     domain.BlobWriter
	reader     domain.BlobReader
	edges      domain.EdgeStore
	deliveries domain.DeliveryStore
	audit      domain.AuditStore
	cfg        ArchiverConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	edges domain.EdgeStore,
	deliveries domain.DeliveryStore,
	audit domain.AuditStore,
	cfg ArchiverConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Archiver {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 7
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Archiver{
		writer:     writer,
		reader:     reader,
		edges:      edges,
		deliveries: deliveries,
		audit:      audit,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
	}
}

type edgeRecord struct {
	ID                string           `json:"id"`
	MarketID          int64            `json:"market_id"`
	MarketProbability float64          `json:"market_probability"`
	ModelProbability  float64          `json:"model_probability"`
	EdgeMagnitude     float64          `json:"edge_magnitude"`
	Direction         domain.Direction `json:"direction"`
	DetectedAt        time.Time        `json:"detected_at"`
	AlertSent         bool             `json:"alert_sent"`
}

type deliveryRecord struct {
	EdgeID     string               `json:"edge_id"`
	IdentityID string               `json:"identity_id"`
	State      domain.DeliveryState `json:"state"`
	Reason     string               `json:"reason,omitempty"`
	Attempts   int                  `json:"attempts"`
	LastError  string               `json:"last_error,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// ArchiveEdges archives every full UTC day of edges detected before the
// cutoff, within the lookback window.
func (a *Archiver) ArchiveEdges(ctx context.Context, before time.Time) (int64, error) {
	return a.archive(ctx, "edges", before, func(ctx context.Context, opts domain.ListOpts) ([]any, error) {
		edges, err := a.edges.List(ctx, domain.EdgeFilter{ListOpts: opts})
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(edges))
		for _, e := range edges {
			out = append(out, edgeRecord{
				ID:                e.ID,
				MarketID:          e.MarketID,
				MarketProbability: e.MarketProbability,
				ModelProbability:  e.ModelProbability,
				EdgeMagnitude:     e.EdgeMagnitude,
				Direction:         e.Direction,
				DetectedAt:        e.DetectedAt,
				AlertSent:         e.AlertSent,
			})
		}
		return out, nil
	})
}

// ArchiveDeliveries archives every full UTC day of delivery rows last
// updated before the cutoff, within the lookback window.
func (a *Archiver) ArchiveDeliveries(ctx context.Context, before time.Time) (int64, error) {
	return a.archive(ctx, "deliveries", before, func(ctx context.Context, opts domain.ListOpts) ([]any, error) {
		rows, err := a.deliveries.List(ctx, "", opts)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(rows))
		for _, d := range rows {
			out = append(out, deliveryRecord{
				EdgeID:     d.EdgeID,
				IdentityID: d.IdentityID,
				State:      d.State,
				Reason:     d.Reason,
				Attempts:   d.Attempts,
				LastError:  d.LastError,
				UpdatedAt:  d.UpdatedAt,
			})
		}
		return out, nil
	})
}

type pageFunc func(ctx context.Context, opts domain.ListOpts) ([]any, error)

func (a *Archiver) archive(ctx context.Context, kind string, before time.Time, list pageFunc) (int64, error) {
	end := before.UTC().Truncate(day)
	var total int64
	for i := a.cfg.LookbackDays; i >= 1; i-- {
		start := end.Add(-time.Duration(i) * day)
		n, err := a.archiveDay(ctx, kind, start, list)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (a *Archiver) archiveDay(ctx context.Context, kind string, start time.Time, list pageFunc) (int64, error) {
	path := archivePath(kind, start)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		return 0, nil
	}

	until := start.Add(day)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var count int64
	for offset := 0; ; offset += a.cfg.PageSize {
		rows, err := list(ctx, domain.ListOpts{
			Limit:  a.cfg.PageSize,
			Offset: offset,
			Since:  &start,
			Until:  &until,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
		}
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return 0, fmt.Errorf("s3blob: archive %s encode: %w", kind, err)
			}
		}
		count += int64(len(rows))
		if len(rows) < a.cfg.PageSize {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	if int64(buf.Len()) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, &buf, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, &buf, contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	a.metrics.Archive(kind, count)
	a.logger.InfoContext(ctx, "archived history",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":  path,
			"count": count,
			"day":   start.Format(time.DateOnly),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit: %w", kind, err)
		}
	}
	return count, nil
}

// RunLoop archives both kinds every interval, using now-after as the cutoff.
// Failures are logged and retried on the next tick.
func (a *Archiver) RunLoop(ctx context.Context, interval, after time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cutoff := time.Now().Add(-after)
		if _, err := a.ArchiveEdges(ctx, cutoff); err != nil {
			a.logger.ErrorContext(ctx, "archive edges failed", slog.String("error", err.Error()))
		}
		if _, err := a.ArchiveDeliveries(ctx, cutoff); err != nil {
			a.logger.ErrorContext(ctx, "archive deliveries failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// archivePath builds the object key for one day of one kind.
//
//	archive/edges/2026/03/01.jsonl
func archivePath(kind string, dayStart time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, dayStart.Format("2006/01/02"))
}

var _ domain.Archiver = (*Archiver)(nil)
