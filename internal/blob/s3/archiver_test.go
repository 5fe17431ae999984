package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/store/memstore"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (b *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = raw
	b.types[path] = contentType
	return nil
}

func (b *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "multipart")
}

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func lines(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		out = append(out, row)
	}
	return out
}

func TestArchiveEdgesByDay(t *testing.T) {
	ctx := t.Context()
	st := memstore.New()
	day0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{
		day0.Add(10 * time.Hour),
		day0.Add(20 * time.Hour),
		day0.Add(30 * time.Hour),
		day0.Add(50 * time.Hour), // after the cutoff day boundary
	} {
		e, err := domain.NewEdge("e"+string(rune('a'+i)), int64(i+1), 0.3, 0.5, at)
		require.NoError(t, err)
		created, err := st.Edges().CreateIfCool(ctx, e, time.Hour)
		require.NoError(t, err)
		require.True(t, created)
	}

	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, st.Edges(), st.Deliveries(), st.Audit(),
		ArchiverConfig{LookbackDays: 7, PageSize: 1}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveEdges(ctx, day0.Add(53*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.Len(t, blobs.objects, 2)

	first := lines(t, blobs.objects["archive/edges/2026/03/01.jsonl"])
	require.Len(t, first, 2)
	assert.Equal(t, "YES", first[0]["direction"])
	assert.Equal(t, contentTypeJSONL, blobs.types["archive/edges/2026/03/01.jsonl"])
	assert.Len(t, lines(t, blobs.objects["archive/edges/2026/03/02.jsonl"]), 1)

	n, err = a.ArchiveEdges(ctx, day0.Add(53*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := st.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "archive.edges", entries[0].Event)
}

func TestArchiveDeliveries(t *testing.T) {
	ctx := t.Context()
	st := memstore.New()

	_, err := st.Deliveries().Begin(ctx, "e1", "u1", time.Now())
	require.NoError(t, err)

	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, st.Edges(), st.Deliveries(), nil,
		ArchiverConfig{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveDeliveries(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.Len(t, blobs.objects, 1)
	for path, raw := range blobs.objects {
		assert.Contains(t, path, "archive/deliveries/")
		rows := lines(t, raw)
		require.Len(t, rows, 1)
		assert.Equal(t, "pending", rows[0]["state"])
	}
}

func TestArchivePath(t *testing.T) {
	assert.Equal(t, "archive/edges/2026/03/01.jsonl",
		archivePath("edges", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
}
