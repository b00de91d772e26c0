package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// archiveContentType is the MIME type of the JSONL archive files.
const archiveContentType = "application/x-ndjson"

// multipartWriter is implemented by blob writers that can split a large
// upload into concurrently uploaded parts.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// CandleArchiveStore is the slice of the candle store the archiver needs:
// reading cold buckets out and optionally pruning them after upload.
type CandleArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Candle, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiverConfig controls retention and cadence for candle archival.
type ArchiverConfig struct {
	// Retention is how long candles stay in the primary store before they
	// are eligible for archival.
	Retention time.Duration
	// Interval is how often the archive pass runs.
	Interval time.Duration
	// BatchLimit caps the number of candles read per pass.
	BatchLimit int
	// Prune removes archived candles from the primary store after a
	// successful upload.
	Prune bool
}

// DefaultArchiverConfig archives candles older than a day, hourly.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		Retention:  24 * time.Hour,
		Interval:   time.Hour,
		BatchLimit: 10000,
		Prune:      false,
	}
}

// Archiver moves cold candles out of the primary store into object storage
// as JSONL files keyed by cutoff date. Pruning is separate from upload so a
// failed upload never loses data.
type Archiver struct {
	writer  domain.BlobWriter
	candles CandleArchiveStore
	cfg     ArchiverConfig
	logger  *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, candles CandleArchiveStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10000
	}
	return &Archiver{
		writer:  writer,
		candles: candles,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "candle_archiver")),
	}
}

// Run executes an archive pass every Interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveCandles(ctx, time.Now().Add(-a.cfg.Retention)); err != nil {
				a.logger.Error("archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveCandles queries candles closed before the cutoff, serializes them
// to JSONL, and uploads the file at archive/candles/YYYY-MM-DD-HH.jsonl.
// Returns the number of candles archived.
func (a *Archiver) ArchiveCandles(ctx context.Context, before time.Time) (int64, error) {
	candles, err := a.candles.ListBefore(ctx, before, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive candles query: %w", err)
	}
	if len(candles) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(candles)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive candles marshal: %w", err)
	}

	path := archivePath(before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive candles upload: %w", err)
	}

	count := int64(len(candles))
	a.logger.Info("archived candles",
		slog.String("path", path),
		slog.Int64("count", count))

	if a.cfg.Prune {
		pruned, err := a.candles.DeleteBefore(ctx, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: prune archived candles: %w", err)
		}
		a.logger.Info("pruned archived candles", slog.Int64("rows", pruned))
	}

	return count, nil
}

// upload sends the serialized batch in one shot, switching to a multipart
// upload when the payload is large enough to split and the writer supports it.
func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if mp, ok := a.writer.(multipartWriter); ok && int64(len(buf)) >= minPartSize {
		return mp.PutMultipart(ctx, path, bytes.NewReader(buf), archiveContentType, minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), archiveContentType)
}

func archivePath(before time.Time) string {
	return "archive/candles/" + before.UTC().Format("2006-01-02-15") + ".jsonl"
}

// marshalJSONL serializes candles one JSON object per line.
func marshalJSONL(candles []domain.Candle) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range candles {
		if err := enc.Encode(c); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
