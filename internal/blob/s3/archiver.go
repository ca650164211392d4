package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/veilbet/internal/domain"
)

// archiveBatch is the page size used when draining the event journal and
// the market mirror.
const archiveBatch = 500

// EventArchiver implements domain.Archiver by draining a settled market's
// event log from the journal, serialising it to JSONL, and uploading the
// result to object storage.
//
// Pruning of archived events from the hot journal is intentionally NOT
// performed here; that is a separate, explicit step after the archive has
// been verified.
type EventArchiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	journal domain.EventJournal
	markets domain.MarketMirrorStore
	logger  *slog.Logger
}

// NewEventArchiver creates an EventArchiver over the given stores.
func NewEventArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	journal domain.EventJournal,
	markets domain.MarketMirrorStore,
	logger *slog.Logger,
) *EventArchiver {
	return &EventArchiver{
		writer:  writer,
		reader:  reader,
		journal: journal,
		markets: markets,
		logger:  logger,
	}
}

// ArchiveMarket uploads the complete event log of a single market to
// archive/markets/<id>.jsonl and returns the number of events archived.
// Active markets are rejected; their logs are still growing.
func (a *EventArchiver) ArchiveMarket(ctx context.Context, marketID uint64) (int64, error) {
	m, err := a.markets.GetByID(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive market %d: %w", marketID, err)
	}
	if m.Status == domain.MarketStatusActive {
		return 0, fmt.Errorf("s3blob: archive market %d: market still active", marketID)
	}

	events, err := a.drainEvents(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive market %d: %w", marketID, err)
	}

	path := marketArchivePath(marketID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive market %d upload: %w", marketID, err)
	}

	a.logger.Info("archived market event log",
		slog.Uint64("market_id", marketID),
		slog.String("path", path),
		slog.Int("events", len(events)),
	)
	return int64(len(events)), nil
}

// ArchiveSettled archives every resolved or cancelled market that does not
// already have an archive object, returning the number of markets processed.
func (a *EventArchiver) ArchiveSettled(ctx context.Context) (int, error) {
	archived := 0
	for offset := 0; ; offset += archiveBatch {
		page, err := a.markets.List(ctx, domain.ListOpts{Limit: archiveBatch, Offset: offset})
		if err != nil {
			return archived, fmt.Errorf("s3blob: archive settled: %w", err)
		}
		if len(page) == 0 {
			return archived, nil
		}

		for _, m := range page {
			if m.Status == domain.MarketStatusActive {
				continue
			}
			exists, err := a.reader.Exists(ctx, marketArchivePath(m.ID))
			if err != nil {
				return archived, fmt.Errorf("s3blob: archive settled: %w", err)
			}
			if exists {
				continue
			}
			if _, err := a.ArchiveMarket(ctx, m.ID); err != nil {
				return archived, err
			}
			archived++
		}
	}
}

// drainEvents pages through the journal until the market's log is exhausted.
func (a *EventArchiver) drainEvents(ctx context.Context, marketID uint64) ([]domain.Event, error) {
	var events []domain.Event
	for offset := 0; ; offset += archiveBatch {
		page, err := a.journal.ListByMarket(ctx, marketID, domain.ListOpts{Limit: archiveBatch, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("s3blob: drain events for market %d: %w", marketID, err)
		}
		events = append(events, page...)
		if len(page) < archiveBatch {
			return events, nil
		}
	}
}

// marketArchivePath builds the object key for a market's event archive,
// zero-padded so keys sort numerically.
//
//	archive/markets/000042.jsonl
func marketArchivePath(marketID uint64) string {
	return fmt.Sprintf("archive/markets/%06d.jsonl", marketID)
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*EventArchiver)(nil)
