package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"tranchebot/internal/domain"
)

// Narrow blob interfaces required by the archiver. The Reader and Writer in
// this package satisfy them; tests substitute in-memory fakes.

// BlobWriter uploads one object.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobGetter retrieves one object.
type BlobGetter interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver implements domain.PositionArchiver: the final snapshot of a closed
// position, together with its full event journal, is serialized to JSON and
// uploaded to object storage. Only after the upload succeeds does the engine
// compact the journal rows out of the hot database.
type Archiver struct {
	writer BlobWriter
	reader BlobGetter
}

var _ domain.PositionArchiver = (*Archiver)(nil)

// NewArchiver creates an Archiver over the given blob accessors.
func NewArchiver(writer BlobWriter, reader BlobGetter) *Archiver {
	return &Archiver{writer: writer, reader: reader}
}

// archiveRecord is the stored document: one position plus every journal event
// it produced, in append order.
type archiveRecord struct {
	Position   domain.Position `json:"position"`
	Events     []domain.Event  `json:"events"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// ArchivePosition uploads the closed position and its events to
// archive/positions/YYYY-MM/<id>.json, partitioned by close month.
func (a *Archiver) ArchivePosition(ctx context.Context, pos domain.Position, events []domain.Event) error {
	buf, err := marshalRecord(archiveRecord{
		Position:   pos,
		Events:     events,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("s3blob: archive position %s: %w", pos.ID, err)
	}

	path := archivePath(pos)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive position %s upload: %w", pos.ID, err)
	}
	return nil
}

// LoadPosition retrieves an archived position by ID and close time. closedAt
// only needs to fall in the right month; it selects the archive partition.
func (a *Archiver) LoadPosition(ctx context.Context, id string, closedAt time.Time) (domain.Position, []domain.Event, error) {
	body, err := a.reader.Get(ctx, fmt.Sprintf("archive/positions/%s/%s.json", closedAt.UTC().Format("2006-01"), id))
	if err != nil {
		return domain.Position{}, nil, fmt.Errorf("s3blob: load position %s: %w", id, err)
	}
	defer body.Close()

	var rec archiveRecord
	if err := json.NewDecoder(body).Decode(&rec); err != nil {
		return domain.Position{}, nil, fmt.Errorf("s3blob: decode position %s: %w", id, err)
	}
	return rec.Position, rec.Events, nil
}

// archivePath builds the object key, partitioned by the year-month the
// position closed.
//
//	archive/positions/2025-06/<id>.json
func archivePath(pos domain.Position) string {
	month := time.Now().UTC()
	if pos.ClosedAt != nil {
		month = pos.ClosedAt.UTC()
	}
	return fmt.Sprintf("archive/positions/%s/%s.json", month.Format("2006-01"), pos.ID)
}

func marshalRecord(rec archiveRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
