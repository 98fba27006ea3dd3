package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"polyflow/logger"
	"polyflow/models"
	"polyflow/storage"
)

// Event-type directory names under events/.
const (
	typeBookSnapshot   = "book_snapshot"
	typeBookDelta      = "book_delta"
	typeTradeEvent     = "trade_event"
	typeTickSizeChange = "tick_size_change"
)

var eventTypes = []string{typeBookSnapshot, typeBookDelta, typeTradeEvent, typeTickSizeChange}

// flushInterval is the time since the last flush after which the next
// AppendEvent flushes; there is no background timer, so buffered events
// stay in memory until another append or Close.
const flushInterval = 30 * time.Second

// ParquetOptions tunes the columnar repository.
type ParquetOptions struct {
	// WriteBufferSize is the total buffered-event count that triggers a flush.
	WriteBufferSize int
	// Compression is one of snappy, gzip, lzo or empty for uncompressed.
	Compression string
}

// ParquetRepository is the columnar event log: per-event-type buffered
// writers, a partitioned file layout with the sequence span encoded in
// filenames, and range-pruned reads. One mutex guards all four buffers,
// the flush clock, and the read paths.
type ParquetRepository struct {
	fsys storage.FileSystem
	opts ParquetOptions
	log  *logger.Log

	mu             sync.Mutex
	snapshotBuffer []models.Event
	deltaBuffer    []models.Event
	tradeBuffer    []models.Event
	tickSizeBuffer []models.Event
	minSeq, maxSeq uint64
	lastFlush      time.Time
}

func NewParquetRepository(fsys storage.FileSystem, opts ParquetOptions) *ParquetRepository {
	if opts.WriteBufferSize < 1 {
		opts.WriteBufferSize = 1
	}
	return &ParquetRepository{
		fsys:      fsys,
		opts:      opts,
		log:       logger.GetLogger(),
		lastFlush: time.Now(),
	}
}

// AppendEvent routes the event to its per-type buffer and flushes when the
// total buffered count or the elapsed time says so. A failed flush is
// logged and the buffers are retained for the next attempt.
func (r *ParquetRepository) AppendEvent(event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := event.Base().SequenceNumber
	if r.minSeq == 0 {
		r.minSeq = seq
	}
	r.maxSeq = seq

	switch event.(type) {
	case models.BookSnapshot:
		r.snapshotBuffer = append(r.snapshotBuffer, event)
	case models.BookDelta:
		r.deltaBuffer = append(r.deltaBuffer, event)
	case models.TradeEvent:
		r.tradeBuffer = append(r.tradeBuffer, event)
	case models.TickSizeChange:
		r.tickSizeBuffer = append(r.tickSizeBuffer, event)
	default:
		return fmt.Errorf("%w: unknown event variant %T", models.ErrStorage, event)
	}

	total := len(r.snapshotBuffer) + len(r.deltaBuffer) + len(r.tradeBuffer) + len(r.tickSizeBuffer)
	if total >= r.opts.WriteBufferSize || time.Since(r.lastFlush) >= flushInterval {
		r.flushLocked("threshold")
	}
	return nil
}

// Close flushes whatever is still buffered.
func (r *ParquetRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked("teardown")
	return nil
}

// flushLocked writes one file per non-empty buffer. Callers hold r.mu.
func (r *ParquetRepository) flushLocked(reason string) {
	flushID := uuid.New().String()
	log := r.log.WithComponent("parquet_repository").WithFields(logger.Fields{
		"flush_id": flushID,
		"reason":   reason,
		"seq_min":  r.minSeq,
		"seq_max":  r.maxSeq,
	})

	buffers := []struct {
		eventType string
		events    *[]models.Event
	}{
		{typeBookSnapshot, &r.snapshotBuffer},
		{typeBookDelta, &r.deltaBuffer},
		{typeTradeEvent, &r.tradeBuffer},
		{typeTickSizeChange, &r.tickSizeBuffer},
	}

	flushed := 0
	for _, buf := range buffers {
		if len(*buf.events) == 0 {
			continue
		}
		if err := r.flushBuffer(buf.eventType, *buf.events); err != nil {
			log.WithError(err).WithFields(logger.Fields{"event_type": buf.eventType}).
				Error("flush failed, retaining buffer")
			continue
		}
		flushed += len(*buf.events)
		*buf.events = nil
	}

	if r.snapshotBuffer == nil && r.deltaBuffer == nil && r.tradeBuffer == nil && r.tickSizeBuffer == nil {
		r.minSeq, r.maxSeq = 0, 0
	}
	r.lastFlush = time.Now()

	if flushed > 0 {
		log.WithFields(logger.Fields{"events": flushed}).Debug("buffers flushed")
		r.log.LogMetric("parquet_repository", "events_flushed", flushed, "counter", logger.Fields{
			"reason": reason,
		})
	}
}

// flushBuffer serializes one event-type buffer into a single parquet file.
// The first event determines the date/hour partition; the buffer's own
// first/last sequence numbers become the filename range index.
func (r *ParquetRepository) flushBuffer(eventType string, events []models.Event) error {
	first := events[0].Base()
	seqStart := first.SequenceNumber
	seqEnd := events[len(events)-1].Base().SequenceNumber

	ts := time.UnixMilli(first.Timestamp.Milliseconds()).UTC()
	dir := eventsDir(eventType, first.Asset.TokenID) + "/" + ts.Format("2006-01-02")
	if err := r.fsys.CreateDir(dir, true); err != nil {
		return fmt.Errorf("%w: create dir %s: %v", models.ErrStorage, dir, err)
	}

	filename := fmt.Sprintf("%s_%02d_%d_%d.parquet", eventType, ts.Hour(), seqStart, seqEnd)
	filePath := dir + "/" + filename

	data, err := r.serialize(eventType, events)
	if err != nil {
		return err
	}
	return r.writeFile(filePath, data)
}

func (r *ParquetRepository) serialize(eventType string, events []models.Event) ([]byte, error) {
	mf := newMemoryFile()

	var rowType interface{}
	switch eventType {
	case typeBookSnapshot:
		rowType = new(bookSnapshotRow)
	case typeBookDelta:
		rowType = new(bookDeltaRow)
	case typeTradeEvent:
		rowType = new(tradeEventRow)
	case typeTickSizeChange:
		rowType = new(tickSizeChangeRow)
	}

	pw, err := writer.NewParquetWriter(mf, rowType, 4)
	if err != nil {
		return nil, fmt.Errorf("%w: create parquet writer: %v", models.ErrStorage, err)
	}
	pw.CompressionType = compressionCodec(r.opts.Compression)

	for _, event := range events {
		var row interface{}
		switch e := event.(type) {
		case models.BookSnapshot:
			row = snapshotToRow(e)
		case models.BookDelta:
			row = deltaToRow(e)
		case models.TradeEvent:
			row = tradeToRow(e)
		case models.TickSizeChange:
			row = tickSizeChangeToRow(e)
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("%w: write parquet row: %v", models.ErrStorage, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("%w: finalize parquet file: %v", models.ErrStorage, err)
	}
	return mf.Bytes(), nil
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "lzo":
		return parquet.CompressionCodec_LZO
	}
	return parquet.CompressionCodec_UNCOMPRESSED
}

func (r *ParquetRepository) writeFile(filePath string, data []byte) error {
	ctx := context.Background()
	w, err := r.fsys.OpenOutput(ctx, filePath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", models.ErrStorage, filePath, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("%w: write %s: %v", models.ErrStorage, filePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", models.ErrStorage, filePath, err)
	}
	return nil
}

// GetEventsSince scans the partitioned layout for each event type, prunes
// whole files by the seqEnd encoded in their names, filters rows by
// sequence and exact asset, merges the in-memory buffers, and sorts by
// sequence. Unreadable files count as no data.
func (r *ParquetRepository) GetEventsSince(asset models.MarketAsset, seq uint64) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()
	var result []models.Event

	for _, eventType := range eventTypes {
		dir := eventsDir(eventType, asset.TokenID)
		infos, err := r.fsys.List(ctx, dir, true, true)
		if err != nil {
			r.log.WithComponent("parquet_repository").WithError(err).
				WithFields(logger.Fields{"dir": dir}).Warn("listing failed, skipping event type")
			continue
		}
		for _, info := range infos {
			if info.IsDir || !strings.HasSuffix(info.Path, ".parquet") {
				continue
			}
			if end, ok := seqEndFromFilename(info.Path); ok && end <= seq {
				continue
			}
			events, err := r.readFile(ctx, eventType, info.Path, asset, seq)
			if err != nil {
				r.log.WithComponent("parquet_repository").WithError(err).
					WithFields(logger.Fields{"path": info.Path}).Warn("unreadable file, skipping")
				continue
			}
			result = append(result, events...)
		}
	}

	for _, buffer := range [][]models.Event{r.snapshotBuffer, r.deltaBuffer, r.tradeBuffer, r.tickSizeBuffer} {
		for _, event := range buffer {
			base := event.Base()
			if base.Asset == asset && base.SequenceNumber > seq {
				result = append(result, event)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Base().SequenceNumber < result[j].Base().SequenceNumber
	})
	return result, nil
}

// seqEndFromFilename parses the trailing sequence of
// <event_type>_<HH>_<seqStart>_<seqEnd>.parquet.
func seqEndFromFilename(filePath string) (uint64, bool) {
	stem := strings.TrimSuffix(path.Base(filePath), ".parquet")
	parts := strings.Split(stem, "_")
	if len(parts) < 2 {
		return 0, false
	}
	end, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return end, true
}

func (r *ParquetRepository) readFile(ctx context.Context, eventType, filePath string, asset models.MarketAsset, seq uint64) ([]models.Event, error) {
	in, err := r.fsys.OpenInput(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrStorage, filePath, err)
	}
	data, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrStorage, filePath, err)
	}

	mf := newMemoryFileFromBytes(data)

	var rowType interface{}
	switch eventType {
	case typeBookSnapshot:
		rowType = new(bookSnapshotRow)
	case typeBookDelta:
		rowType = new(bookDeltaRow)
	case typeTradeEvent:
		rowType = new(tradeEventRow)
	case typeTickSizeChange:
		rowType = new(tickSizeChangeRow)
	}

	pr, err := reader.NewParquetReader(mf, rowType, 4)
	if err != nil {
		return nil, fmt.Errorf("%w: open parquet %s: %v", models.ErrStorage, filePath, err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	var events []models.Event

	appendEvent := func(event models.Event) {
		base := event.Base()
		if base.SequenceNumber > seq && base.Asset == asset {
			events = append(events, event)
		}
	}

	switch eventType {
	case typeBookSnapshot:
		rows := make([]bookSnapshotRow, num)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("%w: read rows %s: %v", models.ErrStorage, filePath, err)
		}
		for _, row := range rows {
			event, err := rowToSnapshot(row)
			if err != nil {
				return nil, err
			}
			appendEvent(event)
		}
	case typeBookDelta:
		rows := make([]bookDeltaRow, num)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("%w: read rows %s: %v", models.ErrStorage, filePath, err)
		}
		for _, row := range rows {
			event, err := rowToDelta(row)
			if err != nil {
				return nil, err
			}
			appendEvent(event)
		}
	case typeTradeEvent:
		rows := make([]tradeEventRow, num)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("%w: read rows %s: %v", models.ErrStorage, filePath, err)
		}
		for _, row := range rows {
			event, err := rowToTrade(row)
			if err != nil {
				return nil, err
			}
			appendEvent(event)
		}
	case typeTickSizeChange:
		rows := make([]tickSizeChangeRow, num)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("%w: read rows %s: %v", models.ErrStorage, filePath, err)
		}
		for _, row := range rows {
			event, err := rowToTickSizeChange(row)
			if err != nil {
				return nil, err
			}
			appendEvent(event)
		}
	}

	return events, nil
}

// StoreSnapshot writes the projection as a single-row parquet file keyed
// by the token hash, replacing any prior snapshot.
func (r *ParquetRepository) StoreSnapshot(book models.OrderBook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mf := newMemoryFile()
	pw, err := writer.NewParquetWriter(mf, new(orderBookSnapshotRow), 4)
	if err != nil {
		return fmt.Errorf("%w: create parquet writer: %v", models.ErrStorage, err)
	}
	pw.CompressionType = compressionCodec(r.opts.Compression)

	if err := pw.Write(bookToSnapshotRow(book)); err != nil {
		pw.WriteStop()
		return fmt.Errorf("%w: write snapshot row: %v", models.ErrStorage, err)
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("%w: finalize snapshot file: %v", models.ErrStorage, err)
	}

	if err := r.fsys.CreateDir("snapshots", true); err != nil {
		return fmt.Errorf("%w: create snapshots dir: %v", models.ErrStorage, err)
	}
	return r.writeFile(snapshotPath(book.Asset().TokenID), mf.Bytes())
}

// GetLatestSnapshot reads the single-row snapshot file and rebuilds the
// projection. A missing file or an asset mismatch is NotFound.
func (r *ParquetRepository) GetLatestSnapshot(asset models.MarketAsset) (models.OrderBook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()
	filePath := snapshotPath(asset.TokenID)

	in, err := r.fsys.OpenInput(ctx, filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.OrderBook{}, fmt.Errorf("%w: no snapshot for %s", models.ErrNotFound, asset)
		}
		return models.OrderBook{}, fmt.Errorf("%w: open %s: %v", models.ErrStorage, filePath, err)
	}
	data, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("%w: read %s: %v", models.ErrStorage, filePath, err)
	}

	pr, err := reader.NewParquetReader(newMemoryFileFromBytes(data), new(orderBookSnapshotRow), 4)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("%w: open parquet %s: %v", models.ErrStorage, filePath, err)
	}
	defer pr.ReadStop()

	if pr.GetNumRows() == 0 {
		return models.OrderBook{}, fmt.Errorf("%w: empty snapshot for %s", models.ErrNotFound, asset)
	}
	rows := make([]orderBookSnapshotRow, 1)
	if err := pr.Read(&rows); err != nil {
		return models.OrderBook{}, fmt.Errorf("%w: read snapshot row: %v", models.ErrStorage, err)
	}

	row := rows[0]
	if row.ConditionID != asset.ConditionID || row.TokenID != asset.TokenID {
		return models.OrderBook{}, fmt.Errorf("%w: snapshot asset mismatch for %s", models.ErrNotFound, asset)
	}
	return rowToBook(row)
}

// Path helpers. token_prefix shards directories; token_hash names the one
// live snapshot per asset.

func eventsDir(eventType, tokenID string) string {
	return "events/" + eventType + "/" + tokenPrefix(tokenID)
}

func snapshotPath(tokenID string) string {
	return "snapshots/" + tokenHash(tokenID) + ".parquet"
}

func tokenPrefix(tokenID string) string {
	if len(tokenID) > 8 {
		return tokenID[:8]
	}
	return tokenID
}

func tokenHash(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16]
	}
	return tokenID
}
