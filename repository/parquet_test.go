package repository

import (
	"context"
	"errors"
	"strings"
	"testing"

	"polyflow/models"
	"polyflow/storage"
)

func newParquetRepo(t *testing.T, bufferSize int) (*ParquetRepository, *storage.LocalFileSystem) {
	t.Helper()
	lfs, err := storage.NewLocalFileSystem(t.TempDir())
	if err != nil {
		t.Fatalf("local fs: %v", err)
	}
	repo := NewParquetRepository(lfs, ParquetOptions{WriteBufferSize: bufferSize, Compression: "snappy"})
	return repo, lfs
}

func TestParquetReplayFilter(t *testing.T) {
	asset := testAsset(t)
	// Buffer size 1: every append lands in its own file.
	repo, _ := newParquetRepo(t, 1)

	repo.AppendEvent(snapshotEvent(asset, 1))
	repo.AppendEvent(tradeEvent(asset, 2))
	repo.AppendEvent(deltaEvent(asset, 3))

	events, err := repo.GetEventsSince(asset, 2)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].Base().SequenceNumber != 3 {
		t.Fatalf("expected sequence 3, got %d", events[0].Base().SequenceNumber)
	}
	if _, ok := events[0].(models.BookDelta); !ok {
		t.Fatalf("expected BookDelta, got %T", events[0])
	}
}

func TestParquetBufferedEventsVisible(t *testing.T) {
	asset := testAsset(t)
	// Large buffer: nothing flushes during the test.
	repo, _ := newParquetRepo(t, 1000)

	repo.AppendEvent(snapshotEvent(asset, 1))
	repo.AppendEvent(tradeEvent(asset, 2))

	events, err := repo.GetEventsSince(asset, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("buffered events must be visible, got %d", len(events))
	}
}

func TestParquetRoundTripAllVariants(t *testing.T) {
	asset := testAsset(t)
	repo, _ := newParquetRepo(t, 1000)

	repo.AppendEvent(snapshotEvent(asset, 1))
	repo.AppendEvent(deltaEvent(asset, 2))
	repo.AppendEvent(tradeEvent(asset, 3))
	repo.AppendEvent(tickSizeEvent(asset, 4))
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := repo.GetEventsSince(asset, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	snap, ok := events[0].(models.BookSnapshot)
	if !ok {
		t.Fatalf("event 1: expected BookSnapshot, got %T", events[0])
	}
	if snap.Hash != "abc123" || len(snap.Bids) != 3 || len(snap.Asks) != 3 {
		t.Fatalf("snapshot payload: %+v", snap)
	}
	if snap.Bids[1] != level(0.49, 20) {
		t.Fatalf("snapshot levels must survive bit-identical: %v", snap.Bids)
	}
	if snap.Timestamp != 1752514800000 {
		t.Fatalf("snapshot timestamp: %v", snap.Timestamp)
	}

	delta, ok := events[1].(models.BookDelta)
	if !ok {
		t.Fatalf("event 2: expected BookDelta, got %T", events[1])
	}
	if len(delta.Changes) != 2 {
		t.Fatalf("delta changes: %d", len(delta.Changes))
	}
	if delta.Changes[0].AssetID != asset.TokenID || delta.Changes[0].NewSize != 0 ||
		delta.Changes[0].Side != models.SideBuy || delta.Changes[0].BestBid != 0.49 {
		t.Fatalf("delta change 0: %+v", delta.Changes[0])
	}
	if delta.Changes[1].Side != models.SideSell {
		t.Fatalf("delta change 1 side: %v", delta.Changes[1].Side)
	}

	trade, ok := events[2].(models.TradeEvent)
	if !ok {
		t.Fatalf("event 3: expected TradeEvent, got %T", events[2])
	}
	if trade.Price != 0.50 || trade.Size != 10 || trade.Side != models.SideSell || trade.FeeRateBps != "20" {
		t.Fatalf("trade payload: %+v", trade)
	}

	tick, ok := events[3].(models.TickSizeChange)
	if !ok {
		t.Fatalf("event 4: expected TickSizeChange, got %T", events[3])
	}
	if tick.OldTickSize != 0.01 || tick.NewTickSize != 0.001 {
		t.Fatalf("tick payload: %+v", tick)
	}
}

func TestParquetLayoutAndRangeIndex(t *testing.T) {
	asset := testAsset(t)
	repo, lfs := newParquetRepo(t, 1000)

	repo.AppendEvent(tradeEvent(asset, 5))
	repo.AppendEvent(tradeEvent(asset, 6))
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	infos, err := lfs.List(context.Background(), "events/trade_event", true, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("one file per flushed buffer, got %d", len(infos))
	}
	path := infos[0].Path
	// events/trade_event/<prefix8>/<date>/trade_event_<HH>_<start>_<end>.parquet
	// (the whole token here, since it is shorter than 8 chars)
	if !strings.HasPrefix(path, "events/trade_event/6581861/") {
		t.Fatalf("token prefix partition: %s", path)
	}
	if !strings.Contains(path, "/2025-07-14/") {
		t.Fatalf("utc date partition: %s", path)
	}
	if !strings.HasSuffix(path, "_5_6.parquet") {
		t.Fatalf("sequence span suffix: %s", path)
	}

	end, ok := seqEndFromFilename(path)
	if !ok || end != 6 {
		t.Fatalf("seq end from filename: %d %v", end, ok)
	}
}

func TestParquetTokenPrefixTruncation(t *testing.T) {
	longToken, _ := models.NewMarketAsset("0xbd31dc", "65818612345678901234")
	repo, lfs := newParquetRepo(t, 1)

	repo.AppendEvent(tradeEvent(longToken, 1))

	infos, err := lfs.List(context.Background(), "events/trade_event/65818612", true, false)
	if err != nil || len(infos) != 1 {
		t.Fatalf("expected the 8-char prefix directory: %v (%v)", infos, err)
	}

	events, err := repo.GetEventsSince(longToken, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("read back through the prefix: %d (%v)", len(events), err)
	}
}

func TestParquetPrunesWholeFiles(t *testing.T) {
	asset := testAsset(t)
	repo, _ := newParquetRepo(t, 1)

	repo.AppendEvent(tradeEvent(asset, 1))
	repo.AppendEvent(tradeEvent(asset, 2))

	// Everything is on disk; a query beyond the highest sequence must
	// skip every file by filename alone.
	events, err := repo.GetEventsSince(asset, 10)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected pruned empty result, got %d", len(events))
	}
}

func TestParquetFiltersForeignAsset(t *testing.T) {
	asset := testAsset(t)
	// Same token prefix, different condition: shares the partition
	// directory but must be filtered row by row.
	sibling, _ := models.NewMarketAsset("0xother", asset.TokenID)
	repo, _ := newParquetRepo(t, 1)

	repo.AppendEvent(tradeEvent(asset, 1))
	repo.AppendEvent(tradeEvent(sibling, 2))

	events, err := repo.GetEventsSince(asset, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 || events[0].Base().Asset != asset {
		t.Fatalf("row filter must match both condition and token: %v", events)
	}
}

func TestParquetMixedFilesAndBuffers(t *testing.T) {
	asset := testAsset(t)
	repo, _ := newParquetRepo(t, 2)

	repo.AppendEvent(snapshotEvent(asset, 1))
	repo.AppendEvent(tradeEvent(asset, 2)) // flush happens here
	repo.AppendEvent(deltaEvent(asset, 3)) // stays buffered

	events, err := repo.GetEventsSince(asset, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected files + buffers merged, got %d", len(events))
	}
	for i, event := range events {
		if event.Base().SequenceNumber != uint64(i+1) {
			t.Fatalf("result must be sequence-sorted: %v", events)
		}
	}
}

func TestParquetSnapshotRoundTrip(t *testing.T) {
	asset := testAsset(t)
	repo, _ := newParquetRepo(t, 1000)

	book := models.EmptyOrderBook(asset).
		Apply(snapshotEvent(asset, 1)).
		Apply(tickSizeEvent(asset, 2)).
		Apply(tradeEvent(asset, 3))

	if err := repo.StoreSnapshot(book); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := repo.GetLatestSnapshot(asset)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.LastSequenceNumber() != book.LastSequenceNumber() {
		t.Fatalf("sequence: %d vs %d", got.LastSequenceNumber(), book.LastSequenceNumber())
	}
	if got.BookHash() != "abc123" {
		t.Fatalf("hash: %q", got.BookHash())
	}
	if got.TickSize() != 0.001 {
		t.Fatalf("tick size: %v", got.TickSize())
	}
	wantBids, gotBids := book.Bids(), got.Bids()
	if len(wantBids) != len(gotBids) {
		t.Fatalf("bid count: %d vs %d", len(wantBids), len(gotBids))
	}
	for i := range wantBids {
		if wantBids[i] != gotBids[i] {
			t.Fatalf("bid %d: %v vs %v", i, wantBids[i], gotBids[i])
		}
	}
	trade, ok := got.LatestTrade()
	if !ok {
		t.Fatalf("trade lost")
	}
	if trade.Price != 0.50 || trade.FeeRateBps != "20" || trade.Side != models.SideSell {
		t.Fatalf("trade: %+v", trade)
	}
}

func TestParquetSnapshotWithoutTrade(t *testing.T) {
	asset := testAsset(t)
	repo, _ := newParquetRepo(t, 1000)

	book := models.EmptyOrderBook(asset).Apply(snapshotEvent(asset, 1))
	if err := repo.StoreSnapshot(book); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := repo.GetLatestSnapshot(asset)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.LatestTrade(); ok {
		t.Fatalf("has_trade false must restore without a trade")
	}
	if got.TickSize() != models.DefaultTickSize {
		t.Fatalf("default tick size must survive: %v", got.TickSize())
	}
}

func TestParquetSnapshotOverwrites(t *testing.T) {
	asset := testAsset(t)
	repo, _ := newParquetRepo(t, 1000)

	first := models.EmptyOrderBook(asset).Apply(snapshotEvent(asset, 1))
	second := first.Apply(tradeEvent(asset, 2))

	if err := repo.StoreSnapshot(first); err != nil {
		t.Fatalf("store first: %v", err)
	}
	if err := repo.StoreSnapshot(second); err != nil {
		t.Fatalf("store second: %v", err)
	}
	got, err := repo.GetLatestSnapshot(asset)
	if err != nil || got.LastSequenceNumber() != 2 {
		t.Fatalf("one live snapshot per asset: %d (%v)", got.LastSequenceNumber(), err)
	}
}

func TestParquetSnapshotNotFound(t *testing.T) {
	asset := testAsset(t)
	repo, _ := newParquetRepo(t, 1000)

	if _, err := repo.GetLatestSnapshot(asset); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParquetSnapshotAssetMismatch(t *testing.T) {
	asset := testAsset(t)
	// Same token hash path, different condition.
	impostor, _ := models.NewMarketAsset("0xother", asset.TokenID)
	repo, _ := newParquetRepo(t, 1000)

	book := models.EmptyOrderBook(asset).Apply(snapshotEvent(asset, 1))
	if err := repo.StoreSnapshot(book); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := repo.GetLatestSnapshot(impostor); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("asset mismatch must be NotFound, got %v", err)
	}
}

// Parity: the columnar repository must agree with the in-memory reference
// on the same event sequence.
func TestParquetMatchesMemoryReference(t *testing.T) {
	asset := testAsset(t)
	memory := NewMemoryRepository()
	columnar, _ := newParquetRepo(t, 2)

	events := []models.Event{
		snapshotEvent(asset, 1),
		deltaEvent(asset, 2),
		tradeEvent(asset, 3),
		tickSizeEvent(asset, 4),
	}
	for _, event := range events {
		if err := memory.AppendEvent(event); err != nil {
			t.Fatalf("memory append: %v", err)
		}
		if err := columnar.AppendEvent(event); err != nil {
			t.Fatalf("columnar append: %v", err)
		}
	}

	for _, since := range []uint64{0, 1, 2, 3, 4} {
		fromMemory, err := memory.GetEventsSince(asset, since)
		if err != nil {
			t.Fatalf("memory since %d: %v", since, err)
		}
		fromColumnar, err := columnar.GetEventsSince(asset, since)
		if err != nil {
			t.Fatalf("columnar since %d: %v", since, err)
		}
		if len(fromMemory) != len(fromColumnar) {
			t.Fatalf("since %d: %d vs %d events", since, len(fromMemory), len(fromColumnar))
		}
		for i := range fromMemory {
			if fromMemory[i].Base() != fromColumnar[i].Base() {
				t.Fatalf("since %d, event %d: %+v vs %+v",
					since, i, fromMemory[i].Base(), fromColumnar[i].Base())
			}
		}
	}
}
