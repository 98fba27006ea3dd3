package service

import (
	"errors"
	"testing"

	"polyflow/feed"
	"polyflow/models"
	"polyflow/repository"
)

// fakeFeed delivers events synchronously from the test goroutine.
type fakeFeed struct {
	cb         feed.EventCallback
	subscribed []string
	started    bool
	stopped    bool
}

func (f *fakeFeed) SetOnEvent(cb feed.EventCallback) { f.cb = cb }
func (f *fakeFeed) Subscribe(tokenID string)         { f.subscribed = append(f.subscribed, tokenID) }
func (f *fakeFeed) Start() error                     { f.started = true; return nil }
func (f *fakeFeed) Stop()                            { f.stopped = true }
func (f *fakeFeed) emit(event models.Event)          { f.cb(event) }

func testAsset(t *testing.T) models.MarketAsset {
	t.Helper()
	asset, err := models.NewMarketAsset("0xbd31dc", "6581861")
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	return asset
}

func level(price, size float64) models.PriceLevel {
	return models.PriceLevel{Price: models.Price(price), Size: models.Quantity(size)}
}

func snapshotEvent(asset models.MarketAsset) models.BookSnapshot {
	return models.BookSnapshot{
		EventBase: models.EventBase{Asset: asset, Timestamp: 1752514800000},
		Bids:      []models.PriceLevel{level(0.30, 10), level(0.49, 20), level(0.40, 15)},
		Asks:      []models.PriceLevel{level(0.60, 10), level(0.52, 25), level(0.55, 5)},
		Hash:      "abc123",
	}
}

func tradeEvent(asset models.MarketAsset) models.TradeEvent {
	return models.TradeEvent{
		EventBase: models.EventBase{Asset: asset, Timestamp: 1752514800001},
		Price:     0.50, Size: 10, Side: models.SideBuy, FeeRateBps: "0",
	}
}

func deltaEvent(asset models.MarketAsset) models.BookDelta {
	return models.BookDelta{
		EventBase: models.EventBase{Asset: asset, Timestamp: 1752514800002},
		Changes: []models.PriceLevelDelta{
			{AssetID: asset.TokenID, Price: 0.40, NewSize: 0, Side: models.SideBuy},
		},
	}
}

func newTestService(snapshotInterval uint64) (*OrderBookService, *fakeFeed, *repository.MemoryRepository) {
	repo := repository.NewMemoryRepository()
	f := &fakeFeed{}
	svc := NewOrderBookService(repo, f, snapshotInterval)
	return svc, f, repo
}

func TestSnapshotSortAndQueries(t *testing.T) {
	asset := testAsset(t)
	svc, f, _ := newTestService(0)

	f.emit(snapshotEvent(asset))

	book, err := svc.GetCurrentBook(asset)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	bid, err := book.BestBid()
	if err != nil || bid != 0.49 {
		t.Fatalf("best bid: %v (%v)", bid, err)
	}
	ask, err := book.BestAsk()
	if err != nil || ask != 0.52 {
		t.Fatalf("best ask: %v (%v)", ask, err)
	}
	if book.Depth() != 3 {
		t.Fatalf("depth: %d", book.Depth())
	}
	bids := book.Bids()
	for i, want := range []models.Price{0.49, 0.40, 0.30} {
		if bids[i].Price != want {
			t.Fatalf("bid %d: expected %v, got %v", i, want, bids[i].Price)
		}
	}
}

func TestDeltaRemove(t *testing.T) {
	asset := testAsset(t)
	svc, f, _ := newTestService(0)

	f.emit(snapshotEvent(asset))
	f.emit(deltaEvent(asset))

	book, err := svc.GetCurrentBook(asset)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	bids := book.Bids()
	if len(bids) != 2 || bids[0] != level(0.49, 20) || bids[1] != level(0.30, 10) {
		t.Fatalf("bids after remove: %v", bids)
	}
	if book.LastSequenceNumber() != 2 {
		t.Fatalf("last sequence: %d", book.LastSequenceNumber())
	}
}

func TestTradeSpreadMidpoint(t *testing.T) {
	asset := testAsset(t)
	svc, f, _ := newTestService(0)

	f.emit(snapshotEvent(asset))
	f.emit(tradeEvent(asset))

	book, err := svc.GetCurrentBook(asset)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	trade, ok := book.LatestTrade()
	if !ok || trade.Price != 0.50 {
		t.Fatalf("latest trade: %v %v", trade, ok)
	}
	if book.Depth() != 3 {
		t.Fatalf("trade must not touch levels")
	}

	spread, err := svc.GetCurrentSpread(asset)
	if err != nil {
		t.Fatalf("spread: %v", err)
	}
	if spread.Bid != 0.49 || spread.Ask != 0.52 {
		t.Fatalf("spread: %v", spread)
	}
	if v := spread.Value(); v < 0.0299 || v > 0.0301 {
		t.Fatalf("spread value: %v", v)
	}
	mid, err := svc.GetMidpoint(asset)
	if err != nil || mid.Float64() != 0.505 {
		t.Fatalf("midpoint: %v (%v)", mid, err)
	}
}

func TestSequenceMonotonicity(t *testing.T) {
	asset := testAsset(t)
	svc, f, repo := newTestService(0)

	f.emit(snapshotEvent(asset))
	f.emit(tradeEvent(asset))
	f.emit(deltaEvent(asset))

	events, err := repo.GetEventsSince(asset, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 persisted events, got %d", len(events))
	}
	for i, event := range events {
		if event.Base().SequenceNumber != uint64(i+1) {
			t.Fatalf("event %d: sequence %d", i, event.Base().SequenceNumber)
		}
	}
	if svc.EventCount() != 3 {
		t.Fatalf("event count: %d", svc.EventCount())
	}
	book, _ := svc.GetCurrentBook(asset)
	if book.LastSequenceNumber() != 3 {
		t.Fatalf("projection sequence: %d", book.LastSequenceNumber())
	}
}

func TestSnapshotTrigger(t *testing.T) {
	asset := testAsset(t)
	svc, f, repo := newTestService(3)

	f.emit(snapshotEvent(asset))
	if _, err := repo.GetLatestSnapshot(asset); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("no snapshot before the interval, got %v", err)
	}
	f.emit(tradeEvent(asset))
	if _, err := repo.GetLatestSnapshot(asset); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("no snapshot before the interval, got %v", err)
	}
	f.emit(deltaEvent(asset))

	stored, err := repo.GetLatestSnapshot(asset)
	if err != nil {
		t.Fatalf("snapshot after third event: %v", err)
	}
	if stored.LastSequenceNumber() != 3 {
		t.Fatalf("stored snapshot sequence: %d", stored.LastSequenceNumber())
	}
	if svc.EventCount() != 3 {
		t.Fatalf("event count: %d", svc.EventCount())
	}
}

func TestSnapshotDisabled(t *testing.T) {
	asset := testAsset(t)
	_, f, repo := newTestService(0)

	f.emit(snapshotEvent(asset))
	f.emit(tradeEvent(asset))
	f.emit(deltaEvent(asset))

	if _, err := repo.GetLatestSnapshot(asset); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("interval 0 disables snapshotting, got %v", err)
	}
}

func TestCrossAssetRouting(t *testing.T) {
	asset := testAsset(t)
	other, _ := models.NewMarketAsset("0xbd31dc", "9999999")
	svc, f, _ := newTestService(0)

	f.emit(snapshotEvent(asset))
	// A delta routed to `other` even though its change names another token.
	f.emit(models.BookDelta{
		EventBase: models.EventBase{Asset: other, Timestamp: 2},
		Changes: []models.PriceLevelDelta{
			{AssetID: asset.TokenID, Price: 0.33, NewSize: 5, Side: models.SideBuy},
		},
	})

	if svc.BookCount() != 2 {
		t.Fatalf("expected one book per event asset, got %d", svc.BookCount())
	}
	otherBook, err := svc.GetCurrentBook(other)
	if err != nil {
		t.Fatalf("book for other: %v", err)
	}
	if bids := otherBook.Bids(); len(bids) != 1 || bids[0].Price != 0.33 {
		t.Fatalf("delta must apply to the event's own asset: %v", bids)
	}
	original, _ := svc.GetCurrentBook(asset)
	if original.Depth() != 3 {
		t.Fatalf("original book must be untouched")
	}
}

func TestQueriesUnknownAsset(t *testing.T) {
	svc, _, _ := newTestService(0)
	missing, _ := models.NewMarketAsset("0xdead", "404")

	if _, err := svc.GetCurrentBook(missing); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetCurrentSpread(missing); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetMidpoint(missing); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveAsset(t *testing.T) {
	asset := testAsset(t)
	svc, f, _ := newTestService(0)
	f.emit(snapshotEvent(asset))

	resolved, ok := svc.ResolveAsset(asset.TokenID)
	if !ok || resolved != asset {
		t.Fatalf("resolve: %v %v", resolved, ok)
	}
	if _, ok := svc.ResolveAsset("unknown"); ok {
		t.Fatalf("unknown token must not resolve")
	}
}

func TestDelegation(t *testing.T) {
	svc, f, _ := newTestService(0)

	svc.Subscribe("6581861")
	if len(f.subscribed) != 1 || f.subscribed[0] != "6581861" {
		t.Fatalf("subscribe not delegated: %v", f.subscribed)
	}
	if err := svc.Start(); err != nil || !f.started {
		t.Fatalf("start not delegated")
	}
	svc.Stop()
	if !f.stopped {
		t.Fatalf("stop not delegated")
	}
}

func TestRestoreFromSnapshotAndReplay(t *testing.T) {
	asset := testAsset(t)
	repo := repository.NewMemoryRepository()

	// A prior run: snapshot at seq 2, one later event in the log.
	book := models.EmptyOrderBook(asset).
		Apply(snapshotEvent(asset).WithSequence(1)).
		Apply(tradeEvent(asset).WithSequence(2))
	if err := repo.StoreSnapshot(book); err != nil {
		t.Fatalf("store snapshot: %v", err)
	}
	if err := repo.AppendEvent(deltaEvent(asset).WithSequence(3)); err != nil {
		t.Fatalf("append: %v", err)
	}

	svc := NewOrderBookService(repo, &fakeFeed{}, 0)
	if err := svc.Restore(asset); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := svc.GetCurrentBook(asset)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if restored.LastSequenceNumber() != 3 {
		t.Fatalf("restored sequence: %d", restored.LastSequenceNumber())
	}
	if bids := restored.Bids(); len(bids) != 2 {
		t.Fatalf("replayed delta not applied: %v", bids)
	}
	if _, ok := restored.LatestTrade(); !ok {
		t.Fatalf("snapshot trade lost in restore")
	}
	if svc.EventCount() != 3 {
		t.Fatalf("sequence counter must advance past replay, got %d", svc.EventCount())
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	asset := testAsset(t)
	repo := repository.NewMemoryRepository()
	if err := repo.AppendEvent(snapshotEvent(asset).WithSequence(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	svc := NewOrderBookService(repo, &fakeFeed{}, 0)
	if err := svc.Restore(asset); err != nil {
		t.Fatalf("restore: %v", err)
	}
	book, err := svc.GetCurrentBook(asset)
	if err != nil || book.Depth() != 3 {
		t.Fatalf("replay from empty: %v (%v)", book.Depth(), err)
	}
}
