// Package service is the ingestion core: it stamps every feed event with
// a global sequence number, persists it, projects it onto the per-asset
// order book, and triggers periodic projection snapshots.
package service

import (
	"errors"
	"fmt"
	"sync"

	"polyflow/feed"
	"polyflow/logger"
	"polyflow/models"
	"polyflow/repository"
)

// OrderBookService owns the live projection map and the sequence counter.
// Stamp, persist, project, and the snapshot check run as one critical
// section so that sequence numbers, log order, and projection order agree.
type OrderBookService struct {
	repo             repository.OrderBookRepository
	feed             feed.MarketDataFeed
	snapshotInterval uint64
	log              *logger.Log

	mu      sync.Mutex
	books   map[models.MarketAsset]models.OrderBook
	nextSeq uint64
}

// NewOrderBookService wires the service to the feed. snapshotInterval is
// the number of events between snapshots; 0 disables snapshotting.
func NewOrderBookService(repo repository.OrderBookRepository, f feed.MarketDataFeed, snapshotInterval uint64) *OrderBookService {
	s := &OrderBookService{
		repo:             repo,
		feed:             f,
		snapshotInterval: snapshotInterval,
		log:              logger.GetLogger(),
		books:            make(map[models.MarketAsset]models.OrderBook),
		nextSeq:          1,
	}
	f.SetOnEvent(s.onEvent)
	return s
}

// Subscribe delegates to the feed.
func (s *OrderBookService) Subscribe(tokenID string) {
	s.feed.Subscribe(tokenID)
}

// Start delegates to the feed.
func (s *OrderBookService) Start() error {
	return s.feed.Start()
}

// Stop delegates to the feed.
func (s *OrderBookService) Stop() {
	s.feed.Stop()
}

func (s *OrderBookService) onEvent(event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamped := event.WithSequence(s.nextSeq)
	s.nextSeq++

	if err := s.repo.AppendEvent(stamped); err != nil {
		s.log.WithComponent("orderbook_service").WithError(err).
			WithFields(logger.Fields{"sequence": stamped.Base().SequenceNumber}).
			Error("failed to persist event")
	}

	// Route by the event's own asset, not any asset_id inside a delta.
	asset := stamped.Base().Asset
	book, ok := s.books[asset]
	if !ok {
		book = models.EmptyOrderBook(asset)
	}
	book = book.Apply(stamped)
	s.books[asset] = book

	if s.snapshotInterval > 0 && book.LastSequenceNumber()%s.snapshotInterval == 0 {
		if err := s.repo.StoreSnapshot(book); err != nil {
			s.log.WithComponent("orderbook_service").WithError(err).
				WithFields(logger.Fields{"asset": asset.String()}).
				Error("failed to store snapshot")
		}
	}
}

// GetCurrentBook returns the live projection for asset by value.
func (s *OrderBookService) GetCurrentBook(asset models.MarketAsset) (models.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[asset]
	if !ok {
		return models.OrderBook{}, fmt.Errorf("%w: no book for %s", models.ErrNotFound, asset)
	}
	return book, nil
}

// GetCurrentSpread returns the live best bid/ask pair for asset.
func (s *OrderBookService) GetCurrentSpread(asset models.MarketAsset) (models.Spread, error) {
	book, err := s.GetCurrentBook(asset)
	if err != nil {
		return models.Spread{}, err
	}
	return book.GetSpread()
}

// GetMidpoint returns the live mid price for asset.
func (s *OrderBookService) GetMidpoint(asset models.MarketAsset) (models.Price, error) {
	book, err := s.GetCurrentBook(asset)
	if err != nil {
		return 0, err
	}
	return book.Midpoint()
}

// ResolveAsset finds the first tracked asset whose token matches.
func (s *OrderBookService) ResolveAsset(tokenID string) (models.MarketAsset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for asset := range s.books {
		if asset.TokenID == tokenID {
			return asset, true
		}
	}
	return models.MarketAsset{}, false
}

// EventCount is the number of events stamped so far.
func (s *OrderBookService) EventCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

// BookCount is the number of live projections.
func (s *OrderBookService) BookCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.books)
}

// Restore rebuilds the projection for asset from the latest stored
// snapshot plus every logged event after it, and installs it as the live
// book. The sequence counter advances past everything replayed so new
// events keep the log strictly monotonic.
func (s *OrderBookService) Restore(asset models.MarketAsset) error {
	book, err := s.repo.GetLatestSnapshot(asset)
	since := uint64(0)
	switch {
	case err == nil:
		since = book.LastSequenceNumber()
	case errors.Is(err, models.ErrNotFound):
		book = models.EmptyOrderBook(asset)
	default:
		return err
	}

	events, err := s.repo.GetEventsSince(asset, since)
	if err != nil {
		return err
	}
	for _, event := range events {
		book = book.Apply(event)
	}

	s.mu.Lock()
	s.books[asset] = book
	if book.LastSequenceNumber() >= s.nextSeq {
		s.nextSeq = book.LastSequenceNumber() + 1
	}
	s.mu.Unlock()

	s.log.WithComponent("orderbook_service").WithFields(logger.Fields{
		"asset":    asset.String(),
		"replayed": len(events),
		"sequence": book.LastSequenceNumber(),
	}).Info("book restored")
	return nil
}
