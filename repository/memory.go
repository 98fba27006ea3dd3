package repository

import (
	"fmt"
	"sort"
	"sync"

	"polyflow/models"
)

// MemoryRepository keeps the whole event log and the latest snapshot per
// asset in process memory. It is the reference the columnar repository is
// tested against.
type MemoryRepository struct {
	mu        sync.Mutex
	events    []models.Event
	snapshots map[models.MarketAsset]models.OrderBook
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		snapshots: make(map[models.MarketAsset]models.OrderBook),
	}
}

func (r *MemoryRepository) AppendEvent(event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *MemoryRepository) GetEventsSince(asset models.MarketAsset, seq uint64) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []models.Event
	for _, event := range r.events {
		base := event.Base()
		if base.Asset == asset && base.SequenceNumber > seq {
			result = append(result, event)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Base().SequenceNumber < result[j].Base().SequenceNumber
	})
	return result, nil
}

func (r *MemoryRepository) StoreSnapshot(book models.OrderBook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[book.Asset()] = book
	return nil
}

func (r *MemoryRepository) GetLatestSnapshot(asset models.MarketAsset) (models.OrderBook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	book, ok := r.snapshots[asset]
	if !ok {
		return models.OrderBook{}, fmt.Errorf("%w: no snapshot for %s", models.ErrNotFound, asset)
	}
	return book, nil
}

// EventCount reports the number of appended events.
func (r *MemoryRepository) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
