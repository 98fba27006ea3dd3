// Package repository persists order-book events and projection snapshots.
// Two bindings exist: an in-memory reference and a columnar parquet
// repository over the storage.FileSystem capability.
package repository

import "polyflow/models"

// OrderBookRepository is the capability the ingestion service writes
// through and restore reads through.
type OrderBookRepository interface {
	// AppendEvent durably records a stamped event in the order log.
	AppendEvent(event models.Event) error

	// GetEventsSince returns every stored event for asset with a sequence
	// number greater than seq, ascending by sequence. Events still
	// sitting in write buffers are included.
	GetEventsSince(asset models.MarketAsset, seq uint64) ([]models.Event, error)

	// StoreSnapshot persists book as the latest snapshot for its asset,
	// replacing any prior one.
	StoreSnapshot(book models.OrderBook) error

	// GetLatestSnapshot returns the most recently stored snapshot for
	// asset, or models.ErrNotFound.
	GetLatestSnapshot(asset models.MarketAsset) (models.OrderBook, error)
}
