// Package feed delivers parsed order-book events from the venue. The
// ingestion service consumes it through the MarketDataFeed capability.
package feed

import "polyflow/models"

// EventCallback receives fully parsed events whose sequence number is
// zero. It is never invoked concurrently with itself.
type EventCallback func(event models.Event)

// MarketDataFeed is the upstream capability of the ingestion service.
type MarketDataFeed interface {
	// SetOnEvent registers the delivery callback.
	SetOnEvent(cb EventCallback)

	// Subscribe adds a token to the market subscription. Safe before and
	// after Start.
	Subscribe(tokenID string)

	// Start opens the stream. It returns promptly; delivery happens on
	// the feed's own goroutine.
	Start() error

	// Stop closes the stream. Best-effort: callbacks already in flight
	// may still land.
	Stop()
}
