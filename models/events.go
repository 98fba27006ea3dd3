package models

// EventBase carries the fields shared by every order-book event. The
// sequence number is zero until the ingestion service stamps the event.
type EventBase struct {
	Asset          MarketAsset
	Timestamp      Timestamp
	SequenceNumber uint64
}

// Event is the closed set of order-book event variants. Events are
// immutable values; WithSequence returns a stamped copy.
type Event interface {
	Base() EventBase
	WithSequence(seq uint64) Event
}

// BookSnapshot replaces the full level set of a book. Bids and asks are
// unordered on the wire.
type BookSnapshot struct {
	EventBase
	Bids []PriceLevel
	Asks []PriceLevel
	Hash string
}

func (e BookSnapshot) Base() EventBase { return e.EventBase }

func (e BookSnapshot) WithSequence(seq uint64) Event {
	e.SequenceNumber = seq
	return e
}

// PriceLevelDelta is one price-level change inside a BookDelta. AssetID
// mirrors the wire field and may name an asset other than the event's own;
// routing stays with the event's asset.
type PriceLevelDelta struct {
	AssetID string
	Price   Price
	NewSize Quantity
	Side    Side
	BestBid Price
	BestAsk Price
}

// BookDelta is an incremental set of price-level changes.
type BookDelta struct {
	EventBase
	Changes []PriceLevelDelta
}

func (e BookDelta) Base() EventBase { return e.EventBase }

func (e BookDelta) WithSequence(seq uint64) Event {
	e.SequenceNumber = seq
	return e
}

// TradeEvent records the venue's last trade for an asset. FeeRateBps is
// carried opaquely as the wire string.
type TradeEvent struct {
	EventBase
	Price      Price
	Size       Quantity
	Side       Side
	FeeRateBps string
}

func (e TradeEvent) Base() EventBase { return e.EventBase }

func (e TradeEvent) WithSequence(seq uint64) Event {
	e.SequenceNumber = seq
	return e
}

// TickSizeChange signals a change of the minimum price increment.
type TickSizeChange struct {
	EventBase
	OldTickSize Price
	NewTickSize Price
}

func (e TickSizeChange) Base() EventBase { return e.EventBase }

func (e TickSizeChange) WithSequence(seq uint64) Event {
	e.SequenceNumber = seq
	return e
}
