package models

import (
	"fmt"
	"sort"
)

// DefaultTickSize is the minimum price increment assumed until a
// TickSizeChange says otherwise.
const DefaultTickSize = Price(0.01)

// Spread pairs the best bid and best ask.
type Spread struct {
	Bid Price
	Ask Price
}

// Value is the ask-bid distance.
func (s Spread) Value() float64 {
	return s.Ask.Float64() - s.Bid.Float64()
}

// OrderBook is the live projection of one asset's book. It is immutable:
// every Apply returns a new value. Bids are kept strictly descending by
// price, asks strictly ascending, and no stored level has zero size.
type OrderBook struct {
	asset       MarketAsset
	bids        []PriceLevel
	asks        []PriceLevel
	latestTrade *TradeEvent
	tickSize    Price
	timestamp   Timestamp
	lastSeq     uint64
	bookHash    string
}

// EmptyOrderBook creates the zero-state book a first event applies onto.
func EmptyOrderBook(asset MarketAsset) OrderBook {
	return OrderBook{asset: asset, tickSize: DefaultTickSize}
}

// Apply dispatches on the event variant.
func (b OrderBook) Apply(event Event) OrderBook {
	switch e := event.(type) {
	case BookSnapshot:
		return b.ApplySnapshot(e)
	case BookDelta:
		return b.ApplyDelta(e)
	case TradeEvent:
		return b.ApplyTrade(e)
	case TickSizeChange:
		return b.ApplyTickSizeChange(e)
	}
	return b
}

// ApplySnapshot replaces both sides with the event's levels, sorted.
// Latest trade and tick size carry over.
func (b OrderBook) ApplySnapshot(e BookSnapshot) OrderBook {
	bids := append([]PriceLevel(nil), e.Bids...)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })

	asks := append([]PriceLevel(nil), e.Asks...)
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return OrderBook{
		asset:       b.asset,
		bids:        bids,
		asks:        asks,
		latestTrade: b.latestTrade,
		tickSize:    b.tickSize,
		timestamp:   e.Timestamp,
		lastSeq:     e.SequenceNumber,
		bookHash:    e.Hash,
	}
}

// ApplyDelta patches individual price levels. The change's AssetID is not
// consulted; routing across assets is the ingestion service's concern.
func (b OrderBook) ApplyDelta(e BookDelta) OrderBook {
	bids, asks := b.bids, b.asks
	bidsOwned, asksOwned := false, false

	for _, change := range e.Changes {
		if change.Side == SideBuy {
			if !bidsOwned {
				bids = append([]PriceLevel(nil), bids...)
				bidsOwned = true
			}
			bids = updateLevels(bids, change.Price, change.NewSize, true)
		} else {
			if !asksOwned {
				asks = append([]PriceLevel(nil), asks...)
				asksOwned = true
			}
			asks = updateLevels(asks, change.Price, change.NewSize, false)
		}
	}

	return OrderBook{
		asset:       b.asset,
		bids:        bids,
		asks:        asks,
		latestTrade: b.latestTrade,
		tickSize:    b.tickSize,
		timestamp:   e.Timestamp,
		lastSeq:     e.SequenceNumber,
		bookHash:    b.bookHash,
	}
}

// updateLevels removes, replaces, or inserts a level in a sorted side.
// descending selects the bid ordering; asks are ascending.
func updateLevels(levels []PriceLevel, price Price, newSize Quantity, descending bool) []PriceLevel {
	idx := -1
	for i := range levels {
		if levels[i].Price == price {
			idx = i
			break
		}
	}

	switch {
	case newSize == 0:
		if idx >= 0 {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
	case idx >= 0:
		levels[idx] = PriceLevel{Price: price, Size: newSize}
	default:
		pos := sort.Search(len(levels), func(i int) bool {
			if descending {
				return levels[i].Price < price
			}
			return levels[i].Price > price
		})
		levels = append(levels, PriceLevel{})
		copy(levels[pos+1:], levels[pos:])
		levels[pos] = PriceLevel{Price: price, Size: newSize}
	}
	return levels
}

// ApplyTrade records the latest trade; levels are untouched.
func (b OrderBook) ApplyTrade(e TradeEvent) OrderBook {
	trade := e
	return OrderBook{
		asset:       b.asset,
		bids:        b.bids,
		asks:        b.asks,
		latestTrade: &trade,
		tickSize:    b.tickSize,
		timestamp:   e.Timestamp,
		lastSeq:     e.SequenceNumber,
		bookHash:    b.bookHash,
	}
}

// ApplyTickSizeChange adopts the new tick size.
func (b OrderBook) ApplyTickSizeChange(e TickSizeChange) OrderBook {
	return OrderBook{
		asset:       b.asset,
		bids:        b.bids,
		asks:        b.asks,
		latestTrade: b.latestTrade,
		tickSize:    e.NewTickSize,
		timestamp:   e.Timestamp,
		lastSeq:     e.SequenceNumber,
		bookHash:    b.bookHash,
	}
}

// BestBid returns the highest bid price.
func (b OrderBook) BestBid() (Price, error) {
	if len(b.bids) == 0 {
		return 0, fmt.Errorf("%w: no bids for %s", ErrEmpty, b.asset)
	}
	return b.bids[0].Price, nil
}

// BestAsk returns the lowest ask price.
func (b OrderBook) BestAsk() (Price, error) {
	if len(b.asks) == 0 {
		return 0, fmt.Errorf("%w: no asks for %s", ErrEmpty, b.asset)
	}
	return b.asks[0].Price, nil
}

// GetSpread returns the best bid/ask pair.
func (b OrderBook) GetSpread() (Spread, error) {
	bid, err := b.BestBid()
	if err != nil {
		return Spread{}, err
	}
	ask, err := b.BestAsk()
	if err != nil {
		return Spread{}, err
	}
	return Spread{Bid: bid, Ask: ask}, nil
}

// Midpoint returns the mid price between best bid and best ask.
func (b OrderBook) Midpoint() (Price, error) {
	spread, err := b.GetSpread()
	if err != nil {
		return 0, err
	}
	return Price((spread.Bid.Float64() + spread.Ask.Float64()) / 2), nil
}

// Depth is the deeper side's level count.
func (b OrderBook) Depth() int {
	if len(b.bids) > len(b.asks) {
		return len(b.bids)
	}
	return len(b.asks)
}

// Bids returns a copy of the bid side, best first.
func (b OrderBook) Bids() []PriceLevel {
	return append([]PriceLevel(nil), b.bids...)
}

// Asks returns a copy of the ask side, best first.
func (b OrderBook) Asks() []PriceLevel {
	return append([]PriceLevel(nil), b.asks...)
}

// LatestTrade reports the most recent trade, if any.
func (b OrderBook) LatestTrade() (TradeEvent, bool) {
	if b.latestTrade == nil {
		return TradeEvent{}, false
	}
	return *b.latestTrade, true
}

func (b OrderBook) Asset() MarketAsset         { return b.asset }
func (b OrderBook) TickSize() Price            { return b.tickSize }
func (b OrderBook) Timestamp() Timestamp       { return b.timestamp }
func (b OrderBook) LastSequenceNumber() uint64 { return b.lastSeq }
func (b OrderBook) BookHash() string           { return b.bookHash }
