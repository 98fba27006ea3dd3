// Package parser turns Polymarket CLOB websocket payloads into typed
// order-book events. Sequence numbers on parsed events are always zero;
// the ingestion service stamps the real ones.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"polyflow/models"
)

// Wire shapes for the market channel. All numeric market values arrive as
// decimal strings.

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wireBook struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"`
	Hash      string      `json:"hash"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
}

type wirePriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type wirePriceChangeMsg struct {
	Market       string            `json:"market"`
	Timestamp    string            `json:"timestamp"`
	PriceChanges []wirePriceChange `json:"price_changes"`
}

type wireTrade struct {
	Market     string `json:"market"`
	AssetID    string `json:"asset_id"`
	Timestamp  string `json:"timestamp"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Side       string `json:"side"`
	FeeRateBps string `json:"fee_rate_bps"`
}

type wireTickSizeChange struct {
	Market      string `json:"market"`
	AssetID     string `json:"asset_id"`
	Timestamp   string `json:"timestamp"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
}

// Parse decodes a single websocket payload, which is either one event
// object or an array of them. Objects without a recognized event_type are
// skipped; one bad field fails the whole message.
func Parse(data []byte) ([]models.Event, error) {
	trimmed := bytes.TrimSpace(data)

	var items []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: malformed message: %v", models.ErrParse, err)
		}
	} else {
		var single json.RawMessage
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("%w: malformed message: %v", models.ErrParse, err)
		}
		items = []json.RawMessage{single}
	}

	var events []models.Event
	for _, raw := range items {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue // valid JSON but not an object
		}
		var eventType string
		if rawType, ok := probe["event_type"]; ok {
			if err := json.Unmarshal(rawType, &eventType); err != nil {
				continue
			}
		}

		switch eventType {
		case "book":
			event, err := parseBook(raw)
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		case "price_change":
			deltas, err := parsePriceChange(raw)
			if err != nil {
				return nil, err
			}
			events = append(events, deltas...)
		case "last_trade_price":
			event, err := parseTrade(raw)
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		case "tick_size_change":
			event, err := parseTickSizeChange(raw)
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		default:
			// unknown or missing event_type: skip silently
		}
	}

	return events, nil
}

func parseLevels(levels []wireLevel) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		price, err := models.ParsePrice(lvl.Price)
		if err != nil {
			return nil, err
		}
		size, err := models.ParseQuantity(lvl.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

func parseBase(market, assetID, timestamp string) (models.EventBase, error) {
	asset, err := models.NewMarketAsset(market, assetID)
	if err != nil {
		return models.EventBase{}, err
	}
	ts, err := models.ParseTimestamp(timestamp)
	if err != nil {
		return models.EventBase{}, err
	}
	return models.EventBase{Asset: asset, Timestamp: ts}, nil
}

func parseBook(raw json.RawMessage) (models.Event, error) {
	var msg wireBook
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: book: %v", models.ErrParse, err)
	}
	base, err := parseBase(msg.Market, msg.AssetID, msg.Timestamp)
	if err != nil {
		return nil, err
	}
	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return nil, err
	}
	return models.BookSnapshot{EventBase: base, Bids: bids, Asks: asks, Hash: msg.Hash}, nil
}

// parsePriceChange fans a price_change message out into one BookDelta per
// distinct asset_id, in asset_id order.
func parsePriceChange(raw json.RawMessage) ([]models.Event, error) {
	var msg wirePriceChangeMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: price_change: %v", models.ErrParse, err)
	}
	ts, err := models.ParseTimestamp(msg.Timestamp)
	if err != nil {
		return nil, err
	}

	byAsset := make(map[string][]models.PriceLevelDelta)
	for _, change := range msg.PriceChanges {
		price, err := models.ParsePrice(change.Price)
		if err != nil {
			return nil, err
		}
		size, err := models.ParseQuantity(change.Size)
		if err != nil {
			return nil, err
		}
		side, err := models.ParseSide(change.Side)
		if err != nil {
			return nil, err
		}
		bestBid, err := models.ParsePrice(change.BestBid)
		if err != nil {
			return nil, err
		}
		bestAsk, err := models.ParsePrice(change.BestAsk)
		if err != nil {
			return nil, err
		}
		byAsset[change.AssetID] = append(byAsset[change.AssetID], models.PriceLevelDelta{
			AssetID: change.AssetID,
			Price:   price,
			NewSize: size,
			Side:    side,
			BestBid: bestBid,
			BestAsk: bestAsk,
		})
	}

	assetIDs := make([]string, 0, len(byAsset))
	for id := range byAsset {
		assetIDs = append(assetIDs, id)
	}
	sort.Strings(assetIDs)

	events := make([]models.Event, 0, len(assetIDs))
	for _, id := range assetIDs {
		asset, err := models.NewMarketAsset(msg.Market, id)
		if err != nil {
			return nil, err
		}
		events = append(events, models.BookDelta{
			EventBase: models.EventBase{Asset: asset, Timestamp: ts},
			Changes:   byAsset[id],
		})
	}
	return events, nil
}

func parseTrade(raw json.RawMessage) (models.Event, error) {
	var msg wireTrade
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: last_trade_price: %v", models.ErrParse, err)
	}
	base, err := parseBase(msg.Market, msg.AssetID, msg.Timestamp)
	if err != nil {
		return nil, err
	}
	price, err := models.ParsePrice(msg.Price)
	if err != nil {
		return nil, err
	}
	size, err := models.ParseQuantity(msg.Size)
	if err != nil {
		return nil, err
	}
	side, err := models.ParseSide(msg.Side)
	if err != nil {
		return nil, err
	}
	fee := msg.FeeRateBps
	if fee == "" {
		fee = "0"
	}
	return models.TradeEvent{EventBase: base, Price: price, Size: size, Side: side, FeeRateBps: fee}, nil
}

func parseTickSizeChange(raw json.RawMessage) (models.Event, error) {
	var msg wireTickSizeChange
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: tick_size_change: %v", models.ErrParse, err)
	}
	base, err := parseBase(msg.Market, msg.AssetID, msg.Timestamp)
	if err != nil {
		return nil, err
	}
	oldTick, err := models.ParsePrice(msg.OldTickSize)
	if err != nil {
		return nil, err
	}
	newTick, err := models.ParsePrice(msg.NewTickSize)
	if err != nil {
		return nil, err
	}
	return models.TickSizeChange{EventBase: base, OldTickSize: oldTick, NewTickSize: newTick}, nil
}
