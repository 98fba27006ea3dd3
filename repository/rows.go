package repository

import (
	"fmt"

	"polyflow/models"
)

// Columnar row layouts. Every event-log schema shares the base prefix
// [condition_id, token_id, timestamp_ms, sequence_number]; side is encoded
// 0 = BUY, 1 = SELL.

type bookSnapshotRow struct {
	ConditionID    string    `parquet:"name=condition_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenID        string    `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs    int64     `parquet:"name=timestamp_ms, type=INT64"`
	SequenceNumber int64     `parquet:"name=sequence_number, type=INT64, convertedtype=UINT_64"`
	Hash           string    `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidPrices      []float64 `parquet:"name=bid_prices, type=LIST, valuetype=DOUBLE"`
	BidSizes       []float64 `parquet:"name=bid_sizes, type=LIST, valuetype=DOUBLE"`
	AskPrices      []float64 `parquet:"name=ask_prices, type=LIST, valuetype=DOUBLE"`
	AskSizes       []float64 `parquet:"name=ask_sizes, type=LIST, valuetype=DOUBLE"`
}

type bookDeltaRow struct {
	ConditionID    string    `parquet:"name=condition_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenID        string    `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs    int64     `parquet:"name=timestamp_ms, type=INT64"`
	SequenceNumber int64     `parquet:"name=sequence_number, type=INT64, convertedtype=UINT_64"`
	ChangeAssetIDs []string  `parquet:"name=change_asset_ids, type=LIST, valuetype=BYTE_ARRAY, valueconvertedtype=UTF8"`
	ChangePrices   []float64 `parquet:"name=change_prices, type=LIST, valuetype=DOUBLE"`
	ChangeNewSizes []float64 `parquet:"name=change_new_sizes, type=LIST, valuetype=DOUBLE"`
	ChangeSides    []int32   `parquet:"name=change_sides, type=LIST, valuetype=INT32, valueconvertedtype=UINT_8"`
	ChangeBestBids []float64 `parquet:"name=change_best_bids, type=LIST, valuetype=DOUBLE"`
	ChangeBestAsks []float64 `parquet:"name=change_best_asks, type=LIST, valuetype=DOUBLE"`
}

type tradeEventRow struct {
	ConditionID    string  `parquet:"name=condition_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenID        string  `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs    int64   `parquet:"name=timestamp_ms, type=INT64"`
	SequenceNumber int64   `parquet:"name=sequence_number, type=INT64, convertedtype=UINT_64"`
	Price          float64 `parquet:"name=price, type=DOUBLE"`
	Size           float64 `parquet:"name=size, type=DOUBLE"`
	Side           int32   `parquet:"name=side, type=INT32, convertedtype=UINT_8"`
	FeeRateBps     string  `parquet:"name=fee_rate_bps, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type tickSizeChangeRow struct {
	ConditionID    string  `parquet:"name=condition_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenID        string  `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs    int64   `parquet:"name=timestamp_ms, type=INT64"`
	SequenceNumber int64   `parquet:"name=sequence_number, type=INT64, convertedtype=UINT_64"`
	OldTickSize    float64 `parquet:"name=old_tick_size, type=DOUBLE"`
	NewTickSize    float64 `parquet:"name=new_tick_size, type=DOUBLE"`
}

// orderBookSnapshotRow is the single-row layout of a stored projection.
// The trade columns carry zeros/empties when HasTrade is false.
type orderBookSnapshotRow struct {
	ConditionID      string    `parquet:"name=condition_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenID          string    `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs      int64     `parquet:"name=timestamp_ms, type=INT64"`
	SequenceNumber   int64     `parquet:"name=sequence_number, type=INT64, convertedtype=UINT_64"`
	TickSize         float64   `parquet:"name=tick_size, type=DOUBLE"`
	BookHash         string    `parquet:"name=book_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidPrices        []float64 `parquet:"name=bid_prices, type=LIST, valuetype=DOUBLE"`
	BidSizes         []float64 `parquet:"name=bid_sizes, type=LIST, valuetype=DOUBLE"`
	AskPrices        []float64 `parquet:"name=ask_prices, type=LIST, valuetype=DOUBLE"`
	AskSizes         []float64 `parquet:"name=ask_sizes, type=LIST, valuetype=DOUBLE"`
	TradePrice       float64   `parquet:"name=trade_price, type=DOUBLE"`
	TradeSize        float64   `parquet:"name=trade_size, type=DOUBLE"`
	TradeSide        int32     `parquet:"name=trade_side, type=INT32, convertedtype=UINT_8"`
	TradeFeeRateBps  string    `parquet:"name=trade_fee_rate_bps, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeTimestampMs int64     `parquet:"name=trade_timestamp_ms, type=INT64"`
	HasTrade         bool      `parquet:"name=has_trade, type=BOOLEAN"`
}

func levelsToColumns(levels []models.PriceLevel) ([]float64, []float64) {
	prices := make([]float64, len(levels))
	sizes := make([]float64, len(levels))
	for i, lvl := range levels {
		prices[i] = lvl.Price.Float64()
		sizes[i] = lvl.Size.Float64()
	}
	return prices, sizes
}

func columnsToLevels(prices, sizes []float64) ([]models.PriceLevel, error) {
	if len(prices) != len(sizes) {
		return nil, fmt.Errorf("%w: price/size column length mismatch: %d vs %d",
			models.ErrStorage, len(prices), len(sizes))
	}
	levels := make([]models.PriceLevel, 0, len(prices))
	for i := range prices {
		price, err := models.NewPrice(prices[i])
		if err != nil {
			return nil, err
		}
		size, err := models.NewQuantity(sizes[i])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

func snapshotToRow(e models.BookSnapshot) bookSnapshotRow {
	bidPrices, bidSizes := levelsToColumns(e.Bids)
	askPrices, askSizes := levelsToColumns(e.Asks)
	return bookSnapshotRow{
		ConditionID:    e.Asset.ConditionID,
		TokenID:        e.Asset.TokenID,
		TimestampMs:    e.Timestamp.Milliseconds(),
		SequenceNumber: int64(e.SequenceNumber),
		Hash:           e.Hash,
		BidPrices:      bidPrices,
		BidSizes:       bidSizes,
		AskPrices:      askPrices,
		AskSizes:       askSizes,
	}
}

func rowToSnapshot(row bookSnapshotRow) (models.Event, error) {
	asset, err := models.NewMarketAsset(row.ConditionID, row.TokenID)
	if err != nil {
		return nil, err
	}
	ts, err := models.NewTimestamp(row.TimestampMs)
	if err != nil {
		return nil, err
	}
	bids, err := columnsToLevels(row.BidPrices, row.BidSizes)
	if err != nil {
		return nil, err
	}
	asks, err := columnsToLevels(row.AskPrices, row.AskSizes)
	if err != nil {
		return nil, err
	}
	return models.BookSnapshot{
		EventBase: models.EventBase{Asset: asset, Timestamp: ts, SequenceNumber: uint64(row.SequenceNumber)},
		Bids:      bids,
		Asks:      asks,
		Hash:      row.Hash,
	}, nil
}

func deltaToRow(e models.BookDelta) bookDeltaRow {
	row := bookDeltaRow{
		ConditionID:    e.Asset.ConditionID,
		TokenID:        e.Asset.TokenID,
		TimestampMs:    e.Timestamp.Milliseconds(),
		SequenceNumber: int64(e.SequenceNumber),
		ChangeAssetIDs: make([]string, len(e.Changes)),
		ChangePrices:   make([]float64, len(e.Changes)),
		ChangeNewSizes: make([]float64, len(e.Changes)),
		ChangeSides:    make([]int32, len(e.Changes)),
		ChangeBestBids: make([]float64, len(e.Changes)),
		ChangeBestAsks: make([]float64, len(e.Changes)),
	}
	for i, change := range e.Changes {
		row.ChangeAssetIDs[i] = change.AssetID
		row.ChangePrices[i] = change.Price.Float64()
		row.ChangeNewSizes[i] = change.NewSize.Float64()
		row.ChangeSides[i] = int32(change.Side)
		row.ChangeBestBids[i] = change.BestBid.Float64()
		row.ChangeBestAsks[i] = change.BestAsk.Float64()
	}
	return row
}

func rowToDelta(row bookDeltaRow) (models.Event, error) {
	asset, err := models.NewMarketAsset(row.ConditionID, row.TokenID)
	if err != nil {
		return nil, err
	}
	ts, err := models.NewTimestamp(row.TimestampMs)
	if err != nil {
		return nil, err
	}
	n := len(row.ChangeAssetIDs)
	if len(row.ChangePrices) != n || len(row.ChangeNewSizes) != n ||
		len(row.ChangeSides) != n || len(row.ChangeBestBids) != n || len(row.ChangeBestAsks) != n {
		return nil, fmt.Errorf("%w: delta change columns misaligned", models.ErrStorage)
	}
	changes := make([]models.PriceLevelDelta, 0, n)
	for i := 0; i < n; i++ {
		price, err := models.NewPrice(row.ChangePrices[i])
		if err != nil {
			return nil, err
		}
		size, err := models.NewQuantity(row.ChangeNewSizes[i])
		if err != nil {
			return nil, err
		}
		bestBid, err := models.NewPrice(row.ChangeBestBids[i])
		if err != nil {
			return nil, err
		}
		bestAsk, err := models.NewPrice(row.ChangeBestAsks[i])
		if err != nil {
			return nil, err
		}
		changes = append(changes, models.PriceLevelDelta{
			AssetID: row.ChangeAssetIDs[i],
			Price:   price,
			NewSize: size,
			Side:    models.Side(row.ChangeSides[i]),
			BestBid: bestBid,
			BestAsk: bestAsk,
		})
	}
	return models.BookDelta{
		EventBase: models.EventBase{Asset: asset, Timestamp: ts, SequenceNumber: uint64(row.SequenceNumber)},
		Changes:   changes,
	}, nil
}

func tradeToRow(e models.TradeEvent) tradeEventRow {
	return tradeEventRow{
		ConditionID:    e.Asset.ConditionID,
		TokenID:        e.Asset.TokenID,
		TimestampMs:    e.Timestamp.Milliseconds(),
		SequenceNumber: int64(e.SequenceNumber),
		Price:          e.Price.Float64(),
		Size:           e.Size.Float64(),
		Side:           int32(e.Side),
		FeeRateBps:     e.FeeRateBps,
	}
}

func rowToTrade(row tradeEventRow) (models.Event, error) {
	asset, err := models.NewMarketAsset(row.ConditionID, row.TokenID)
	if err != nil {
		return nil, err
	}
	ts, err := models.NewTimestamp(row.TimestampMs)
	if err != nil {
		return nil, err
	}
	price, err := models.NewPrice(row.Price)
	if err != nil {
		return nil, err
	}
	size, err := models.NewQuantity(row.Size)
	if err != nil {
		return nil, err
	}
	return models.TradeEvent{
		EventBase:  models.EventBase{Asset: asset, Timestamp: ts, SequenceNumber: uint64(row.SequenceNumber)},
		Price:      price,
		Size:       size,
		Side:       models.Side(row.Side),
		FeeRateBps: row.FeeRateBps,
	}, nil
}

func tickSizeChangeToRow(e models.TickSizeChange) tickSizeChangeRow {
	return tickSizeChangeRow{
		ConditionID:    e.Asset.ConditionID,
		TokenID:        e.Asset.TokenID,
		TimestampMs:    e.Timestamp.Milliseconds(),
		SequenceNumber: int64(e.SequenceNumber),
		OldTickSize:    e.OldTickSize.Float64(),
		NewTickSize:    e.NewTickSize.Float64(),
	}
}

func rowToTickSizeChange(row tickSizeChangeRow) (models.Event, error) {
	asset, err := models.NewMarketAsset(row.ConditionID, row.TokenID)
	if err != nil {
		return nil, err
	}
	ts, err := models.NewTimestamp(row.TimestampMs)
	if err != nil {
		return nil, err
	}
	oldTick, err := models.NewPrice(row.OldTickSize)
	if err != nil {
		return nil, err
	}
	newTick, err := models.NewPrice(row.NewTickSize)
	if err != nil {
		return nil, err
	}
	return models.TickSizeChange{
		EventBase:   models.EventBase{Asset: asset, Timestamp: ts, SequenceNumber: uint64(row.SequenceNumber)},
		OldTickSize: oldTick,
		NewTickSize: newTick,
	}, nil
}

func bookToSnapshotRow(book models.OrderBook) orderBookSnapshotRow {
	bidPrices, bidSizes := levelsToColumns(book.Bids())
	askPrices, askSizes := levelsToColumns(book.Asks())

	row := orderBookSnapshotRow{
		ConditionID:    book.Asset().ConditionID,
		TokenID:        book.Asset().TokenID,
		TimestampMs:    book.Timestamp().Milliseconds(),
		SequenceNumber: int64(book.LastSequenceNumber()),
		TickSize:       book.TickSize().Float64(),
		BookHash:       book.BookHash(),
		BidPrices:      bidPrices,
		BidSizes:       bidSizes,
		AskPrices:      askPrices,
		AskSizes:       askSizes,
	}
	if trade, ok := book.LatestTrade(); ok {
		row.HasTrade = true
		row.TradePrice = trade.Price.Float64()
		row.TradeSize = trade.Size.Float64()
		row.TradeSide = int32(trade.Side)
		row.TradeFeeRateBps = trade.FeeRateBps
		row.TradeTimestampMs = trade.Timestamp.Milliseconds()
	}
	return row
}

// rowToBook rebuilds the projection by replaying synthetic events onto an
// empty book: the level snapshot, then the tick size when it differs from
// the default, then the trade when present.
func rowToBook(row orderBookSnapshotRow) (models.OrderBook, error) {
	asset, err := models.NewMarketAsset(row.ConditionID, row.TokenID)
	if err != nil {
		return models.OrderBook{}, err
	}
	ts, err := models.NewTimestamp(row.TimestampMs)
	if err != nil {
		return models.OrderBook{}, err
	}
	bids, err := columnsToLevels(row.BidPrices, row.BidSizes)
	if err != nil {
		return models.OrderBook{}, err
	}
	asks, err := columnsToLevels(row.AskPrices, row.AskSizes)
	if err != nil {
		return models.OrderBook{}, err
	}

	seq := uint64(row.SequenceNumber)
	book := models.EmptyOrderBook(asset).ApplySnapshot(models.BookSnapshot{
		EventBase: models.EventBase{Asset: asset, Timestamp: ts, SequenceNumber: seq},
		Bids:      bids,
		Asks:      asks,
		Hash:      row.BookHash,
	})

	if row.TickSize != models.DefaultTickSize.Float64() {
		tick, err := models.NewPrice(row.TickSize)
		if err != nil {
			return models.OrderBook{}, err
		}
		book = book.ApplyTickSizeChange(models.TickSizeChange{
			EventBase:   models.EventBase{Asset: asset, Timestamp: ts, SequenceNumber: seq},
			OldTickSize: models.DefaultTickSize,
			NewTickSize: tick,
		})
	}

	if row.HasTrade {
		price, err := models.NewPrice(row.TradePrice)
		if err != nil {
			return models.OrderBook{}, err
		}
		size, err := models.NewQuantity(row.TradeSize)
		if err != nil {
			return models.OrderBook{}, err
		}
		tradeTs, err := models.NewTimestamp(row.TradeTimestampMs)
		if err != nil {
			return models.OrderBook{}, err
		}
		book = book.ApplyTrade(models.TradeEvent{
			EventBase:  models.EventBase{Asset: asset, Timestamp: tradeTs, SequenceNumber: seq},
			Price:      price,
			Size:       size,
			Side:       models.Side(row.TradeSide),
			FeeRateBps: row.TradeFeeRateBps,
		})
	}

	return book, nil
}
