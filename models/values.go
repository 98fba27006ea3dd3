package models

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Price is a prediction-market price in the closed interval [0, 1].
type Price float64

// NewPrice validates v against the [0, 1] interval.
func NewPrice(v float64) (Price, error) {
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: price must be between 0 and 1, got %v", ErrInvalidRange, v)
	}
	return Price(v), nil
}

// ParsePrice parses a decimal string such as "0.515".
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid price %q", ErrParse, s)
	}
	return NewPrice(d.InexactFloat64())
}

func (p Price) Float64() float64 { return float64(p) }

// Quantity is a non-negative order size.
type Quantity float64

// NewQuantity validates v as non-negative.
func NewQuantity(v float64) (Quantity, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: quantity must be non-negative, got %v", ErrInvalidRange, v)
	}
	return Quantity(v), nil
}

// ParseQuantity parses a decimal string such as "100.5".
func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid quantity %q", ErrParse, s)
	}
	return NewQuantity(d.InexactFloat64())
}

func (q Quantity) Float64() float64 { return float64(q) }

// Timestamp is a count of milliseconds since the Unix epoch.
type Timestamp int64

// NewTimestamp validates ms as non-negative.
func NewTimestamp(ms int64) (Timestamp, error) {
	if ms < 0 {
		return 0, fmt.Errorf("%w: timestamp must be non-negative, got %d", ErrInvalidRange, ms)
	}
	return Timestamp(ms), nil
}

// ParseTimestamp parses a millisecond timestamp string.
func ParseTimestamp(s string) (Timestamp, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid timestamp %q", ErrParse, s)
	}
	return NewTimestamp(ms)
}

func (t Timestamp) Milliseconds() int64 { return int64(t) }

// Side is the taker side of an order or trade.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

// ParseSide accepts exactly the wire literals "BUY" and "SELL".
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	}
	return 0, fmt.Errorf("%w: invalid side %q", ErrInvalidEnum, s)
}

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// MarketAsset identifies a tradable outcome token by its market condition
// and token identifiers. One market typically carries two assets.
type MarketAsset struct {
	ConditionID string
	TokenID     string
}

// NewMarketAsset validates that both identifiers are non-empty.
func NewMarketAsset(conditionID, tokenID string) (MarketAsset, error) {
	if conditionID == "" {
		return MarketAsset{}, fmt.Errorf("%w: condition_id must not be empty", ErrInvalidRange)
	}
	if tokenID == "" {
		return MarketAsset{}, fmt.Errorf("%w: token_id must not be empty", ErrInvalidRange)
	}
	return MarketAsset{ConditionID: conditionID, TokenID: tokenID}, nil
}

// Less orders assets lexicographically, condition_id first.
func (a MarketAsset) Less(other MarketAsset) bool {
	if a.ConditionID != other.ConditionID {
		return a.ConditionID < other.ConditionID
	}
	return a.TokenID < other.TokenID
}

func (a MarketAsset) String() string {
	return a.ConditionID + "/" + a.TokenID
}

// PriceLevel is one rung of an order book side. A level with Size == 0 is
// never stored in a book; it is the delta encoding for "remove".
type PriceLevel struct {
	Price Price
	Size  Quantity
}
