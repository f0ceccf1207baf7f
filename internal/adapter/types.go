package adapter

import "time"

// Exchange identifies the source of market data.
type Exchange string

const (
	ExchangeBinance    Exchange = "binance"
	ExchangeKalshi     Exchange = "kalshi"
	ExchangePolymarket Exchange = "polymarket"
	ExchangeNasdaq     Exchange = "nasdaq"
	ExchangeMOEX       Exchange = "moex"
)

// PriceLevel represents a single bid or ask at a given price.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// TopOfBook is a point-in-time copy of the best levels of one book. It is
// the only form in which book state leaves the goroutine that owns it.
type TopOfBook struct {
	Exchange     Exchange     `json:"exchange"`
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID uint64       `json:"last_update_id"`
	Timestamp    time.Time    `json:"ts"`
}

// Key returns "exchange:symbol".
func (t TopOfBook) Key() string { return BookKey(t.Exchange, t.Symbol) }

// BookKey joins exchange and symbol the way every sink and the query
// service address a book.
func BookKey(exchange Exchange, symbol string) string {
	return string(exchange) + ":" + symbol
}

// BestBid returns the best bid level, if any.
func (t TopOfBook) BestBid() (PriceLevel, bool) {
	if len(t.Bids) == 0 {
		return PriceLevel{}, false
	}
	return t.Bids[0], true
}

// BestAsk returns the best ask level, if any.
func (t TopOfBook) BestAsk() (PriceLevel, bool) {
	if len(t.Asks) == 0 {
		return PriceLevel{}, false
	}
	return t.Asks[0], true
}
