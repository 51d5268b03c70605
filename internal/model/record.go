package model

import "time"

// DepthLevels is the number of order-book levels every exchange feed carries.
const DepthLevels = 5

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price  int64  `json:"price"` // paise
	Qty    int64  `json:"qty"`
	Orders uint32 `json:"orders"` // 0 if the feed does not report it
}

// PriceRecord is the consolidated live state for one instrument. Callers must
// check Fields, not the identity, to know whether data exists: an unpopulated
// slot snapshots as a zero record with an empty mask.
type PriceRecord struct {
	ID InstrumentID `json:"id"`

	LTP           int64 `json:"ltp"`
	LTQ           int64 `json:"ltq"`
	LastTradeTime int64 `json:"ltt"`
	Volume        int64 `json:"volume"`
	TotalTrades   int64 `json:"total_trades"`
	Open          int64 `json:"open"`
	High          int64 `json:"high"`
	Low           int64 `json:"low"`
	PrevClose     int64 `json:"prev_close"`
	ATP           int64 `json:"atp"`

	Bids         [DepthLevels]DepthLevel `json:"bids"`
	Asks         [DepthLevels]DepthLevel `json:"asks"`
	TotalBuyQty  int64                   `json:"total_buy_qty"`
	TotalSellQty int64                   `json:"total_sell_qty"`

	OpenInterest int64 `json:"oi"`
	OIDayHigh    int64 `json:"oi_day_high"`
	OIDayLow     int64 `json:"oi_day_low"`

	Fields    FieldMask `json:"fields"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BestBid returns the level-1 bid.
func (r *PriceRecord) BestBid() DepthLevel { return r.Bids[0] }

// BestAsk returns the level-1 ask.
func (r *PriceRecord) BestAsk() DepthLevel { return r.Asks[0] }

// Populated reports whether any update has ever been merged into the record.
func (r *PriceRecord) Populated() bool { return r.Fields != 0 }
