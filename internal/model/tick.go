package model

import "time"

// Prices throughout are int64 paise (1 INR = 100 paise) to avoid float drift.

// FieldMask records which logical field groups of a PriceRecord a message
// carries, or which groups of a record have ever been populated.
type FieldMask uint16

const (
	FieldLTP       FieldMask = 1 << iota // last traded price/qty/time
	FieldVolume                          // cumulative volume, total trades
	FieldOHLC                            // day open/high/low
	FieldPrevClose                       // previous day's close
	FieldATP                             // average traded price
	FieldTopOfBook                       // level-1 bid/ask
	FieldDepth                           // levels 1-5 bid/ask + aggregate qtys
	FieldOI                              // open interest + day hi/lo OI
)

// FieldAll covers every field group.
const FieldAll = FieldLTP | FieldVolume | FieldOHLC | FieldPrevClose |
	FieldATP | FieldTopOfBook | FieldDepth | FieldOI

// Has reports whether every bit of want is set.
func (m FieldMask) Has(want FieldMask) bool { return m&want == want }

// UpdateKind classifies a market-data message by which fields it is allowed
// to touch and which downstream consumers it should wake.
type UpdateKind uint8

const (
	KindUnknown UpdateKind = iota
	KindTouchline
	KindDepth
	KindTradeTick
	KindFullSnapshot
)

func (k UpdateKind) String() string {
	switch k {
	case KindTouchline:
		return "TOUCHLINE"
	case KindDepth:
		return "DEPTH"
	case KindTradeTick:
		return "TRADE_TICK"
	case KindFullSnapshot:
		return "FULL_SNAPSHOT"
	default:
		return "UNKNOWN"
	}
}

// ValidFields returns the field groups a kind is allowed to merge into a
// record. A touchline may replace the top of book but never depth levels 2-5;
// a depth update owns the book but never the traded-price fields.
func (k UpdateKind) ValidFields() FieldMask {
	switch k {
	case KindTouchline:
		return FieldLTP | FieldVolume | FieldOHLC | FieldPrevClose | FieldATP | FieldTopOfBook
	case KindDepth:
		return FieldDepth | FieldTopOfBook
	case KindTradeTick:
		return FieldLTP | FieldVolume | FieldOI
	case KindFullSnapshot:
		return FieldAll
	default:
		return 0
	}
}

// FeedProtocol identifies which wire protocol produced a raw message. The
// same logical kind arrives under different transcodes per protocol.
type FeedProtocol uint8

const (
	ProtoNSEBcast FeedProtocol = iota + 1 // NSE TRIMM multicast
	ProtoBSEBcast                         // BSE NFCAST multicast
	ProtoVendorWS                         // vendor WebSocket (XTS-style)
)

func (p FeedProtocol) String() string {
	switch p {
	case ProtoNSEBcast:
		return "nse-bcast"
	case ProtoBSEBcast:
		return "bse-bcast"
	case ProtoVendorWS:
		return "vendor-ws"
	default:
		return "unknown"
	}
}

// RawTick is the parsed, protocol-independent form of one ingestion message
// for one instrument. Fields says which groups the message actually carried;
// everything outside the mask is zero and must not be merged.
type RawTick struct {
	ID        InstrumentID
	Protocol  FeedProtocol
	Transcode uint16
	Fields    FieldMask

	LTP           int64
	LTQ           int64
	LastTradeTime int64 // exchange seconds-since-epoch, 0 if not carried
	Volume        int64
	TotalTrades   int64
	Open          int64
	High          int64
	Low           int64
	PrevClose     int64
	ATP           int64

	Bids         [DepthLevels]DepthLevel
	Asks         [DepthLevels]DepthLevel
	TotalBuyQty  int64
	TotalSellQty int64

	OpenInterest int64
	OIDayHigh    int64
	OIDayLow     int64

	RefNo      uint64 // packet sequence / reference number
	ReceivedAt time.Time
}
