package ws

import (
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"marketdata-corev1/internal/classify"
	"marketdata-corev1/internal/model"
)

// levelInfo is one book level as the vendor serializes it. Prices arrive as
// rupee floats and are converted to paise at the edge.
type levelInfo struct {
	Size        int64   `json:"Size"`
	Price       float64 `json:"Price"`
	TotalOrders uint32  `json:"TotalOrders"`
}

// touchline is the nested quote block of 1501/1507 events. "LastTradedQunatity"
// is the vendor's own field name, typo included.
type touchline struct {
	LastTradedPrice     float64    `json:"LastTradedPrice"`
	LastTradedQunatity  int64      `json:"LastTradedQunatity"`
	LastTradedTime      int64      `json:"LastTradedTime"`
	TotalTradedQuantity int64      `json:"TotalTradedQuantity"`
	AverageTradedPrice  float64    `json:"AverageTradedPrice"`
	TotalBuyQuantity    int64      `json:"TotalBuyQuantity"`
	TotalSellQuantity   int64      `json:"TotalSellQuantity"`
	Open                float64    `json:"Open"`
	High                float64    `json:"High"`
	Low                 float64    `json:"Low"`
	Close               float64    `json:"Close"`
	BidInfo             *levelInfo `json:"BidInfo"`
	AskInfo             *levelInfo `json:"AskInfo"`
}

// event is the superset of every message code's payload; which parts are
// populated depends on MessageCode.
type event struct {
	MessageCode          int    `json:"MessageCode"`
	ExchangeSegment      int    `json:"ExchangeSegment"`
	ExchangeInstrumentID uint32 `json:"ExchangeInstrumentID"`
	ExchangeTimeStamp    int64  `json:"ExchangeTimeStamp"`

	Touchline *touchline  `json:"Touchline"`
	Bids      []levelInfo `json:"Bids"`
	Asks      []levelInfo `json:"Asks"`

	OpenInterest int64 `json:"OpenInterest"`

	// 1512 LTP events carry trade fields at the top level.
	LastTradedPrice     float64 `json:"LastTradedPrice"`
	LastTradedQunatity  int64   `json:"LastTradedQunatity"`
	LastTradedTime      int64   `json:"LastTradedTime"`
	TotalTradedQuantity int64   `json:"TotalTradedQuantity"`
}

// Parser decodes vendor JSON frames into raw ticks.
type Parser struct {
	skipped atomic.Uint64
}

// NewParser creates a feed parser.
func NewParser() *Parser { return &Parser{} }

// Skipped returns the count of frames with unhandled message codes.
func (p *Parser) Skipped() uint64 { return p.skipped.Load() }

// Parse decodes one frame. Unhandled message codes are counted and skipped
// without error; only malformed JSON or a missing identity is an error.
func (p *Parser) Parse(data []byte, recvTime time.Time) ([]model.RawTick, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("ws: bad frame: %w", err)
	}

	seg := model.SegmentFromInt(ev.ExchangeSegment)
	if seg == model.SegUnknown || ev.ExchangeInstrumentID == 0 {
		return nil, fmt.Errorf("ws: frame code %d has no instrument identity", ev.MessageCode)
	}

	raw := model.RawTick{
		ID:         model.InstrumentID{Segment: seg, Token: ev.ExchangeInstrumentID},
		Protocol:   model.ProtoVendorWS,
		Transcode:  uint16(ev.MessageCode),
		ReceivedAt: recvTime,
	}

	switch ev.MessageCode {
	case classify.WSTouchline:
		if ev.Touchline == nil {
			return nil, fmt.Errorf("ws: touchline frame without touchline block")
		}
		applyTouchline(&raw, ev.Touchline)

	case classify.WSSnapshot:
		if ev.Touchline != nil {
			applyTouchline(&raw, ev.Touchline)
		}
		if len(ev.Bids) > 0 || len(ev.Asks) > 0 {
			applyDepth(&raw, ev.Bids, ev.Asks, ev.Touchline)
		}
		if ev.OpenInterest > 0 {
			raw.OpenInterest = ev.OpenInterest
			raw.Fields |= model.FieldOI
		}
		if raw.Fields == 0 {
			return nil, fmt.Errorf("ws: empty snapshot frame")
		}

	case classify.WSMarketDepth:
		applyDepth(&raw, ev.Bids, ev.Asks, ev.Touchline)

	case classify.WSOpenInterest:
		raw.OpenInterest = ev.OpenInterest
		raw.Fields = model.FieldOI

	case classify.WSLTP:
		raw.LTP = toPaise(ev.LastTradedPrice)
		raw.LTQ = ev.LastTradedQunatity
		raw.LastTradeTime = ev.LastTradedTime
		raw.Fields = model.FieldLTP
		if ev.TotalTradedQuantity > 0 {
			raw.Volume = ev.TotalTradedQuantity
			raw.Fields |= model.FieldVolume
		}

	default:
		p.skipped.Add(1)
		return nil, nil
	}

	return []model.RawTick{raw}, nil
}

func applyTouchline(raw *model.RawTick, tl *touchline) {
	raw.LTP = toPaise(tl.LastTradedPrice)
	raw.LTQ = tl.LastTradedQunatity
	raw.LastTradeTime = tl.LastTradedTime
	raw.Volume = tl.TotalTradedQuantity
	raw.ATP = toPaise(tl.AverageTradedPrice)
	raw.Open = toPaise(tl.Open)
	raw.High = toPaise(tl.High)
	raw.Low = toPaise(tl.Low)
	raw.PrevClose = toPaise(tl.Close)
	raw.Fields |= model.FieldLTP | model.FieldVolume | model.FieldOHLC | model.FieldPrevClose | model.FieldATP

	if tl.BidInfo != nil {
		raw.Bids[0] = model.DepthLevel{Price: toPaise(tl.BidInfo.Price), Qty: tl.BidInfo.Size, Orders: tl.BidInfo.TotalOrders}
		raw.Fields |= model.FieldTopOfBook
	}
	if tl.AskInfo != nil {
		raw.Asks[0] = model.DepthLevel{Price: toPaise(tl.AskInfo.Price), Qty: tl.AskInfo.Size, Orders: tl.AskInfo.TotalOrders}
		raw.Fields |= model.FieldTopOfBook
	}
}

func applyDepth(raw *model.RawTick, bids, asks []levelInfo, tl *touchline) {
	for i := 0; i < model.DepthLevels && i < len(bids); i++ {
		raw.Bids[i] = model.DepthLevel{Price: toPaise(bids[i].Price), Qty: bids[i].Size, Orders: bids[i].TotalOrders}
	}
	for i := 0; i < model.DepthLevels && i < len(asks); i++ {
		raw.Asks[i] = model.DepthLevel{Price: toPaise(asks[i].Price), Qty: asks[i].Size, Orders: asks[i].TotalOrders}
	}
	if tl != nil {
		raw.TotalBuyQty = tl.TotalBuyQuantity
		raw.TotalSellQty = tl.TotalSellQuantity
	}
	raw.Fields |= model.FieldDepth | model.FieldTopOfBook
}

func toPaise(rupees float64) int64 {
	return int64(math.Round(rupees * 100))
}
