package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"marketdata-corev1/internal/classify"
	"marketdata-corev1/internal/model"
)

// NSE TRIMM datagram layout. A packet is a 2-byte network id, a big-endian
// message count, then that many messages back to back. Each message opens with
// a 2-byte compression length: non-zero means an LZO-compressed block of that
// many bytes follows, zero means the 40-byte broadcast header starts 10 bytes
// in, with the transcode at header offset 10 and the total message length at
// header offset 38.
const (
	packetHeaderLen = 4
	msgPrefixLen    = 10
	bcastHeaderLen  = 40

	offTranscode = 10
	offMsgLen    = 38
)

// Per-transcode body sizes, offsets relative to the broadcast header start.
const (
	mbombpBodyLen = 409 // 7200: header + token + touchline + MBO/MBP book

	onlyMBPRecordLen = 214 // 7208 record
	onlyMBPMaxRecs   = 2

	mwRecordLen    = 86 // 7201 record: token + 3 market-wise blocks + 32-bit OI
	enhMWRecordLen = 90 // 17201 record, 64-bit open interest
	mwMaxRecs      = 5
	mwInfoLen      = 26 // market-wise block stride inside a record

	tickerRecordLen = 26 // 7202 record
	tickerMaxRecs   = 17

	enhTickerRecordLen = 38 // 17202 record, 64-bit open interest
	enhTickerMaxRecs   = 12
)

var errTruncated = errors.New("truncated broadcast message")

// Parser decodes NSE broadcast datagrams for one exchange segment. Each
// multicast group carries exactly one segment, so the segment is fixed at
// construction and stamped onto every tick.
type Parser struct {
	segment model.Segment

	compressed atomic.Uint64
	skipped    atomic.Uint64
}

// ParserStats counts messages the parser saw but did not decode.
type ParserStats struct {
	Compressed uint64 // LZO blocks skipped (slow-path broadcast)
	Skipped    uint64 // transcodes with no decoder
}

// NewParser creates a broadcast parser for one segment.
func NewParser(segment model.Segment) *Parser {
	return &Parser{segment: segment}
}

// Stats returns cumulative skip counters.
func (p *Parser) Stats() ParserStats {
	return ParserStats{Compressed: p.compressed.Load(), Skipped: p.skipped.Load()}
}

// Parse decodes every message in one datagram. On truncation it returns the
// ticks decoded so far together with the error; the caller counts the packet
// malformed but still routes the leading ticks.
func (p *Parser) Parse(pkt []byte, recvTime time.Time) ([]model.RawTick, error) {
	if len(pkt) < packetHeaderLen {
		return nil, fmt.Errorf("packet too short: %d bytes", len(pkt))
	}
	msgCount := int(be16(pkt[2:]))

	var ticks []model.RawTick
	off := packetHeaderLen
	for m := 0; m < msgCount; m++ {
		if off+2 > len(pkt) {
			return ticks, errTruncated
		}
		compLen := int(be16(pkt[off:]))
		if compLen > 0 {
			// Compressed duplicates of the uncompressed stream; not decoded.
			off += 2 + compLen
			if off > len(pkt) {
				return ticks, errTruncated
			}
			p.compressed.Add(1)
			continue
		}

		if off+msgPrefixLen+bcastHeaderLen > len(pkt) {
			return ticks, errTruncated
		}
		body := pkt[off+msgPrefixLen:]
		msgLen := int(be16(body[offMsgLen:]))
		if msgLen < bcastHeaderLen || msgLen > len(body) {
			return ticks, errTruncated
		}
		p.decode(body[:msgLen], recvTime, &ticks)
		off += msgPrefixLen + msgLen
	}
	return ticks, nil
}

func (p *Parser) decode(body []byte, recvTime time.Time, out *[]model.RawTick) {
	transcode := be16(body[offTranscode:])
	switch transcode {
	case classify.NSEBcastMBOMBPUpdate:
		p.decodeMBOMBP(body, recvTime, out)
	case classify.NSEBcastOnlyMBP:
		p.decodeOnlyMBP(body, recvTime, out)
	case classify.NSEBcastMWRoundRobin:
		p.decodeMarketWatch(body, recvTime, out, classify.NSEBcastMWRoundRobin, mwRecordLen)
	case classify.NSEBcastEnhancedMW:
		p.decodeMarketWatch(body, recvTime, out, classify.NSEBcastEnhancedMW, enhMWRecordLen)
	case classify.NSEBcastTickerAndIndex:
		p.decodeTicker(body, recvTime, out)
	case classify.NSEBcastEnhancedTicker:
		p.decodeEnhancedTicker(body, recvTime, out)
	default:
		p.skipped.Add(1)
	}
}

// decodeMBOMBP handles 7200, the combined order/price book broadcast: one
// instrument per message, touchline fields plus the 5x5 book.
func (p *Parser) decodeMBOMBP(body []byte, recvTime time.Time, out *[]model.RawTick) {
	if len(body) < mbombpBodyLen {
		p.skipped.Add(1)
		return
	}

	raw := model.RawTick{
		ID:         model.InstrumentID{Segment: p.segment, Token: be32(body[40:])},
		Protocol:   model.ProtoNSEBcast,
		Transcode:  classify.NSEBcastMBOMBPUpdate,
		Fields:     model.FieldLTP | model.FieldVolume | model.FieldOHLC | model.FieldPrevClose | model.FieldATP | model.FieldTopOfBook | model.FieldDepth,
		Volume:     int64(be32(body[48:])),
		LTP:        int64(be32(body[52:])),
		LTQ:        int64(be32(body[61:])),
		ATP:        int64(be32(body[69:])),
		ReceivedAt: recvTime,
	}
	raw.LastTradeTime = int64(be32(body[65:]))

	// MBP block: 10 levels of 10 bytes, bids first.
	for i := 0; i < 2*model.DepthLevels; i++ {
		rec := body[275+10*i:]
		lvl := model.DepthLevel{
			Qty:    int64(be32(rec)),
			Price:  int64(be32(rec[4:])),
			Orders: uint32(be16(rec[8:])),
		}
		if i < model.DepthLevels {
			raw.Bids[i] = lvl
		} else {
			raw.Asks[i-model.DepthLevels] = lvl
		}
	}
	raw.TotalBuyQty = int64(lef64(body[375:]))
	raw.TotalSellQty = int64(lef64(body[383:]))

	raw.PrevClose = int64(be32(body[393:]))
	raw.Open = int64(be32(body[397:]))
	raw.High = int64(be32(body[401:]))
	raw.Low = int64(be32(body[405:]))

	*out = append(*out, raw)
}

// decodeOnlyMBP handles 7208: up to two price-book records per message.
func (p *Parser) decodeOnlyMBP(body []byte, recvTime time.Time, out *[]model.RawTick) {
	if len(body) < bcastHeaderLen+2 {
		p.skipped.Add(1)
		return
	}
	n := int(be16(body[40:]))
	if n > onlyMBPMaxRecs {
		n = onlyMBPMaxRecs
	}
	for i := 0; i < n; i++ {
		rec := body[42+i*onlyMBPRecordLen:]
		if len(rec) < onlyMBPRecordLen {
			return
		}
		raw := model.RawTick{
			ID:         model.InstrumentID{Segment: p.segment, Token: be32(rec)},
			Protocol:   model.ProtoNSEBcast,
			Transcode:  classify.NSEBcastOnlyMBP,
			Fields:     model.FieldLTP | model.FieldVolume | model.FieldOHLC | model.FieldPrevClose | model.FieldATP | model.FieldTopOfBook | model.FieldDepth,
			Volume:     int64(be32(rec[8:])),
			LTP:        int64(be32(rec[12:])),
			LTQ:        int64(be32(rec[22:])),
			ATP:        int64(be32(rec[30:])),
			ReceivedAt: recvTime,
		}
		raw.LastTradeTime = int64(be32(rec[26:]))

		// MBP block: 10 levels of 12 bytes, bids first.
		for l := 0; l < 2*model.DepthLevels; l++ {
			lrec := rec[56+12*l:]
			lvl := model.DepthLevel{
				Qty:    int64(be32(lrec)),
				Price:  int64(be32(lrec[4:])),
				Orders: uint32(be16(lrec[8:])),
			}
			if l < model.DepthLevels {
				raw.Bids[l] = lvl
			} else {
				raw.Asks[l-model.DepthLevels] = lvl
			}
		}
		raw.TotalBuyQty = int64(lef64(rec[180:]))
		raw.TotalSellQty = int64(lef64(rec[188:]))

		raw.PrevClose = int64(be32(rec[198:]))
		raw.Open = int64(be32(rec[202:]))
		raw.High = int64(be32(rec[206:]))
		raw.Low = int64(be32(rec[210:]))

		*out = append(*out, raw)
	}
}

// decodeMarketWatch handles 7201 and its enhanced 17201 variant: up to five
// round-robin records of best-bid/best-ask per market type plus open
// interest. Only the normal-market block is used; the auction and odd-lot
// blocks never carry prices for the instruments in the index.
func (p *Parser) decodeMarketWatch(body []byte, recvTime time.Time, out *[]model.RawTick, transcode uint16, recordLen int) {
	if len(body) < bcastHeaderLen+2 {
		p.skipped.Add(1)
		return
	}
	n := int(be16(body[40:]))
	if n > mwMaxRecs {
		n = mwMaxRecs
	}
	for i := 0; i < n; i++ {
		rec := body[42+i*recordLen:]
		if len(rec) < recordLen {
			return
		}
		// Normal-market block: indicator, buy volume/price, sell volume/price.
		mw := rec[4:]
		raw := model.RawTick{
			ID:         model.InstrumentID{Segment: p.segment, Token: be32(rec)},
			Protocol:   model.ProtoNSEBcast,
			Transcode:  transcode,
			Fields:     model.FieldTopOfBook | model.FieldOI,
			ReceivedAt: recvTime,
		}
		raw.Bids[0] = model.DepthLevel{Qty: int64(be32(mw[2:])), Price: int64(be32(mw[6:]))}
		raw.Asks[0] = model.DepthLevel{Qty: int64(be32(mw[10:])), Price: int64(be32(mw[14:]))}
		if transcode == classify.NSEBcastEnhancedMW {
			raw.OpenInterest = int64(binary.BigEndian.Uint64(rec[4+3*mwInfoLen:]))
		} else {
			raw.OpenInterest = int64(be32(rec[4+3*mwInfoLen:]))
		}
		*out = append(*out, raw)
	}
}

// decodeTicker handles 7202: up to 17 fill records with 32-bit open interest.
func (p *Parser) decodeTicker(body []byte, recvTime time.Time, out *[]model.RawTick) {
	if len(body) < bcastHeaderLen+2 {
		p.skipped.Add(1)
		return
	}
	n := int(be16(body[40:]))
	if n > tickerMaxRecs {
		n = tickerMaxRecs
	}
	for i := 0; i < n; i++ {
		rec := body[42+i*tickerRecordLen:]
		if len(rec) < tickerRecordLen {
			return
		}
		*out = append(*out, model.RawTick{
			ID:           model.InstrumentID{Segment: p.segment, Token: be32(rec)},
			Protocol:     model.ProtoNSEBcast,
			Transcode:    classify.NSEBcastTickerAndIndex,
			Fields:       model.FieldLTP | model.FieldVolume | model.FieldOI,
			LTP:          int64(be32(rec[6:])),
			Volume:       int64(be32(rec[10:])),
			OpenInterest: int64(be32(rec[14:])),
			OIDayHigh:    int64(be32(rec[18:])),
			OIDayLow:     int64(be32(rec[22:])),
			ReceivedAt:   recvTime,
		})
	}
}

// decodeEnhancedTicker handles 17202, the 64-bit open interest variant.
func (p *Parser) decodeEnhancedTicker(body []byte, recvTime time.Time, out *[]model.RawTick) {
	if len(body) < bcastHeaderLen+2 {
		p.skipped.Add(1)
		return
	}
	n := int(be16(body[40:]))
	if n > enhTickerMaxRecs {
		n = enhTickerMaxRecs
	}
	for i := 0; i < n; i++ {
		rec := body[42+i*enhTickerRecordLen:]
		if len(rec) < enhTickerRecordLen {
			return
		}
		*out = append(*out, model.RawTick{
			ID:           model.InstrumentID{Segment: p.segment, Token: be32(rec)},
			Protocol:     model.ProtoNSEBcast,
			Transcode:    classify.NSEBcastEnhancedTicker,
			Fields:       model.FieldLTP | model.FieldVolume | model.FieldOI,
			LTP:          int64(be32(rec[6:])),
			Volume:       int64(be32(rec[10:])),
			OpenInterest: int64(binary.BigEndian.Uint64(rec[14:])),
			OIDayHigh:    int64(binary.BigEndian.Uint64(rec[22:])),
			OIDayLow:     int64(binary.BigEndian.Uint64(rec[30:])),
			ReceivedAt:   recvTime,
		})
	}
}

func be16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func be32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// The aggregate buy/sell quantities are the one little-endian field in the
// broadcast: the exchange writes them as raw IEEE doubles in host order.
func lef64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
