package udp

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"marketdata-corev1/internal/classify"
	"marketdata-corev1/internal/model"
)

// BSE NFCAST datagram layout. Unlike the NSE stream there is no envelope and
// no compression: each datagram is one message with a 36-byte header carrying
// the message type little-endian at offset 8. Market-picture records occupy
// fixed 264-byte slots directly after the header; open-interest records are
// 34 bytes with their count at header offset 32.
const (
	bseHeaderLen = 36

	offBSEMsgType  = 8
	offBSEOIRecs   = 32
	bseMPRecordLen = 264
	bseOIRecordLen = 34
	bseOIMaxRecs   = 40

	offBSEDepth = 104 // interleaved bid/ask levels, 16 bytes a side
)

// BSEParser decodes BSE NFCAST datagrams for one exchange segment. The BSE
// wire format is little-endian throughout, the opposite of the NSE stream.
type BSEParser struct {
	segment model.Segment

	skipped atomic.Uint64
}

// NewBSEParser creates an NFCAST parser for one segment.
func NewBSEParser(segment model.Segment) *BSEParser {
	return &BSEParser{segment: segment}
}

// Stats returns cumulative skip counters.
func (p *BSEParser) Stats() ParserStats {
	return ParserStats{Skipped: p.skipped.Load()}
}

// Parse decodes one NFCAST datagram. Message types outside the market-picture
// and open-interest set (index values, session state, circuit limits) are
// skipped and counted, not errors.
func (p *BSEParser) Parse(pkt []byte, recvTime time.Time) ([]model.RawTick, error) {
	if len(pkt) < bseHeaderLen {
		return nil, fmt.Errorf("nfcast packet too short: %d bytes", len(pkt))
	}

	var ticks []model.RawTick
	msgType := le16(pkt[offBSEMsgType:])
	switch msgType {
	case classify.BSEMarketPicture, classify.BSEMarketPictureComplex:
		p.decodeMarketPicture(pkt, recvTime, msgType, &ticks)
	case classify.BSEOpenInterest:
		p.decodeOpenInterest(pkt, recvTime, &ticks)
	default:
		p.skipped.Add(1)
	}
	return ticks, nil
}

// decodeMarketPicture handles 2020/2021: full per-instrument snapshots with
// touchline, OHLC and the five-level book. Empty record slots carry token 0.
func (p *BSEParser) decodeMarketPicture(pkt []byte, recvTime time.Time, msgType uint16, out *[]model.RawTick) {
	n := (len(pkt) - bseHeaderLen) / bseMPRecordLen
	for i := 0; i < n; i++ {
		rec := pkt[bseHeaderLen+i*bseMPRecordLen:]
		token := le32(rec)
		if token == 0 {
			continue
		}

		raw := model.RawTick{
			ID:         model.InstrumentID{Segment: p.segment, Token: token},
			Protocol:   model.ProtoBSEBcast,
			Transcode:  msgType,
			Fields:     model.FieldLTP | model.FieldVolume | model.FieldOHLC | model.FieldPrevClose | model.FieldATP | model.FieldTopOfBook | model.FieldDepth,
			Open:       int64(le32(rec[4:])),
			PrevClose:  int64(le32(rec[8:])),
			High:       int64(le32(rec[12:])),
			Low:        int64(le32(rec[16:])),
			Volume:     int64(le32(rec[24:])),
			LTP:        int64(le32(rec[36:])),
			ATP:        int64(le32(rec[84:])),
			RefNo:      uint64(le32(rec[44:])),
			ReceivedAt: recvTime,
		}
		raw.TotalBuyQty = int64(le32(rec[64:]))
		raw.TotalSellQty = int64(le32(rec[68:]))

		// Book levels interleave bid then ask, 32 bytes per level pair.
		for l := 0; l < model.DepthLevels; l++ {
			bid := rec[offBSEDepth+32*l:]
			ask := bid[16:]
			raw.Bids[l] = model.DepthLevel{Price: int64(le32(bid)), Qty: int64(le32(bid[4:]))}
			raw.Asks[l] = model.DepthLevel{Price: int64(le32(ask)), Qty: int64(le32(ask[4:]))}
		}

		*out = append(*out, raw)
	}
}

// decodeOpenInterest handles 2015: derivative open-interest records.
func (p *BSEParser) decodeOpenInterest(pkt []byte, recvTime time.Time, out *[]model.RawTick) {
	n := int(le16(pkt[offBSEOIRecs:]))
	if n > bseOIMaxRecs {
		n = bseOIMaxRecs
	}
	for i := 0; i < n; i++ {
		off := bseHeaderLen + i*bseOIRecordLen
		if off+bseOIRecordLen > len(pkt) {
			return
		}
		rec := pkt[off:]
		token := le32(rec)
		if token == 0 {
			continue
		}
		*out = append(*out, model.RawTick{
			ID:           model.InstrumentID{Segment: p.segment, Token: token},
			Protocol:     model.ProtoBSEBcast,
			Transcode:    classify.BSEOpenInterest,
			Fields:       model.FieldOI,
			OpenInterest: int64(binary.LittleEndian.Uint64(rec[4:])),
			ReceivedAt:   recvTime,
		})
	}
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
